package train

import "github.com/ajoshiusc/QRSegment/quantile"

// Phase is the state of the training loop over epochs.
type Phase int

const (
	// PhaseWarmUp trains the deterministic variant on the linear surrogate.
	PhaseWarmUp Phase = iota
	// PhaseSteady trains the deterministic variant on the quantile loss.
	PhaseSteady
	// PhaseTraining is the single phase of the probabilistic variant.
	PhaseTraining
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmUp:
		return "warm-up"
	case PhaseSteady:
		return "steady"
	case PhaseTraining:
		return "training"
	}
	return "unknown"
}

// Schedule maps epochs to phases and owns the criterion of each phase.
//
//	deterministic: WarmUp (epochs < warmup) -> Steady
//	probabilistic: Training
type Schedule struct {
	variant string
	warmup  int
	steady  quantile.Criterion

	current Phase
	started bool
}

// NewSchedule builds the schedule of cfg, which must be validated.
func NewSchedule(cfg Config) *Schedule {
	kind, _ := quantile.ParseKind(cfg.Loss)
	return &Schedule{variant: cfg.Variant, warmup: cfg.WarmupEpochs, steady: quantile.For(kind)}
}

func (s *Schedule) phaseOf(epoch int) Phase {
	switch {
	case s.variant == Probabilistic:
		return PhaseTraining
	case epoch < s.warmup:
		return PhaseWarmUp
	}
	return PhaseSteady
}

// Enter moves the schedule to epoch and reports the phase and whether it
// differs from the phase of the previous call. The first call always
// reports a transition.
func (s *Schedule) Enter(epoch int) (Phase, bool) {
	next := s.phaseOf(epoch)
	changed := !s.started || next != s.current
	s.current, s.started = next, true
	return next, changed
}

// Current is the phase of the last Enter.
func (s *Schedule) Current() Phase { return s.current }

// Criterion is the per-head loss of the current phase. The probabilistic
// phase has none of its own; its objective carries the reconstruction term.
func (s *Schedule) Criterion() quantile.Criterion {
	if s.current == PhaseWarmUp {
		return quantile.For(quantile.KindWarmup)
	}
	return s.steady
}
