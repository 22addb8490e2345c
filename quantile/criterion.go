package quantile

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind selects a loss family.
type Kind int

const (
	// KindPinball is the default steady-state loss.
	KindPinball Kind = iota
	// KindWarmup is the linear surrogate used during warm-up.
	KindWarmup
	// KindBCEqr is the deprecated quantile-weighted cross-entropy.
	KindBCEqr
)

func (k Kind) String() string {
	switch k {
	case KindPinball:
		return "pinball"
	case KindWarmup:
		return "warmup"
	case KindBCEqr:
		return "bceqr"
	}
	return "unknown"
}

// ParseKind maps a name back to a Kind. The empty string is Pinball.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pinball":
		return KindPinball, nil
	case "warmup", "linear":
		return KindWarmup, nil
	case "bceqr":
		return KindBCEqr, nil
	}
	return 0, errors.Errorf("unknown loss kind %q", s)
}

// Criterion is a loss family bound to nothing but its formula: the level
// is passed on every call.
type Criterion interface {
	Kind() Kind
	Loss(p, y []float32, q Level) (float64, error)
	Grad(p, y []float32, q Level, dst []float32) error
}

type criterion struct {
	kind Kind
	loss func(p, y []float32, q Level) (float64, error)
	grad func(p, y []float32, q Level, dst []float32) error
}

func (c criterion) Kind() Kind { return c.kind }

func (c criterion) Loss(p, y []float32, q Level) (float64, error) { return c.loss(p, y, q) }

func (c criterion) Grad(p, y []float32, q Level, dst []float32) error {
	return c.grad(p, y, q, dst)
}

// For returns the Criterion of the given kind. Unknown kinds fall back to
// Pinball.
func For(k Kind) Criterion {
	switch k {
	case KindWarmup:
		return criterion{kind: KindWarmup, loss: Warmup, grad: WarmupGrad}
	case KindBCEqr:
		return criterion{kind: KindBCEqr, loss: BCEqr, grad: BCEqrGrad}
	default:
		return criterion{kind: KindPinball, loss: Pinball, grad: PinballGrad}
	}
}

// SumLevels evaluates c for each (prediction map, level) pair against the
// same target and returns the total.
func SumLevels(c Criterion, preds [][]float32, y []float32, levels Levels) (float64, error) {
	if len(preds) != len(levels) {
		return 0, errors.Errorf("%d prediction maps for %d levels", len(preds), len(levels))
	}
	var total float64
	for k, p := range preds {
		l, err := c.Loss(p, y, levels[k])
		if err != nil {
			return 0, errors.Wrapf(err, "level %g", float64(levels[k]))
		}
		total += l
	}
	return total, nil
}
