// Package train runs the training loop of the quantile segmentation
// networks: epoch phases, the degenerate-loss guard, gradient clipping,
// periodic calibration on a held-out split, learning-rate reduction on
// plateaus and checkpointing, including on cancellation.
package train

import (
	"context"
	"math"
	"math/rand"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ajoshiusc/QRSegment/calib"
	"github.com/ajoshiusc/QRSegment/checkpoint"
	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/metrics"
	"github.com/ajoshiusc/QRSegment/qrnet"
)

var (
	// ErrDegenerateLoss marks a step skipped because its loss or gradient
	// norm was not finite. It is logged and counted, never returned.
	ErrDegenerateLoss = errors.New("degenerate loss")
	// ErrInterrupted is returned by Run when its context is cancelled; the
	// interrupted checkpoint has been written by then.
	ErrInterrupted = errors.New("training interrupted")
)

// Result summarizes a run.
type Result struct {
	// Steps counts optimizer updates, Skipped the degenerate steps.
	Steps   int
	Skipped int
	// EpochLosses is the mean finite batch loss of every epoch run.
	EpochLosses    []float64
	LastValidation *calib.Report
	Validations    int
	LearningRate   float64
}

// Trainer owns one training run.
type Trainer struct {
	cfg      Config
	obj      Objective
	params   *qrnet.ParamSet
	trainSet datasets.Dataset
	valSet   datasets.Dataset

	opt      Optimizer
	schedule *Schedule
	plateau  *PlateauScheduler
	evalOpts calib.Options

	logger *zap.Logger
	sink   metrics.Sink
	runID  string
	rng    *rand.Rand
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(t *Trainer) { t.logger = l } }

// WithMetrics sets the metrics sink. Default: metrics.Discard.
func WithMetrics(s metrics.Sink) Option { return func(t *Trainer) { t.sink = s } }

// WithRunID sets the id stored in checkpoints. Default: a random UUID.
func WithRunID(id string) Option { return func(t *Trainer) { t.runID = id } }

// WithCalibration sets the evaluator options used for validation.
func WithCalibration(o calib.Options) Option { return func(t *Trainer) { t.evalOpts = o } }

// New prepares a run of obj over trainSet, validating on valSet (which
// may be nil or empty to disable validation).
func New(cfg Config, obj Objective, trainSet, valSet datasets.Dataset, opts ...Option) (*Trainer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trainSet == nil || trainSet.Len() == 0 {
		return nil, errors.New("training set is empty")
	}
	opt, err := NewOptimizer(cfg)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:      cfg,
		obj:      obj,
		params:   obj.Net().Params(),
		trainSet: trainSet,
		valSet:   valSet,
		opt:      opt,
		schedule: NewSchedule(cfg),
		plateau:  NewPlateauScheduler(cfg.SchedulerPatience, cfg.SchedulerFactor),
		logger:   zap.NewNop(),
		sink:     metrics.Discard,
		runID:    uuid.New().String(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Optimizer returns the optimizer of the run.
func (t *Trainer) Optimizer() Optimizer { return t.opt }

func finite(x float64) bool { return x == x && !math.IsInf(x, 0) }

func (t *Trainer) record(step, epoch int, name string, v float64) {
	if !finite(v) {
		return
	}
	if err := t.sink.Record(metrics.Point{Step: step, Epoch: epoch, Name: name, Value: v}); err != nil {
		t.logger.Warn("metrics sink failed", zap.String("metric", name), zap.Error(err))
	}
}

func (t *Trainer) save(path string, epoch int) error {
	st := checkpoint.FromParams(t.params, t.cfg.Variant, epoch, t.runID)
	st.Split = checkpoint.Split{ValPercent: t.cfg.ValPercent, Seed: t.cfg.Seed}
	if err := checkpoint.Save(path, st); err != nil {
		return err
	}
	t.logger.Info("checkpoint saved", zap.String("path", path), zap.Int("epoch", epoch))
	return nil
}

// Run trains until all epochs are done or ctx is cancelled. Cancellation is
// observed between batches: the interrupted checkpoint is written and the
// returned error wraps ErrInterrupted. Shape and state errors abort the run
// and leave earlier checkpoints untouched.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	res := Result{LearningRate: t.opt.LearningRate()}
	start := 0
	if t.cfg.Resume != "" {
		st, err := checkpoint.Restore(t.cfg.Resume, t.params)
		if err != nil {
			return res, err
		}
		start = st.Epoch
		t.logger.Info("resumed", zap.String("path", t.cfg.Resume), zap.Int("epoch", start))
	}

	n := t.trainSet.Len()
	bs := t.cfg.BatchSize
	stepsPerEpoch := (n + bs - 1) / bs
	valEvery := stepsPerEpoch / t.cfg.ValidationsPerEpoch
	if valEvery < 1 {
		valEvery = 1
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	t.logger.Info("starting training",
		zap.String("variant", t.cfg.Variant),
		zap.String("run_id", t.runID),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("batch_size", bs),
		zap.Float64("learning_rate", t.opt.LearningRate()),
		zap.Int("train_size", n),
		zap.Int("steps_per_epoch", stepsPerEpoch),
	)

	for epoch := start; epoch < t.cfg.Epochs; epoch++ {
		phase, changed := t.schedule.Enter(epoch)
		if changed {
			t.logger.Info("entering phase", zap.Stringer("phase", phase), zap.Int("epoch", epoch))
		}
		if t.cfg.Shuffle {
			t.rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		}

		var epochLoss float64
		var epochSteps int
		for b := 0; b < stepsPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return res, t.interrupt(epoch)
			}
			lo, hi := b*bs, (b+1)*bs
			if hi > n {
				hi = n
			}
			batch, err := t.trainSet.Batch(indices[lo:hi])
			if err != nil {
				return res, errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}

			t.params.ZeroGrad()
			loss, backward, err := t.obj.Evaluate(batch, epoch, t.schedule.Criterion())
			if err != nil {
				return res, errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}
			if !finite(loss) {
				t.skip(&res, epoch, b, "loss", loss)
			} else {
				if err := backward(); err != nil {
					return res, errors.Wrapf(err, "backward epoch %d batch %d", epoch, b)
				}
				norm := ClipGradNorm(t.params, t.cfg.ClipNorm)
				if !finite(norm) {
					t.params.ZeroGrad()
					t.skip(&res, epoch, b, "grad_norm", norm)
				} else {
					t.opt.Step(t.params)
					res.Steps++
					epochLoss += loss
					epochSteps++
					t.record(res.Steps, epoch, metrics.TrainLoss, loss)
					t.record(res.Steps, epoch, metrics.GradNorm, norm)
				}
			}

			if (b+1)%valEvery == 0 {
				if err := t.validate(&res, epoch); err != nil {
					return res, err
				}
			}
		}

		mean := math.NaN()
		if epochSteps > 0 {
			mean = epochLoss / float64(epochSteps)
		}
		res.EpochLosses = append(res.EpochLosses, mean)
		t.record(res.Steps, epoch, metrics.EpochLoss, mean)
		t.logger.Info("epoch done",
			zap.Int("epoch", epoch+1),
			zap.Stringer("phase", phase),
			zap.Float64("mean_loss", mean),
			zap.Int("steps", epochSteps),
			zap.Int("skipped_total", res.Skipped),
		)

		if t.cfg.SaveCheckpoints {
			if phase == PhaseWarmUp && epoch == t.cfg.WarmupEpochs-1 {
				if err := t.save(checkpoint.WarmupPath(t.cfg.CheckpointDir), epoch+1); err != nil {
					return res, err
				}
			}
			if err := t.save(checkpoint.EpochPath(t.cfg.CheckpointDir, epoch+1), epoch+1); err != nil {
				return res, err
			}
		}
	}

	if t.cfg.SaveCheckpoints {
		if err := t.save(checkpoint.FinalPath(t.cfg.CheckpointDir), t.cfg.Epochs); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (t *Trainer) skip(res *Result, epoch, batch int, what string, v float64) {
	res.Skipped++
	t.logger.Warn("skipping step",
		zap.Error(ErrDegenerateLoss),
		zap.String("value", what),
		zap.Float64(what, v),
		zap.Int("epoch", epoch),
		zap.Int("batch", batch),
	)
	t.record(res.Steps, epoch, metrics.SkippedSteps, float64(res.Skipped))
}

// interrupt saves the interrupted checkpoint; epoch is the number of
// completed epochs, so resuming restarts the interrupted one.
func (t *Trainer) interrupt(epoch int) error {
	path := checkpoint.InterruptedPath(t.cfg.CheckpointDir)
	if err := t.save(path, epoch); err != nil {
		return errors.WithMessage(err, "save interrupted checkpoint")
	}
	return errors.Wrapf(ErrInterrupted, "epoch %d, saved %s", epoch, path)
}

func (t *Trainer) validate(res *Result, epoch int) error {
	if t.valSet == nil || t.valSet.Len() == 0 {
		return nil
	}
	rep, err := calib.Evaluate(t.obj.Net(), t.valSet, t.evalOpts)
	if err != nil {
		return errors.Wrap(err, "validation")
	}
	res.LastValidation = &rep
	res.Validations++

	score := rep.Score()
	lr := t.opt.LearningRate()
	if next, reduced := t.plateau.Step(score, lr); reduced {
		t.opt.SetLearningRate(next)
		t.logger.Info("reducing learning rate", zap.Float64("from", lr), zap.Float64("to", next))
		lr = next
	}
	res.LearningRate = lr

	fields := []zap.Field{
		zap.Int("epoch", epoch),
		zap.Int("step", res.Steps),
		zap.Float64("score", score),
		zap.Float64s("ratios", rep.Ratios),
		zap.Int("crossings", rep.Crossings),
		zap.Float64("learning_rate", lr),
	}
	if err := rep.EmptyBins(); err != nil {
		fields = append(fields, zap.NamedError("empty", err))
	}
	t.logger.Info("validation", fields...)

	t.record(res.Steps, epoch, metrics.ValScore, score)
	t.record(res.Steps, epoch, metrics.LearningRate, lr)
	for b, r := range rep.Ratios {
		t.record(res.Steps, epoch, metrics.BinRatio+strconv.Itoa(b), r)
	}
	return nil
}
