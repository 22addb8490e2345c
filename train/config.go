package train

import (
	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/quantile"
)

// Variant names.
const (
	Deterministic = "deterministic"
	Probabilistic = "probabilistic"
)

// Config holds the hyperparameters of a training run. Zero values are
// replaced by the defaults of the variant in WithDefaults.
type Config struct {
	Variant string `yaml:"variant"`

	// Epochs to train for. Default: 20.
	Epochs int `yaml:"epochs"`
	// BatchSize defaults to 40 for the deterministic variant and 24 for the
	// probabilistic one.
	BatchSize int `yaml:"batch_size"`
	// LearningRate defaults to 1e-3 for RMSprop and Adam, 1e-4 for SGD.
	LearningRate float64 `yaml:"learning_rate"`

	// Optimizer is "rmsprop", "sgd" or "adam". The deterministic variant
	// defaults to rmsprop, the probabilistic one to sgd.
	Optimizer   string  `yaml:"optimizer"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	// Adam hyperparameters (used when Optimizer == "adam").
	Beta1   float64 `yaml:"adam_beta1"`
	Beta2   float64 `yaml:"adam_beta2"`
	Epsilon float64 `yaml:"adam_eps"`

	// ClipNorm is the ceiling of the global gradient norm. Default: 15.
	ClipNorm float64 `yaml:"clip_norm"`
	// WarmupEpochs use the linear surrogate loss. Deterministic variant
	// only. Default: 1; negative disables the warm-up.
	WarmupEpochs int `yaml:"warmup_epochs"`
	// Loss is the criterion of the steady phase: "pinball" (default) or
	// the deprecated "bceqr".
	Loss string `yaml:"loss"`
	// RegWeight scales the L2 penalty of the probabilistic variant.
	RegWeight float64 `yaml:"reg_weight"`

	// ValidationsPerEpoch sets the validation cadence. Default: 10.
	ValidationsPerEpoch int `yaml:"validations_per_epoch"`
	// ValPercent of the samples are held out for validation. DefaultConfig
	// sets 10; zero trains on every sample without validating.
	ValPercent float64 `yaml:"val_percent"`

	// SchedulerPatience and SchedulerFactor drive the plateau scheduler.
	SchedulerPatience int     `yaml:"scheduler_patience"`
	SchedulerFactor   float64 `yaml:"scheduler_factor"`

	Seed    int64 `yaml:"seed"`
	Shuffle bool  `yaml:"shuffle"`

	CheckpointDir   string `yaml:"checkpoint_dir"`
	SaveCheckpoints bool   `yaml:"save_checkpoints"`
	// Resume names a checkpoint loaded before training starts.
	Resume string `yaml:"resume"`
}

// DefaultValPercent is the validation share of DefaultConfig.
const DefaultValPercent = 10

// DefaultConfig returns the defaults of variant.
func DefaultConfig(variant string) Config {
	return Config{Variant: variant, SaveCheckpoints: true, ValPercent: DefaultValPercent}.WithDefaults()
}

// WithDefaults fills in zero fields. ValPercent is left alone since zero
// is a valid share.
func (c Config) WithDefaults() Config {
	if c.Variant == "" {
		c.Variant = Deterministic
	}
	if c.Epochs <= 0 {
		c.Epochs = 20
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 40
		if c.Variant == Probabilistic {
			c.BatchSize = 24
		}
	}
	if c.Optimizer == "" {
		c.Optimizer = OptRMSprop
		if c.Variant == Probabilistic {
			c.Optimizer = OptSGD
		}
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-3
		if c.Optimizer == OptSGD {
			c.LearningRate = 1e-4
		}
	}
	if c.Momentum == 0 && c.Optimizer == OptRMSprop {
		c.Momentum = 0.9
	}
	if c.WeightDecay == 0 && c.Optimizer == OptRMSprop {
		c.WeightDecay = 1e-8
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.ClipNorm <= 0 {
		c.ClipNorm = 15
	}
	if c.WarmupEpochs == 0 && c.Variant == Deterministic {
		c.WarmupEpochs = 1
	}
	if c.RegWeight == 0 {
		c.RegWeight = 1e-5
	}
	if c.ValidationsPerEpoch <= 0 {
		c.ValidationsPerEpoch = 10
	}
	if c.SchedulerPatience <= 0 {
		c.SchedulerPatience = 2
	}
	if c.SchedulerFactor <= 0 {
		c.SchedulerFactor = 0.1
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "checkpoints"
	}
	return c
}

// ForVariant switches c to variant. Settings that do not depend on the
// variant are kept; the variant-dependent ones (batch size, optimizer and
// its hyperparameters, warm-up epochs) are kept only when they differ from
// the defaults of the current variant, otherwise they take the new
// variant's defaults.
func (c Config) ForVariant(variant string) Config {
	if variant == c.Variant {
		return c
	}
	def := DefaultConfig(c.Variant)
	next := c
	next.Variant = variant
	if c.BatchSize == def.BatchSize {
		next.BatchSize = 0
	}
	if c.Optimizer == def.Optimizer {
		next.Optimizer = ""
	}
	if c.LearningRate == def.LearningRate {
		next.LearningRate = 0
	}
	if c.Momentum == def.Momentum {
		next.Momentum = 0
	}
	if c.WeightDecay == def.WeightDecay {
		next.WeightDecay = 0
	}
	if c.WarmupEpochs == def.WarmupEpochs {
		next.WarmupEpochs = 0
	}
	return next.WithDefaults()
}

// Validate rejects configurations no run can use.
func (c Config) Validate() error {
	switch c.Variant {
	case Deterministic, Probabilistic:
	default:
		return errors.Errorf("unknown variant %q", c.Variant)
	}
	switch c.Optimizer {
	case OptRMSprop, OptSGD, OptAdam:
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.ValPercent < 0 || c.ValPercent >= 100 {
		return errors.Errorf("validation percent %g is outside [0,100)", c.ValPercent)
	}
	if kind, err := quantile.ParseKind(c.Loss); err != nil {
		return err
	} else if kind == quantile.KindWarmup {
		return errors.New("the warm-up surrogate cannot be the steady loss")
	}
	if c.SchedulerFactor >= 1 {
		return errors.Errorf("scheduler factor %g must be below 1", c.SchedulerFactor)
	}
	return nil
}
