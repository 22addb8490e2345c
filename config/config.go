// Package config loads the YAML run configuration shared by qrtrain and
// qreval. Defaults are applied before decoding, so a file only needs the
// fields it changes, and again afterwards for zero values.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ajoshiusc/QRSegment/logging"
	"github.com/ajoshiusc/QRSegment/qrnet"
	"github.com/ajoshiusc/QRSegment/quantile"
	"github.com/ajoshiusc/QRSegment/train"
)

// Config is the whole run configuration.
type Config struct {
	Data    DataConfig     `yaml:"data"`
	Model   ModelConfig    `yaml:"model"`
	Train   train.Config   `yaml:"train"`
	Eval    EvalConfig     `yaml:"eval"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Log     logging.Config `yaml:"log"`
}

// DataConfig locates and preprocesses the NPZ archive.
type DataConfig struct {
	// Path of the archive; empty searches the default locations.
	Path string `yaml:"path"`
	// Scale downsamples images by keeping every round(1/Scale)-th pixel.
	Scale     float64 `yaml:"scale"`
	Normalize bool    `yaml:"normalize"`
}

// ModelConfig selects and shapes the network.
type ModelConfig struct {
	Levels []float64 `yaml:"levels"`
	AMP    bool      `yaml:"amp"`
	// GraphBackbone runs the deterministic backbone on gomlx.
	GraphBackbone bool                 `yaml:"graph_backbone"`
	Backbone      qrnet.BackboneConfig `yaml:"backbone"`
	Prob          qrnet.ProbConfig     `yaml:"prob"`
}

// EvalConfig configures the calibration evaluator.
type EvalConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Checkpoint string  `yaml:"checkpoint"`
}

// MetricsConfig selects the metrics sinks besides the log.
type MetricsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// PrometheusAddr serves /metrics when set, e.g. ":9102".
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// base holds the defaults that do not depend on the variant.
func base() Config {
	levels := quantile.DefaultLevels()
	lv := make([]float64, len(levels))
	for i, q := range levels {
		lv[i] = float64(q)
	}
	return Config{
		Data:  DataConfig{Scale: 0.5, Normalize: true},
		Model: ModelConfig{Levels: lv},
		Train: train.Config{SaveCheckpoints: true, ValPercent: train.DefaultValPercent},
		Eval:  EvalConfig{Threshold: 0.5},
		Log:   logging.DefaultConfig(),
	}
}

// Default returns the defaults of the deterministic variant.
func Default() Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
// Variant-dependent training defaults follow the variant in the file.
func Load(path string) (Config, error) {
	cfg := base()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Data.Scale == 0 {
		c.Data.Scale = 0.5
	}
	if len(c.Model.Levels) == 0 {
		c.Model.Levels = base().Model.Levels
	}
	if c.Eval.Threshold == 0 {
		c.Eval.Threshold = 0.5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Train = c.Train.WithDefaults()
}

// Levels returns the validated quantile levels.
func (c Config) Levels() (quantile.Levels, error) {
	out := make(quantile.Levels, len(c.Model.Levels))
	for i, q := range c.Model.Levels {
		out[i] = quantile.Level(q)
	}
	return out, out.Validate()
}

// Validate checks the fields no later stage checks.
func (c Config) Validate() error {
	if _, err := c.Levels(); err != nil {
		return err
	}
	if c.Data.Scale <= 0 || c.Data.Scale > 1 {
		return errors.Errorf("scale %g is outside (0,1]", c.Data.Scale)
	}
	if c.Eval.Threshold <= 0 || c.Eval.Threshold >= 1 {
		return errors.Errorf("threshold %g is outside (0,1)", c.Eval.Threshold)
	}
	return c.Train.Validate()
}
