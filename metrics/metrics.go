// Package metrics receives the scalar metrics of a run (training loss,
// validation score, learning rate, per-bin ratios) keyed by step and epoch.
package metrics

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Metric names recorded by the trainer.
const (
	TrainLoss    = "train/loss"
	GradNorm     = "train/grad_norm"
	SkippedSteps = "train/skipped_steps"
	EpochLoss    = "train/epoch_loss"
	ValScore     = "val/score"
	LearningRate = "val/learning_rate"
	// BinRatio is suffixed with the bin index, e.g. "val/bin_ratio/0".
	BinRatio = "val/bin_ratio/"
)

// Point is one recorded value.
type Point struct {
	Step  int
	Epoch int
	Name  string
	Value float64
	Time  time.Time
}

// Sink stores points.
type Sink interface {
	Record(p Point) error
	Close() error
}

// Discard drops every point.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Point) error { return nil }
func (discard) Close() error       { return nil }

// Multi fans points out to several sinks. Every sink receives every point;
// errors are combined.
func Multi(sinks ...Sink) Sink { return multi(sinks) }

type multi []Sink

func (m multi) Record(p Point) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(p))
	}
	return err
}

func (m multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// LogSink writes points to a zap logger at debug level.
type LogSink struct {
	Logger *zap.Logger
}

// Record implements Sink.
func (l LogSink) Record(p Point) error {
	l.Logger.Debug("metric",
		zap.String("name", p.Name),
		zap.Float64("value", p.Value),
		zap.Int("step", p.Step),
		zap.Int("epoch", p.Epoch),
	)
	return nil
}

// Close implements Sink.
func (l LogSink) Close() error { return nil }
