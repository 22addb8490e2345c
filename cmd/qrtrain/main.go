// Command qrtrain trains a quantile segmentation network on an NPZ archive
// of images and masks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajoshiusc/QRSegment/calib"
	"github.com/ajoshiusc/QRSegment/config"
	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/logging"
	"github.com/ajoshiusc/QRSegment/quantile"
	"github.com/ajoshiusc/QRSegment/runner"
	"github.com/ajoshiusc/QRSegment/train"
)

type flags struct {
	config        string
	data          string
	variant       string
	epochs        int
	batchSize     int
	learningRate  float64
	load          string
	scale         float64
	validation    float64
	amp           bool
	checkpointDir string
	metricsDB     string
	logFile       string
	levels        string
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "qrtrain",
	Short: "Train a quantile-regression segmentation network",
	Long: `qrtrain trains the deterministic four-head network or the probabilistic
latent-variable network on an NPZ archive holding "data" (or "images") and
"masks" arrays of shape (N, H, W).

Flags override the values of the --config file. SIGINT and SIGTERM stop
training after the current batch and save INTERRUPTED.ckpt.`,
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.config, "config", "", "YAML run configuration")
	f.StringVar(&opts.data, "data", "", "NPZ archive (default: search data/, ../data/ and .)")
	f.StringVar(&opts.variant, "variant", train.Deterministic, "network variant: deterministic|probabilistic")
	f.IntVarP(&opts.epochs, "epochs", "e", 20, "number of epochs")
	f.IntVarP(&opts.batchSize, "batch-size", "b", 40, "batch size")
	f.Float64VarP(&opts.learningRate, "learning-rate", "l", 1e-3, "learning rate")
	f.StringVarP(&opts.load, "load", "f", "", "resume from a checkpoint file")
	f.Float64VarP(&opts.scale, "scale", "s", 0.5, "downscaling factor of the images")
	f.Float64VarP(&opts.validation, "validation", "v", 10, "percent of the data used for validation (0-100)")
	f.BoolVar(&opts.amp, "amp", false, "round activations to half precision")
	f.StringVar(&opts.checkpointDir, "checkpoint-dir", "", "checkpoint directory")
	f.StringVar(&opts.metricsDB, "metrics-db", "", "SQLite database recording the metrics")
	f.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this file")
	f.StringVar(&opts.levels, "levels", "", `quantile levels, e.g. "0.875,0.625,0.375,0.125"`)
}

// overrides applies the flags the user set on top of the loaded file.
func overrides(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("levels") {
		levels, err := quantile.ParseLevels(opts.levels)
		if err != nil {
			return err
		}
		cfg.Model.Levels = cfg.Model.Levels[:0]
		for _, q := range levels {
			cfg.Model.Levels = append(cfg.Model.Levels, float64(q))
		}
	}
	if changed("data") {
		cfg.Data.Path = opts.data
	}
	if changed("variant") {
		cfg.Train = cfg.Train.ForVariant(opts.variant)
	}
	if changed("epochs") {
		cfg.Train.Epochs = opts.epochs
	}
	if changed("batch-size") {
		cfg.Train.BatchSize = opts.batchSize
	}
	if changed("learning-rate") {
		cfg.Train.LearningRate = opts.learningRate
	}
	if changed("load") {
		cfg.Train.Resume = opts.load
	}
	if changed("scale") {
		cfg.Data.Scale = opts.scale
	}
	if changed("validation") {
		cfg.Train.ValPercent = opts.validation
	}
	if changed("amp") {
		cfg.Model.AMP = opts.amp
	}
	if changed("checkpoint-dir") {
		cfg.Train.CheckpointDir = opts.checkpointDir
	}
	if changed("metrics-db") {
		cfg.Metrics.SQLitePath = opts.metricsDB
	}
	if changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}
	if err := overrides(cmd, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ds, err := runner.LoadData(cfg.Data, logger)
	if err != nil {
		return err
	}
	trainSet, valSet, err := datasets.Split(ds, cfg.Train.ValPercent, cfg.Train.Seed)
	if err != nil {
		return err
	}

	net, err := runner.BuildNet(cfg, cfg.Train.Variant)
	if err != nil {
		return err
	}
	defer net.Close()

	sinks, err := runner.OpenSinks(cfg.Metrics, cfg.Train.Variant, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("closing metrics", zap.Error(err))
		}
	}()

	levels, _ := cfg.Levels()
	topts := []train.Option{
		train.WithLogger(logger),
		train.WithMetrics(sinks),
		train.WithCalibration(calib.Options{Threshold: cfg.Eval.Threshold, Levels: levels}),
	}
	if sinks.RunID != "" {
		topts = append(topts, train.WithRunID(sinks.RunID))
	}
	tr, err := train.New(cfg.Train, net.Objective, trainSet, valSet, topts...)
	if err != nil {
		return err
	}

	logger.Info("starting training",
		zap.String("variant", cfg.Train.Variant),
		zap.Int("epochs", cfg.Train.Epochs),
		zap.Int("batch_size", cfg.Train.BatchSize),
		zap.Float64("learning_rate", cfg.Train.LearningRate),
		zap.String("optimizer", cfg.Train.Optimizer),
		zap.Int("training", trainSet.Len()),
		zap.Int("validation", valSet.Len()),
		zap.Int("params", net.Net.Params().Count()),
		zap.Bool("amp", cfg.Model.AMP))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := tr.Run(ctx)
	if errors.Is(err, train.ErrInterrupted) {
		logger.Warn("training interrupted", zap.Int("steps", res.Steps))
		return err
	}
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Int("steps", res.Steps),
		zap.Int("skipped", res.Skipped),
		zap.Int("validations", res.Validations),
		zap.Float64("learning_rate", res.LearningRate),
	}
	if res.LastValidation != nil {
		fields = append(fields, zap.Float64("score", res.LastValidation.Score()))
	}
	logger.Info("training finished", fields...)
	return nil
}

func main() {
	Execute()
}
