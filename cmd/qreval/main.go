// Command qreval restores a checkpoint and reports the calibration of its
// quantile maps on an NPZ archive.
package main

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajoshiusc/QRSegment/calib"
	"github.com/ajoshiusc/QRSegment/checkpoint"
	"github.com/ajoshiusc/QRSegment/config"
	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/logging"
	"github.com/ajoshiusc/QRSegment/runner"
)

type flags struct {
	config     string
	data       string
	checkpoint string
	threshold  float64
	scale      float64
	valOnly    bool
	validation float64
	perSample  bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "qreval",
	Short: "Evaluate the calibration of a trained quantile network",
	Long: `qreval loads a checkpoint written by qrtrain, predicts the quantile maps
of every image and reports, per coverage bin, the fraction of ground-truth
positive pixels next to the interval the quantile levels promise.`,
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
	f.StringVarP(&opts.checkpoint, "checkpoint", "c", "", "checkpoint to evaluate (default: eval.checkpoint, then final.ckpt)")
	f.Float64VarP(&opts.threshold, "threshold", "t", calib.DefaultThreshold, "operating threshold of the maps")
	f.Float64VarP(&opts.scale, "scale", "s", 0.5, "downscaling factor of the images")
	f.BoolVar(&opts.valOnly, "val-only", false, "evaluate only the validation split of the training run")
	f.Float64VarP(&opts.validation, "validation", "v", 10, "validation percent of the split (default: the one stored in the checkpoint)")
	f.BoolVar(&opts.perSample, "per-sample", false, "log the bin ratios of every sample")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}
	changed := cmd.Flags().Changed
	if changed("data") {
		cfg.Data.Path = opts.data
	}
	if changed("scale") {
		cfg.Data.Scale = opts.scale
	}
	if changed("threshold") {
		cfg.Eval.Threshold = opts.threshold
	}
	if changed("checkpoint") {
		cfg.Eval.Checkpoint = opts.checkpoint
	}
	if cfg.Eval.Checkpoint == "" {
		cfg.Eval.Checkpoint = checkpoint.FinalPath(cfg.Train.CheckpointDir)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := checkpoint.Load(cfg.Eval.Checkpoint)
	if err != nil {
		return err
	}
	net, err := runner.BuildNet(cfg, st.Variant)
	if err != nil {
		return err
	}
	defer net.Close()
	if err := checkpoint.Apply(st, net.Net.Params()); err != nil {
		return errors.Wrapf(err, "checkpoint %s does not fit the configured model", cfg.Eval.Checkpoint)
	}
	logger.Info("checkpoint restored",
		zap.String("path", cfg.Eval.Checkpoint),
		zap.String("variant", st.Variant),
		zap.Int("epoch", st.Epoch),
		zap.String("run_id", st.RunID))

	all, err := runner.LoadData(cfg.Data, logger)
	if err != nil {
		return err
	}
	var ds datasets.Dataset = all
	if opts.valOnly {
		split := validationSplit(cmd, st)
		_, val, err := datasets.Split(all, split.ValPercent, split.Seed)
		if err != nil {
			return err
		}
		if val.Len() == 0 {
			return errors.Errorf("no validation samples at %g%% of %d", split.ValPercent, all.Len())
		}
		logger.Info("evaluating the validation split",
			zap.Float64("val_percent", split.ValPercent),
			zap.Int64("seed", split.Seed),
			zap.Int("samples", val.Len()))
		ds = val
	}

	levels, _ := cfg.Levels()
	report, err := calib.Evaluate(net.Net, ds, calib.Options{
		Threshold:     cfg.Eval.Threshold,
		Levels:        levels,
		KeepPerSample: opts.perSample,
	})
	if err != nil {
		return err
	}
	if err := report.EmptyBins(); err != nil {
		logger.Warn("some bins were empty", zap.Error(err), zap.Ints("empty", report.Empty))
	}
	for i, ratios := range report.PerSample {
		logger.Info("sample", zap.Int("index", i), zap.Float64s("ratios", ratios))
	}
	return render(report)
}

// validationSplit is the split the checkpoint was trained with, with the
// percent replaced when --validation is given.
func validationSplit(cmd *cobra.Command, st *checkpoint.State) checkpoint.Split {
	split := st.Split
	if cmd.Flags().Changed("validation") {
		split.ValPercent = opts.validation
	}
	return split
}

func ratioString(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func render(r calib.Report) error {
	data := pterm.TableData{{"Bin", "Nominal", "Ratio", "Defined", "Empty"}}
	for b, ratio := range r.Ratios {
		data = append(data, []string{
			strconv.Itoa(b),
			r.Nominal[b].String(),
			ratioString(ratio),
			strconv.Itoa(r.Defined[b]),
			strconv.Itoa(r.Empty[b]),
		})
	}
	pterm.DefaultSection.Println("Calibration")
	if err := pterm.DefaultTable.WithHasHeader(true).WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("samples %d, pixels %d, threshold %.2f", r.Samples, r.Pixels, r.Threshold)
	if r.Excluded > 0 {
		pterm.Warning.Printfln("%d pixels at the threshold or NaN left out of every bin", r.Excluded)
	}
	if r.Crossings > 0 {
		pterm.Warning.Printfln("%d pixels with crossing quantile maps", r.Crossings)
	}
	pterm.Success.Printfln("score %s", ratioString(r.Score()))
	return nil
}

func main() {
	Execute()
}
