package train

import (
	"context"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajoshiusc/QRSegment/calib"
	"github.com/ajoshiusc/QRSegment/checkpoint"
	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/metrics"
	"github.com/ajoshiusc/QRSegment/qrnet"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// blobs returns images of random intensities whose mask marks the pixels
// above 0.5.
func blobs(t *testing.T, n, h, w int, seed int64) *datasets.InMemory {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	samples := make([]datasets.Sample, n)
	for i := range samples {
		img := datasets.NewGrid(h, w)
		mask := datasets.NewGrid(h, w)
		for p := range img.Data {
			img.Data[p] = rng.Float32()
			if img.Data[p] > 0.5 {
				mask.Data[p] = 1
			}
		}
		samples[i] = datasets.Sample{Image: img, Mask: mask}
	}
	ds, err := datasets.NewInMemory(samples)
	require.NoError(t, err)
	return ds
}

func newMultiHead(t *testing.T) *qrnet.MultiHead {
	t.Helper()
	levels := quantile.DefaultLevels()
	net, err := qrnet.NewMultiHead(qrnet.NewMLPBackbone(qrnet.BackboneConfig{Hidden: []int{8}, Seed: 1}, len(levels)), levels, false)
	require.NoError(t, err)
	return net
}

type recordingSink struct{ points []metrics.Point }

func (r *recordingSink) Record(p metrics.Point) error { r.points = append(r.points, p); return nil }
func (r *recordingSink) Close() error                 { return nil }

func (r *recordingSink) named(name string) []metrics.Point {
	var out []metrics.Point
	for _, p := range r.points {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func TestClipGradNorm(t *testing.T) {
	ps := qrnet.NewParamSet()
	a := ps.Add("a", 2)
	b := ps.Add("b", 1)
	a.Grad[0], a.Grad[1], b.Grad[0] = 3, 0, 4

	assert.InDelta(t, 5.0, ClipGradNorm(ps, 10), 1e-9)
	assert.Equal(t, float32(3), a.Grad[0])

	pre := ClipGradNorm(ps, 1)
	assert.InDelta(t, 5.0, pre, 1e-9)
	assert.LessOrEqual(t, GradNorm(ps), 1.0)
	assert.InDelta(t, 0.6, a.Grad[0], 1e-5)
	assert.InDelta(t, 0.8, b.Grad[0], 1e-5)

	a.Grad[0], a.Grad[1], b.Grad[0] = 100, 37, -251
	pre = ClipGradNorm(ps, 15)
	assert.InDelta(t, 272.7086, pre, 1e-3)
	assert.LessOrEqual(t, GradNorm(ps), 15.0)
	assert.InDelta(t, 15.0, GradNorm(ps), 1e-4)

	rng := rand.New(rand.NewSource(9))
	for trial := 0; trial < 200; trial++ {
		for _, p := range ps.All() {
			for i := range p.Grad {
				p.Grad[i] = float32(rng.NormFloat64() * 100)
			}
		}
		if GradNorm(ps) > 15 {
			ClipGradNorm(ps, 15)
			assert.LessOrEqual(t, GradNorm(ps), 15.0)
		}
	}
}

func TestPlateauScheduler(t *testing.T) {
	s := NewPlateauScheduler(2, 0.1)
	lr := 1.0
	var reduced bool
	for _, v := range []float64{0.5, 0.6, 0.6, 0.55} {
		lr, reduced = s.Step(v, lr)
		assert.False(t, reduced)
	}
	lr, reduced = s.Step(math.NaN(), lr)
	assert.True(t, reduced)
	assert.InDelta(t, 0.1, lr, 1e-12)
	assert.Equal(t, 0.6, s.Best())

	lr, reduced = s.Step(0.7, lr)
	assert.False(t, reduced)
	assert.InDelta(t, 0.1, lr, 1e-12)
}

func TestSchedule(t *testing.T) {
	s := NewSchedule(DefaultConfig(Deterministic))
	p, changed := s.Enter(0)
	assert.Equal(t, PhaseWarmUp, p)
	assert.True(t, changed)
	assert.Equal(t, quantile.KindWarmup, s.Criterion().Kind())

	p, changed = s.Enter(1)
	assert.Equal(t, PhaseSteady, p)
	assert.True(t, changed)
	assert.Equal(t, quantile.KindPinball, s.Criterion().Kind())

	_, changed = s.Enter(2)
	assert.False(t, changed)

	legacy := DefaultConfig(Deterministic)
	legacy.Loss = "bceqr"
	s = NewSchedule(legacy)
	s.Enter(5)
	assert.Equal(t, quantile.KindBCEqr, s.Criterion().Kind())

	s = NewSchedule(DefaultConfig(Probabilistic))
	p, _ = s.Enter(0)
	assert.Equal(t, PhaseTraining, p)
	assert.Equal(t, "training", p.String())
}

func TestConfigDefaults(t *testing.T) {
	det := DefaultConfig(Deterministic)
	assert.Equal(t, 20, det.Epochs)
	assert.Equal(t, 40, det.BatchSize)
	assert.Equal(t, OptRMSprop, det.Optimizer)
	assert.Equal(t, 0.9, det.Momentum)
	assert.Equal(t, 1e-8, det.WeightDecay)
	assert.Equal(t, 15.0, det.ClipNorm)
	assert.Equal(t, 1, det.WarmupEpochs)
	assert.Equal(t, 10.0, det.ValPercent)

	// Zero holds out nothing and survives defaulting.
	noVal := Config{Variant: Deterministic}.WithDefaults()
	assert.Zero(t, noVal.ValPercent)
	assert.NoError(t, noVal.Validate())

	prob := DefaultConfig(Probabilistic)
	assert.Equal(t, 24, prob.BatchSize)
	assert.Equal(t, OptSGD, prob.Optimizer)
	assert.Equal(t, 1e-4, prob.LearningRate)
	assert.Equal(t, 0, prob.WarmupEpochs)

	bad := det
	bad.Optimizer = "lbfgs"
	assert.Error(t, bad.Validate())
	bad = det
	bad.Loss = "warmup"
	assert.Error(t, bad.Validate())
}

func TestForVariant(t *testing.T) {
	det := DefaultConfig(Deterministic)
	det.Shuffle = true
	det.Loss = "bceqr"
	det.ClipNorm = 5
	det.RegWeight = 1e-3
	det.SchedulerPatience = 4
	det.ValPercent = 0

	prob := det.ForVariant(Probabilistic)
	assert.Equal(t, Probabilistic, prob.Variant)
	assert.True(t, prob.Shuffle)
	assert.Equal(t, "bceqr", prob.Loss)
	assert.Equal(t, 5.0, prob.ClipNorm)
	assert.Equal(t, 1e-3, prob.RegWeight)
	assert.Equal(t, 4, prob.SchedulerPatience)
	assert.Zero(t, prob.ValPercent)
	// Defaulted variant settings follow the new variant.
	assert.Equal(t, 24, prob.BatchSize)
	assert.Equal(t, OptSGD, prob.Optimizer)
	assert.Equal(t, 1e-4, prob.LearningRate)
	assert.Zero(t, prob.Momentum)
	assert.Zero(t, prob.WarmupEpochs)
	assert.NoError(t, prob.Validate())

	// Explicit variant settings are kept.
	det.Optimizer = OptAdam
	det.LearningRate = 3e-4
	det.BatchSize = 8
	det.WarmupEpochs = 3
	prob = det.ForVariant(Probabilistic)
	assert.Equal(t, OptAdam, prob.Optimizer)
	assert.Equal(t, 3e-4, prob.LearningRate)
	assert.Equal(t, 8, prob.BatchSize)
	assert.Equal(t, 3, prob.WarmupEpochs)

	back := DefaultConfig(Probabilistic).ForVariant(Deterministic)
	assert.Equal(t, DefaultConfig(Deterministic), back)
	assert.Equal(t, det, det.ForVariant(Deterministic))
}

func TestOptimizers(t *testing.T) {
	for _, name := range []string{OptSGD, OptRMSprop, OptAdam} {
		cfg := DefaultConfig(Deterministic)
		cfg.Optimizer = name
		cfg.LearningRate = 0.01
		opt, err := NewOptimizer(cfg)
		require.NoError(t, err, name)

		ps := qrnet.NewParamSet()
		p := ps.Add("p", 2)
		p.Data[0], p.Data[1] = 1, -1
		p.Grad[0], p.Grad[1] = 0.5, -0.5
		opt.Step(ps)
		assert.Less(t, p.Data[0], float32(1), name)
		assert.Greater(t, p.Data[1], float32(-1), name)

		opt.SetLearningRate(0.5)
		assert.Equal(t, 0.5, opt.LearningRate())
	}

	sgd := &SGD{LR: 0.1}
	ps := qrnet.NewParamSet()
	p := ps.Add("p", 1)
	p.Data[0], p.Grad[0] = 1, 0.5
	sgd.Step(ps)
	assert.InDelta(t, 0.95, p.Data[0], 1e-6)
}

func baseConfig(dir string) Config {
	cfg := DefaultConfig(Deterministic)
	cfg.Epochs = 2
	cfg.BatchSize = 4
	cfg.CheckpointDir = dir
	cfg.SaveCheckpoints = false
	return cfg
}

func TestDegenerateLossLeavesParamsUnchanged(t *testing.T) {
	samples, err := datasets.All(blobs(t, 8, 4, 4, 1))
	require.NoError(t, err)
	for i := range samples {
		mask := datasets.NewGrid(4, 4)
		for p := range mask.Data {
			mask.Data[p] = float32(math.NaN())
		}
		samples[i].Mask = mask
	}
	ds, err := datasets.NewInMemory(samples)
	require.NoError(t, err)
	net := newMultiHead(t)
	before := net.Params().Snapshot()

	cfg := baseConfig(t.TempDir())
	cfg.Epochs = 1
	sink := &recordingSink{}
	tr, err := New(cfg, NewMultiHeadObjective(net), ds, nil, WithLogger(zaptest.NewLogger(t)), WithMetrics(sink))
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, before, net.Params().Snapshot())
	assert.True(t, math.IsNaN(res.EpochLosses[0]))
	assert.Len(t, sink.named(metrics.SkippedSteps), 2)
	assert.Empty(t, sink.named(metrics.TrainLoss))
}

func TestTrainingReducesLoss(t *testing.T) {
	ds := blobs(t, 16, 6, 6, 2)
	net := newMultiHead(t)
	obj := NewMultiHeadObjective(net)
	all, err := datasets.All(ds)
	require.NoError(t, err)
	pinball := quantile.For(quantile.KindPinball)

	before, _, err := obj.Evaluate(all, 0, pinball)
	require.NoError(t, err)

	cfg := baseConfig(t.TempDir())
	cfg.Epochs = 15
	cfg.WarmupEpochs = -1
	cfg.Optimizer = OptAdam
	cfg.LearningRate = 0.01
	cfg.Shuffle = true
	tr, err := New(cfg, obj, ds, nil)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15*4, res.Steps)
	assert.Zero(t, res.Skipped)

	after, _, err := obj.Evaluate(all, 0, pinball)
	require.NoError(t, err)
	t.Logf("pinball before=%.4f after=%.4f", before, after)
	assert.Less(t, after, before)
}

func TestValidationCadence(t *testing.T) {
	train := blobs(t, 16, 4, 4, 3)
	val := blobs(t, 3, 4, 4, 4)
	net := newMultiHead(t)
	sink := &recordingSink{}

	cfg := baseConfig(t.TempDir())
	cfg.ValidationsPerEpoch = 2
	tr, err := New(cfg, NewMultiHeadObjective(net), train, val, WithMetrics(sink),
		WithCalibration(calib.Options{Threshold: 0.5}))
	require.NoError(t, err)

	before := net.Params().Snapshot()
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, net.Params().Snapshot())

	// 4 steps per epoch, validation every 2
	assert.Equal(t, 4, res.Validations)
	require.NotNil(t, res.LastValidation)
	assert.Equal(t, 3, res.LastValidation.Samples)
	assert.Len(t, sink.named(metrics.LearningRate), 4)
}

func TestCheckpointsAndResume(t *testing.T) {
	dir := t.TempDir()
	ds := blobs(t, 8, 4, 4, 5)
	net := newMultiHead(t)

	cfg := baseConfig(dir)
	cfg.SaveCheckpoints = true
	cfg.ValPercent = 0
	cfg.Seed = 42
	tr, err := New(cfg, NewMultiHeadObjective(net), ds, nil, WithRunID("run-7"))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	for _, p := range []string{
		checkpoint.WarmupPath(dir),
		checkpoint.EpochPath(dir, 1),
		checkpoint.EpochPath(dir, 2),
		checkpoint.FinalPath(dir),
	} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	st, err := checkpoint.Load(checkpoint.EpochPath(dir, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Epoch)
	assert.Equal(t, "run-7", st.RunID)
	assert.Equal(t, Deterministic, st.Variant)
	assert.Equal(t, checkpoint.Split{ValPercent: 0, Seed: 42}, st.Split)

	fresh := newMultiHead(t)
	cfg.Resume = checkpoint.EpochPath(dir, 2)
	cfg.SaveCheckpoints = false
	tr, err = New(cfg, NewMultiHeadObjective(fresh), ds, nil)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Steps)
	assert.Equal(t, net.Params().Snapshot(), fresh.Params().Snapshot())
}

func TestInterruptWritesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ds := blobs(t, 8, 4, 4, 6)
	net := newMultiHead(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := New(baseConfig(dir), NewMultiHeadObjective(net), ds, nil)
	require.NoError(t, err)
	_, err = tr.Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)

	st, err := checkpoint.Load(checkpoint.InterruptedPath(dir))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Epoch)
}

type mismatched struct{}

func (mismatched) Len() int { return 2 }
func (mismatched) Example(int) (datasets.Sample, error) {
	return datasets.Sample{Image: datasets.NewGrid(4, 4), Mask: datasets.NewGrid(4, 3)}, nil
}
func (m mismatched) Batch(idx []int) ([]datasets.Sample, error) {
	out := make([]datasets.Sample, len(idx))
	for i := range idx {
		out[i], _ = m.Example(i)
	}
	return out, nil
}

func TestShapeErrorAborts(t *testing.T) {
	net := newMultiHead(t)
	before := net.Params().Snapshot()
	tr, err := New(baseConfig(t.TempDir()), NewMultiHeadObjective(net), mismatched{}, nil)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, datasets.ErrInvalidInputShape)
	assert.Equal(t, before, net.Params().Snapshot())
}

func TestProbabilisticRun(t *testing.T) {
	ds := blobs(t, 6, 4, 4, 7)
	val := blobs(t, 2, 4, 4, 8)
	net, err := qrnet.NewProbNet(qrnet.ProbConfig{Seed: 1, Samples: 8}, quantile.DefaultLevels(), false)
	require.NoError(t, err)

	cfg := DefaultConfig(Probabilistic)
	cfg.Epochs = 2
	cfg.BatchSize = 3
	cfg.LearningRate = 1e-3
	cfg.CheckpointDir = t.TempDir()
	sink := &recordingSink{}
	tr, err := New(cfg, NewProbObjective(net, cfg.RegWeight), ds, val, WithMetrics(sink))
	require.NoError(t, err)

	before := net.Params().Snapshot()
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps)
	assert.NotEqual(t, before, net.Params().Snapshot())
	assert.NotEmpty(t, sink.named(metrics.TrainLoss))
	for _, p := range sink.named(metrics.TrainLoss) {
		assert.GreaterOrEqual(t, p.Value, 0.0)
	}
	_, err = os.Stat(checkpoint.FinalPath(cfg.CheckpointDir))
	assert.NoError(t, err)
}
