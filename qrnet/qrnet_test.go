package qrnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/quantile"
)

func testImage(h, w int, seed int64) datasets.Grid {
	rng := rand.New(rand.NewSource(seed))
	g := datasets.NewGrid(h, w)
	for i := range g.Data {
		g.Data[i] = rng.Float32()
	}
	return g
}

func testMask(img datasets.Grid) datasets.Grid {
	m := datasets.NewGrid(img.H, img.W)
	for i, v := range img.Data {
		if v > 0.5 {
			m.Data[i] = 1
		}
	}
	return m
}

func TestPatches(t *testing.T) {
	img := datasets.Grid{H: 2, W: 2, Data: []float32{1, 2, 3, 4}}
	p := Patches(img, 1)
	require.Len(t, p, 4)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 2, 0, 3, 4}, p[0])
	assert.Equal(t, []float32{1, 2, 0, 3, 4, 0, 0, 0, 0}, p[3])
	assert.Equal(t, 9, PatchSize(1))
	assert.Equal(t, 25, PatchSize(2))
}

func TestParamSet(t *testing.T) {
	ps := NewParamSet()
	a := ps.Add("a", 2, 3)
	ps.Add("b", 4)
	assert.Equal(t, 10, ps.Count())
	assert.Equal(t, []string{"a", "b"}, ps.Names())
	assert.Panics(t, func() { ps.Add("a", 1) })

	a.Data[0] = 3
	assert.InDelta(t, 9.0, ps.L2(), 1e-9)
	ps.AddL2Grad(0.5)
	assert.InDelta(t, 3.0, a.Grad[0], 1e-6)
	ps.ZeroGrad()
	assert.Equal(t, float32(0), a.Grad[0])

	other := NewParamSet()
	other.Add("c", 1)
	merged := Merge(ps, other, ps)
	assert.Equal(t, 3, len(merged.All()))
	got, ok := merged.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)
}

// linearLoss is Σ c·p, a smooth test loss whose gradient w.r.t. p is c.
func linearLoss(probs, coef [][]float32) float64 {
	var s float64
	for k := range probs {
		for i := range probs[k] {
			s += float64(probs[k][i]) * float64(coef[k][i])
		}
	}
	return s
}

func TestMultiHeadGradient(t *testing.T) {
	levels := quantile.DefaultLevels()
	net, err := NewMultiHead(NewMLPBackbone(BackboneConfig{Hidden: []int{6}, Seed: 3}, len(levels)), levels, false)
	require.NoError(t, err)
	img := testImage(4, 4, 1)

	rng := rand.New(rand.NewSource(5))
	coef := newHeadMaps(len(levels), img.Len())
	for k := range coef {
		for i := range coef[k] {
			coef[k][i] = rng.Float32()*2 - 1
		}
	}

	probs, err := net.Probabilities(img)
	require.NoError(t, err)
	net.Params().ZeroGrad()
	require.NoError(t, net.Backward(img, probs, coef))

	const h = 1e-3
	for _, p := range net.Params().All() {
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up, err := net.Probabilities(img)
			require.NoError(t, err)
			p.Data[i] = orig - h
			down, err := net.Probabilities(img)
			require.NoError(t, err)
			p.Data[i] = orig

			numeric := (linearLoss(up, coef) - linearLoss(down, coef)) / (2 * h)
			analytic := float64(p.Grad[i])
			assert.InDelta(t, numeric, analytic, 1e-2+0.05*math.Abs(analytic), "%s[%d]", p.Name, i)
		}
	}
}

func TestMultiHeadPredict(t *testing.T) {
	levels := quantile.DefaultLevels()
	_, err := NewMultiHead(NewMLPBackbone(BackboneConfig{}, 2), levels, false)
	require.Error(t, err)

	net, err := NewMultiHead(NewMLPBackbone(BackboneConfig{}, len(levels)), levels, true)
	require.NoError(t, err)
	img := testImage(3, 5, 2)
	maps, err := net.Predict(img)
	require.NoError(t, err)
	require.Len(t, maps, len(levels))
	for _, m := range maps {
		assert.Equal(t, 3, m.H)
		assert.Equal(t, 5, m.W)
		for _, v := range m.Data {
			assert.True(t, v >= 0 && v <= 1)
		}
	}

	_, err = net.Predict(datasets.Grid{H: 2, W: 2, Data: []float32{1}})
	assert.ErrorIs(t, err, datasets.ErrInvalidInputShape)
}

func TestGraphBackboneMatchesMLP(t *testing.T) {
	cfg := BackboneConfig{Hidden: []int{5, 4}, Seed: 11}
	ref := NewMLPBackbone(cfg, 3)
	g, err := NewGraphBackbone(cfg, 3)
	require.NoError(t, err)
	defer g.Close()

	img := testImage(3, 4, 7)
	want, err := ref.Logits(img)
	require.NoError(t, err)
	got, err := g.Logits(img)
	require.NoError(t, err)
	for k := range want {
		assert.InDeltaSlice(t, want[k], got[k], 1e-4)
	}

	up := newHeadMaps(3, img.Len())
	for k := range up {
		for i := range up[k] {
			up[k][i] = float32(k+1) * 0.1 * float32(i%3-1)
		}
	}
	require.NoError(t, ref.Backward(img, up))
	require.NoError(t, g.Backward(img, up))
	for _, p := range ref.Params().All() {
		q, ok := g.Params().Get(p.Name)
		require.True(t, ok)
		assert.InDeltaSlice(t, p.Grad, q.Grad, 1e-4, p.Name)
	}
}

func TestGaussianKL(t *testing.T) {
	p := Gaussian{Mu: []float64{0, 0}, LogSigma: []float64{0, 0}}
	assert.InDelta(t, 0.0, KL(p, p), 1e-12)

	q := Gaussian{Mu: []float64{1, 0}, LogSigma: []float64{0, 0}}
	assert.InDelta(t, 0.5, KL(q, p), 1e-12)

	r := Gaussian{Mu: []float64{0.3, -0.2}, LogSigma: []float64{0.4, -0.1}}
	assert.Greater(t, KL(r, p), 0.0)

	dMuQ, dLsQ, dMuP, dLsP := klGrad(r, q, 2)
	const h = 1e-6
	check := func(v *float64, analytic float64) {
		orig := *v
		*v = orig + h
		up := 2 * KL(r, q)
		*v = orig - h
		down := 2 * KL(r, q)
		*v = orig
		assert.InDelta(t, (up-down)/(2*h), analytic, 1e-5)
	}
	for i := 0; i < 2; i++ {
		check(&r.Mu[i], dMuQ[i])
		check(&r.LogSigma[i], dLsQ[i])
		check(&q.Mu[i], dMuP[i])
		check(&q.LogSigma[i], dLsP[i])
	}
}

func TestGaussianSample(t *testing.T) {
	g := Gaussian{Mu: []float64{1, -1}, LogSigma: []float64{0, math.Log(2)}}
	z := g.Sample([]float64{0.5, 0.5})
	assert.InDeltaSlice(t, []float64{1.5, 0}, z, 1e-12)

	c := g.Clone()
	c.Mu[0] = 100
	assert.Equal(t, 1.0, g.Mu[0])
}

func newTestProbNet(t *testing.T, cfg ProbConfig) *ProbNet {
	t.Helper()
	n, err := NewProbNet(cfg, quantile.DefaultLevels(), false)
	require.NoError(t, err)
	return n
}

func TestProbNetInvalidState(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Seed: 1, Samples: 4})
	img := testImage(4, 4, 3)

	_, err := n.Sample(true)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = n.Posterior()
	assert.ErrorIs(t, err, ErrInvalidState)

	err = n.Forward(img, nil, true)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, n.Forward(img, nil, false))
	_, err = n.Sample(true)
	assert.NoError(t, err)
	_, err = n.Sample(false)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = n.ELBO(testMask(img), 0)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, n.Backward(), ErrInvalidState)

	bad := datasets.NewGrid(2, 2)
	assert.ErrorIs(t, n.Forward(img, &bad, true), datasets.ErrInvalidInputShape)
}

func TestProbNetTrainingPass(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Seed: 2})
	img := testImage(5, 5, 4)
	gt := testMask(img)

	require.NoError(t, n.Forward(img, &gt, true))
	post, err := n.Posterior()
	require.NoError(t, err)
	assert.Equal(t, 2, post.Dim())
	post.Mu[0] = 1e9
	again, err := n.Posterior()
	require.NoError(t, err)
	assert.NotEqual(t, 1e9, again.Mu[0])

	m, err := n.Sample(false)
	require.NoError(t, err)
	assert.Equal(t, img.Len(), m.Len())

	elbo, err := n.ELBO(gt, 0)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(elbo))
	assert.LessOrEqual(t, elbo, 0.0)

	recon, kl, w, err := n.Terms()
	require.NoError(t, err)
	assert.InDelta(t, -elbo, recon+w*kl, 1e-9)
	assert.Equal(t, 10.0, w)

	n.Params().ZeroGrad()
	require.NoError(t, n.Backward())
	for _, g := range []string{GroupUNet, GroupPrior, GroupPosterior, GroupFcomb} {
		var norm float64
		for _, p := range n.Group(g).All() {
			for _, v := range p.Grad {
				norm += float64(v) * float64(v)
			}
		}
		assert.Greater(t, norm, 0.0, g)
	}
	assert.ErrorIs(t, n.Backward(), ErrInvalidState, "ELBO state is consumed")
}

func TestProbNetGradient(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Seed: 6, Recon: "bceqr", LatentDim: 2})
	img := testImage(4, 4, 8)
	gt := testMask(img)
	eps := []float64{0.3, -0.7}

	negELBO := func() float64 {
		require.NoError(t, n.Forward(img, &gt, true))
		elbo, err := n.ELBOWithNoise(gt, 0, eps)
		require.NoError(t, err)
		return -elbo
	}

	negELBO()
	n.Params().ZeroGrad()
	require.NoError(t, n.Backward())

	const h = 1e-3
	for _, g := range []string{GroupUNet, GroupPrior, GroupPosterior, GroupFcomb} {
		for _, p := range n.Group(g).All() {
			for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
				orig := p.Data[i]
				p.Data[i] = orig + h
				up := negELBO()
				p.Data[i] = orig - h
				down := negELBO()
				p.Data[i] = orig

				numeric := (up - down) / (2 * h)
				analytic := float64(p.Grad[i])
				assert.InDelta(t, numeric, analytic, 2e-2+0.1*math.Abs(analytic), "%s[%d]", p.Name, i)
			}
		}
	}
}

func TestProbNetRegularization(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Seed: 3})
	want := n.Group(GroupPosterior).L2() + n.Group(GroupPrior).L2() + n.Group(GroupFcomb).L2()
	assert.InDelta(t, want, n.RegLoss(), 1e-9)

	n.Params().ZeroGrad()
	n.AddRegGrad(1)
	for _, p := range n.Group(GroupUNet).All() {
		for _, v := range p.Grad {
			assert.Equal(t, float32(0), v)
		}
	}
}

func TestProbNetKLWeight(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Beta: 10, KLAnnealEpochs: 4})
	assert.InDelta(t, 2.5, n.KLWeight(0), 1e-12)
	assert.InDelta(t, 10.0, n.KLWeight(3), 1e-12)
	assert.InDelta(t, 10.0, n.KLWeight(9), 1e-12)

	flat := newTestProbNet(t, ProbConfig{Beta: 3})
	assert.Equal(t, 3.0, flat.KLWeight(0))
}

func TestProbNetPredict(t *testing.T) {
	n := newTestProbNet(t, ProbConfig{Seed: 4, Samples: 16, LatentDim: 3})
	img := testImage(4, 6, 5)
	before := n.Params().Snapshot()

	maps, err := n.Predict(img)
	require.NoError(t, err)
	require.Len(t, maps, 4)
	for k := 1; k < len(maps); k++ {
		for i := range maps[k].Data {
			assert.LessOrEqual(t, maps[k].Data[i], maps[k-1].Data[i])
		}
	}
	assert.Equal(t, before, n.Params().Snapshot())
}

func TestProbNetConfigErrors(t *testing.T) {
	_, err := NewProbNet(ProbConfig{Recon: "warmup"}, quantile.DefaultLevels(), false)
	assert.Error(t, err)
	_, err = NewProbNet(ProbConfig{ReconLevel: 1.5}, quantile.DefaultLevels(), false)
	assert.Error(t, err)
	_, err = NewProbNet(ProbConfig{}, quantile.Levels{0.5, 2}, false)
	assert.Error(t, err)
}
