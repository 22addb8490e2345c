// Package monte turns a stochastic segmentation network into ordered
// quantile maps by Monte Carlo sampling.
//
// A Sampler draws one probability map per call (for the probabilistic
// network: one latent sample from the prior, decoded into a map). Drawing n
// maps and taking, pixel by pixel, the empirical q-quantile of the n values
// gives a map per quantile level. Because each pixel's values are sorted
// once and read at every level, maps for higher levels are never smaller
// than maps for lower ones.
package monte

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// Sampler draws one probability map per call.
type Sampler interface {
	SampleMap() (datasets.Grid, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (datasets.Grid, error)

// SampleMap implements Sampler.
func (f SamplerFunc) SampleMap() (datasets.Grid, error) { return f() }

// Draw collects n maps from s. All maps must share the shape of the first.
func Draw(s Sampler, n int) ([]datasets.Grid, error) {
	if n < 1 {
		return nil, errors.Errorf("number of samples must be >= 1, got %d", n)
	}
	out := make([]datasets.Grid, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.SampleMap()
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		if i > 0 && !m.SameShape(out[0]) {
			return nil, errors.Wrapf(datasets.ErrInvalidInputShape,
				"sample %d is %dx%d, expected %dx%d", i, m.H, m.W, out[0].H, out[0].W)
		}
		out = append(out, m)
	}
	return out, nil
}

// QuantileMaps draws n maps from s and returns one map per level holding
// the per-pixel empirical quantile at that level.
func QuantileMaps(s Sampler, levels quantile.Levels, n int) ([]datasets.Grid, error) {
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	draws, err := Draw(s, n)
	if err != nil {
		return nil, err
	}
	return Quantiles(draws, levels), nil
}

// Quantiles computes per-pixel empirical quantiles of a non-empty set of
// equally shaped maps.
func Quantiles(draws []datasets.Grid, levels quantile.Levels) []datasets.Grid {
	h, w := draws[0].H, draws[0].W
	out := make([]datasets.Grid, len(levels))
	for k := range out {
		out[k] = datasets.NewGrid(h, w)
	}
	vals := make([]float64, len(draws))
	for p := 0; p < h*w; p++ {
		for i, d := range draws {
			vals[i] = float64(d.Data[p])
		}
		sort.Float64s(vals)
		for k, q := range levels {
			out[k].Data[p] = float32(stat.Quantile(float64(q), stat.Empirical, vals, nil))
		}
	}
	return out
}
