// Package calib measures how well the quantile maps of a network achieve
// their nominal coverage.
//
// The maps of one image, taken in level order, split its pixels into
// len(levels)+1 coverage bins at a fixed operating threshold: a pixel falls
// into bin k when map k is the first map below the threshold, and into the
// top bin when no map is. For the default levels {0.875, 0.625, 0.375,
// 0.125}, bin 0 holds pixels outside even the widest map and bin 4 pixels
// inside the narrowest one. Comparisons are strict: a pixel whose deciding
// map value equals the threshold, or is NaN, belongs to no bin and is
// counted as excluded. The fraction of ground-truth positives in bin k
// should lie in [1-q_{k-1}, 1-q_k], with q_{-1} = 1 and q_N = 0.
package calib

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/qrnet"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// ErrEmptyBin marks a sample whose coverage bin holds no pixel. The pair is
// left out of the bin's mean; it never aborts an evaluation.
var ErrEmptyBin = errors.New("empty coverage bin")

// DefaultThreshold is the operating point applied to every map.
const DefaultThreshold = 0.5

// Options configures Evaluate.
type Options struct {
	// Threshold is the operating point; zero means DefaultThreshold.
	Threshold float64
	// Levels overrides the net's levels for the nominal intervals. It must
	// have one entry per predicted map.
	Levels quantile.Levels
	// KeepPerSample retains every sample's ratios in Report.PerSample.
	KeepPerSample bool
}

// Interval is a closed range of true-positive ratios.
type Interval struct {
	Lo, Hi float64
}

// Distance is how far r lies outside the interval, 0 inside.
func (iv Interval) Distance(r float64) float64 {
	switch {
	case r < iv.Lo:
		return iv.Lo - r
	case r > iv.Hi:
		return r - iv.Hi
	}
	return 0
}

func (iv Interval) String() string { return fmt.Sprintf("[%.3f, %.3f]", iv.Lo, iv.Hi) }

// Nominal returns the expected ratio interval of every bin for levels in
// their given order.
func Nominal(levels quantile.Levels) []Interval {
	out := make([]Interval, len(levels)+1)
	prev := 1.0
	for b := range out {
		next := 0.0
		if b < len(levels) {
			next = float64(levels[b])
		}
		lo, hi := 1-prev, 1-next
		if lo > hi {
			lo, hi = hi, lo
		}
		out[b] = Interval{Lo: lo, Hi: hi}
		prev = next
	}
	return out
}

// Report is the outcome of an evaluation.
type Report struct {
	Levels    quantile.Levels
	Threshold float64
	Samples   int
	Pixels    int

	// Ratios is the mean true-positive ratio of each bin over the samples
	// where it was defined, NaN when it never was.
	Ratios []float64
	// Defined and Empty count, per bin, the samples with a non-empty and
	// an empty bin.
	Defined []int
	Empty   []int
	// Crossings counts pixels where a later map is at or above the
	// threshold after an earlier one fell below it.
	Crossings int
	// Excluded counts pixels left out of every bin (see Assign).
	Excluded int
	Nominal   []Interval

	// PerSample holds [sample][bin] ratios, NaN for empty bins, when
	// Options.KeepPerSample is set.
	PerSample [][]float64
}

// Score is 1 minus the mean distance of the defined bin ratios to their
// nominal intervals. It is NaN when no bin is defined.
func (r Report) Score() float64 {
	var dist []float64
	for b, v := range r.Ratios {
		if math.IsNaN(v) {
			continue
		}
		dist = append(dist, r.Nominal[b].Distance(v))
	}
	if len(dist) == 0 {
		return math.NaN()
	}
	return 1 - stat.Mean(dist, nil)
}

// EmptyBins returns an error wrapping ErrEmptyBin that lists the bins
// found empty in some sample, or nil.
func (r Report) EmptyBins() error {
	var bins []int
	for b, n := range r.Empty {
		if n > 0 {
			bins = append(bins, b)
		}
	}
	if len(bins) == 0 {
		return nil
	}
	return errors.Wrapf(ErrEmptyBin, "bins %v", bins)
}

// Unassigned is the bin of a pixel that belongs to no coverage bin.
const Unassigned = -1

// Assign returns the coverage bin of every pixel and the number of
// crossing pixels. Maps are scanned in order: the first value below the
// threshold decides the bin, values above it move on to the next map, and a
// value equal to the threshold or NaN makes the pixel Unassigned. All maps
// must share one shape.
func Assign(maps []datasets.Grid, threshold float64) ([]int, int, error) {
	if len(maps) == 0 {
		return nil, 0, errors.New("no quantile maps")
	}
	for k, m := range maps {
		if err := m.Validate(); err != nil {
			return nil, 0, err
		}
		if !m.SameShape(maps[0]) {
			return nil, 0, errors.Wrapf(datasets.ErrInvalidInputShape, "map %d is %dx%d, map 0 is %dx%d",
				k, m.H, m.W, maps[0].H, maps[0].W)
		}
	}
	thr := float32(threshold)
	bins := make([]int, maps[0].Len())
	crossings := 0
	for p := range bins {
		bin := len(maps)
		for k, m := range maps {
			v := m.Data[p]
			if v < thr {
				bin = k
				break
			}
			if !(v > thr) {
				bin = Unassigned
				break
			}
		}
		bins[p] = bin
		if bin == Unassigned {
			continue
		}
		for k := bin + 1; k < len(maps); k++ {
			if maps[k].Data[p] >= thr {
				crossings++
				break
			}
		}
	}
	return bins, crossings, nil
}

// accumulator sums per-sample bin ratios.
type accumulator struct {
	sums    []float64
	defined []int
	empty   []int
}

func newAccumulator(bins int) *accumulator {
	return &accumulator{
		sums:    make([]float64, bins),
		defined: make([]int, bins),
		empty:   make([]int, bins),
	}
}

// add records one sample and returns its per-bin ratios and the number of
// unassigned pixels.
func (a *accumulator) add(bins []int, mask datasets.Grid) ([]float64, int) {
	tp := make([]float64, len(a.sums))
	size := make([]float64, len(a.sums))
	excluded := 0
	for p, b := range bins {
		if b == Unassigned {
			excluded++
			continue
		}
		size[b]++
		tp[b] += float64(mask.Data[p])
	}
	ratios := make([]float64, len(a.sums))
	for b := range ratios {
		if size[b] == 0 {
			ratios[b] = math.NaN()
			a.empty[b]++
			continue
		}
		ratios[b] = tp[b] / size[b]
		a.sums[b] += ratios[b]
		a.defined[b]++
	}
	return ratios, excluded
}

func (a *accumulator) means() []float64 {
	out := make([]float64, len(a.sums))
	for b := range out {
		if a.defined[b] == 0 {
			out[b] = math.NaN()
			continue
		}
		out[b] = a.sums[b] / float64(a.defined[b])
	}
	return out
}

// Evaluate runs net in inference mode over every sample of ds and
// aggregates the coverage bins. Parameters are only read. Shape errors
// abort the evaluation; empty bins are counted in the report.
func Evaluate(net qrnet.QuantileNet, ds datasets.Dataset, opts Options) (Report, error) {
	levels := opts.Levels
	if len(levels) == 0 {
		levels = net.Levels()
	}
	if err := levels.Validate(); err != nil {
		return Report{}, err
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	acc := newAccumulator(len(levels) + 1)
	rep := Report{
		Levels:    append(quantile.Levels(nil), levels...),
		Threshold: threshold,
		Nominal:   Nominal(levels),
	}
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Example(i)
		if err != nil {
			return Report{}, errors.Wrapf(err, "sample %d", i)
		}
		if err := s.CheckShape(); err != nil {
			return Report{}, errors.Wrapf(err, "sample %d", i)
		}
		maps, err := net.Predict(s.Image)
		if err != nil {
			return Report{}, errors.Wrapf(err, "predict sample %d", i)
		}
		if len(maps) != len(levels) {
			return Report{}, errors.Errorf("sample %d: %d maps for %d levels", i, len(maps), len(levels))
		}
		for k, m := range maps {
			if !m.SameShape(s.Image) {
				return Report{}, errors.Wrapf(datasets.ErrInvalidInputShape, "sample %d: map %d is %dx%d, image is %dx%d",
					i, k, m.H, m.W, s.Image.H, s.Image.W)
			}
		}
		bins, crossings, err := Assign(maps, threshold)
		if err != nil {
			return Report{}, errors.Wrapf(err, "sample %d", i)
		}
		ratios, excluded := acc.add(bins, s.Mask)
		rep.Excluded += excluded
		if opts.KeepPerSample {
			rep.PerSample = append(rep.PerSample, ratios)
		}
		rep.Crossings += crossings
		rep.Pixels += len(bins)
		rep.Samples++
	}
	rep.Ratios = acc.means()
	rep.Defined = acc.defined
	rep.Empty = acc.empty
	return rep, nil
}
