package datasets

import "github.com/pkg/errors"

// This package provides the sample containers and loaders used to train
// and evaluate the quantile segmentation networks.
//
// Layout and intended usage:
//
// Grid
//   - A single-channel 2D image or mask stored row-major as float32.
//
// Sample
//   - One image and its binary ground-truth mask. Both grids must share the
//     same height and width; CheckShape enforces this before any forward pass.
//
// InMemory
//   - The NPZ loader materializes every sample into memory. Datasets of the
//     size used for LIDC/cone simulations (a few thousand 64x64 slices) fit
//     comfortably, and it keeps batch iteration order fixed per epoch.

// ErrInvalidInputShape is returned when an image and its mask disagree on
// their spatial dimensions, or when a grid's buffer does not match H*W.
var ErrInvalidInputShape = errors.New("invalid input shape")

// Grid is a single-channel 2D array stored row-major.
type Grid struct {
	H, W int
	Data []float32
}

// NewGrid allocates a zeroed grid of the given shape.
func NewGrid(h, w int) Grid {
	return Grid{H: h, W: w, Data: make([]float32, h*w)}
}

// At returns the value at row y, column x.
func (g Grid) At(y, x int) float32 { return g.Data[y*g.W+x] }

// Set stores v at row y, column x.
func (g Grid) Set(y, x int, v float32) { g.Data[y*g.W+x] = v }

// Len is the number of pixels.
func (g Grid) Len() int { return g.H * g.W }

// Clone returns a deep copy of g.
func (g Grid) Clone() Grid {
	c := Grid{H: g.H, W: g.W, Data: make([]float32, len(g.Data))}
	copy(c.Data, g.Data)
	return c
}

// SameShape reports whether g and o have identical height and width.
func (g Grid) SameShape(o Grid) bool { return g.H == o.H && g.W == o.W }

// Validate checks the buffer length against the declared shape.
func (g Grid) Validate() error {
	if g.H <= 0 || g.W <= 0 || len(g.Data) != g.H*g.W {
		return errors.Wrapf(ErrInvalidInputShape, "grid %dx%d with %d values", g.H, g.W, len(g.Data))
	}
	return nil
}

// Sample pairs an image with its binary ground-truth mask.
type Sample struct {
	Image Grid
	Mask  Grid
}

// CheckShape fails fast when the image and mask are inconsistent.
func (s Sample) CheckShape() error {
	if err := s.Image.Validate(); err != nil {
		return errors.Wrap(err, "image")
	}
	if err := s.Mask.Validate(); err != nil {
		return errors.Wrap(err, "mask")
	}
	if !s.Image.SameShape(s.Mask) {
		return errors.Wrapf(ErrInvalidInputShape, "image %dx%d vs mask %dx%d",
			s.Image.H, s.Image.W, s.Mask.H, s.Mask.W)
	}
	return nil
}

// Dataset is the minimal interface the trainer and the evaluator need: an
// ordered, indexable sequence of samples with a fixed spatial shape.
type Dataset interface {
	Len() int
	Example(i int) (Sample, error)
	// Batch returns the samples for the provided indices, in that order.
	Batch(indices []int) ([]Sample, error)
}

// InMemory is a Dataset holding all samples in memory.
type InMemory struct {
	samples []Sample
}

// NewInMemory validates every sample and wraps them into a Dataset.
func NewInMemory(samples []Sample) (*InMemory, error) {
	for i, s := range samples {
		if err := s.CheckShape(); err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		if i > 0 && !s.Image.SameShape(samples[0].Image) {
			return nil, errors.Wrapf(ErrInvalidInputShape, "sample %d is %dx%d, expected %dx%d",
				i, s.Image.H, s.Image.W, samples[0].Image.H, samples[0].Image.W)
		}
	}
	return &InMemory{samples: samples}, nil
}

// Len implements Dataset.
func (d *InMemory) Len() int { return len(d.samples) }

// Example implements Dataset.
func (d *InMemory) Example(i int) (Sample, error) {
	if i < 0 || i >= len(d.samples) {
		return Sample{}, errors.Errorf("index %d out of range [0,%d)", i, len(d.samples))
	}
	return d.samples[i], nil
}

// Batch implements Dataset.
func (d *InMemory) Batch(indices []int) ([]Sample, error) {
	out := make([]Sample, 0, len(indices))
	for _, idx := range indices {
		s, err := d.Example(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Shape returns the common H, W of the samples, or zeros when empty.
func (d *InMemory) Shape() (h, w int) {
	if len(d.samples) == 0 {
		return 0, 0
	}
	return d.samples[0].Image.H, d.samples[0].Image.W
}

// All iterates every sample of ds in order.
func All(ds Dataset) ([]Sample, error) {
	idx := make([]int, ds.Len())
	for i := range idx {
		idx[i] = i
	}
	return ds.Batch(idx)
}
