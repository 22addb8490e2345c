package datasets

import (
	"math"

	"github.com/pkg/errors"
)

// NormalizeEps keeps Normalize finite on all-zero inputs.
const NormalizeEps = 1e-4

// StrideFor converts an image downscale factor into a subsampling stride:
// 0.5 keeps every 2nd row and column, 1 keeps everything.
func StrideFor(scale float64) (int, error) {
	if scale <= 0 || scale > 1 {
		return 0, errors.Errorf("scale must be in (0,1], got %g", scale)
	}
	return int(math.Round(1 / scale)), nil
}

// Downscale subsamples g with the given stride, starting at row/col 0.
func Downscale(g Grid, stride int) Grid {
	if stride <= 1 {
		return g
	}
	h := (g.H + stride - 1) / stride
	w := (g.W + stride - 1) / stride
	out := NewGrid(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(y, x, g.At(y*stride, x*stride))
		}
	}
	return out
}

// Prepare applies the image pipeline used for training and evaluation:
// global intensity normalization x/(max+eps) over all images, stride
// downscaling of images and masks, and mask binarization at 0.5.
func Prepare(ds *InMemory, scale float64, normalize bool) (*InMemory, error) {
	stride, err := StrideFor(scale)
	if err != nil {
		return nil, err
	}
	var maxV float32
	if normalize {
		for _, s := range ds.samples {
			for _, v := range s.Image.Data {
				if v > maxV {
					maxV = v
				}
			}
		}
	}
	out := make([]Sample, len(ds.samples))
	for i, s := range ds.samples {
		img := Downscale(s.Image, stride)
		if stride <= 1 {
			img = img.Clone()
		}
		if normalize {
			inv := 1 / (maxV + NormalizeEps)
			for j := range img.Data {
				img.Data[j] *= inv
			}
		}
		mask := Downscale(s.Mask, stride)
		if stride <= 1 {
			mask = mask.Clone()
		}
		for j, v := range mask.Data {
			if v > 0.5 {
				mask.Data[j] = 1
			} else {
				mask.Data[j] = 0
			}
		}
		out[i] = Sample{Image: img, Mask: mask}
	}
	return NewInMemory(out)
}
