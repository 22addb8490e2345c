// Package qrnet adapts segmentation backbones to the quantile-regression
// contract: given an image, return one predicted probability map per
// quantile level, in level order.
//
// Two variants are provided. MultiHead wraps a Backbone with one output
// head per level (the deterministic 4Q network). ProbNet is the
// probabilistic latent-variable network: a prior and a posterior encoder
// over a low-dimensional latent, and a combination network merging a
// sampled latent with backbone features; its quantile maps come from
// repeated prior samples.
package qrnet

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// ErrInvalidState is returned when an operation needs state that was not
// produced first, e.g. posterior sampling without a training-mode forward
// pass that saw the ground truth.
var ErrInvalidState = errors.New("invalid network state")

// Map is one predicted probability map, same shape as the input image.
type Map = datasets.Grid

// QuantileNet is the capability shared by all variants.
type QuantileNet interface {
	// Levels are the quantile levels of the maps returned by Predict.
	Levels() quantile.Levels
	// Predict runs inference and returns one map per level. It must not
	// modify the learnable parameters.
	Predict(img datasets.Grid) ([]Map, error)
	// Params exposes the learnable parameters.
	Params() *ParamSet
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// roundHalf rounds every value through IEEE-754 binary16, the storage
// precision of activations when mixed precision is enabled.
func roundHalf(xs []float32) {
	for i, v := range xs {
		xs[i] = float16.Fromfloat32(v).Float32()
	}
}

// PatchSize is the number of inputs per pixel for a patch radius r.
func PatchSize(r int) int { return (2*r + 1) * (2*r + 1) }

// Patches returns, for every pixel in row-major order, the (2r+1)²
// neighbourhood of img with zero padding outside the borders.
func Patches(img datasets.Grid, r int) [][]float32 {
	n := PatchSize(r)
	out := make([][]float32, img.Len())
	buf := make([]float32, img.Len()*n)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			p := y*img.W + x
			patch := buf[p*n : (p+1)*n : (p+1)*n]
			k := 0
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					yy, xx := y+dy, x+dx
					if yy >= 0 && yy < img.H && xx >= 0 && xx < img.W {
						patch[k] = img.At(yy, xx)
					}
					k++
				}
			}
			out[p] = patch
		}
	}
	return out
}
