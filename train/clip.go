package train

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ajoshiusc/QRSegment/qrnet"
)

// GradNorm returns the global L2 norm of all gradients in ps.
func GradNorm(ps *qrnet.ParamSet) float64 {
	flat := make([]float64, 0, ps.Count())
	for _, p := range ps.All() {
		for _, g := range p.Grad {
			flat = append(flat, float64(g))
		}
	}
	if len(flat) == 0 {
		return 0
	}
	return floats.Norm(flat, 2)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed ceiling and returns the norm before clipping. The float32 scale
// factor is lowered one ulp at a time until the rounded gradients satisfy
// the bound.
func ClipGradNorm(ps *qrnet.ParamSet, ceiling float64) float64 {
	norm := GradNorm(ps)
	if !(norm > ceiling) {
		return norm
	}
	orig := make([][]float32, len(ps.All()))
	for i, p := range ps.All() {
		orig[i] = append([]float32(nil), p.Grad...)
	}
	coef := float32(ceiling / (norm + 1e-6))
	for {
		for i, p := range ps.All() {
			for j, g := range orig[i] {
				p.Grad[j] = g * coef
			}
		}
		if GradNorm(ps) <= ceiling || coef == 0 {
			return norm
		}
		coef = math.Nextafter32(coef, 0)
	}
}
