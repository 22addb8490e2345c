package qrnet

import "math"

// Gaussian is a diagonal normal distribution over the latent space,
// parametrized by its mean and log standard deviation.
type Gaussian struct {
	Mu       []float64
	LogSigma []float64
}

// Dim is the latent dimension.
func (g Gaussian) Dim() int { return len(g.Mu) }

// Clone returns a deep copy, so callers cannot alias network state.
func (g Gaussian) Clone() Gaussian {
	return Gaussian{
		Mu:       append([]float64(nil), g.Mu...),
		LogSigma: append([]float64(nil), g.LogSigma...),
	}
}

// Sample applies the reparametrization z = μ + σ·ε.
func (g Gaussian) Sample(eps []float64) []float64 {
	z := make([]float64, len(g.Mu))
	for i := range z {
		z[i] = g.Mu[i] + math.Exp(g.LogSigma[i])*eps[i]
	}
	return z
}

// KL returns KL(q ‖ p) for diagonal Gaussians.
func KL(q, p Gaussian) float64 {
	var kl float64
	for i := range q.Mu {
		vq := math.Exp(2 * q.LogSigma[i])
		vp := math.Exp(2 * p.LogSigma[i])
		d := q.Mu[i] - p.Mu[i]
		kl += p.LogSigma[i] - q.LogSigma[i] + (vq+d*d)/(2*vp) - 0.5
	}
	return kl
}

// klGrad returns the gradients of w·KL(q ‖ p) with respect to the means
// and log standard deviations of both distributions.
func klGrad(q, p Gaussian, w float64) (dMuQ, dLogSigQ, dMuP, dLogSigP []float64) {
	n := len(q.Mu)
	dMuQ = make([]float64, n)
	dLogSigQ = make([]float64, n)
	dMuP = make([]float64, n)
	dLogSigP = make([]float64, n)
	for i := 0; i < n; i++ {
		vq := math.Exp(2 * q.LogSigma[i])
		vp := math.Exp(2 * p.LogSigma[i])
		d := q.Mu[i] - p.Mu[i]
		dMuQ[i] = w * d / vp
		dMuP[i] = -w * d / vp
		dLogSigQ[i] = w * (vq/vp - 1)
		dLogSigP[i] = w * (1 - (vq+d*d)/vp)
	}
	return dMuQ, dLogSigQ, dMuP, dLogSigP
}
