package train

import (
	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/qrnet"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// Objective computes the loss of one batch. Backward accumulates the loss
// gradients into the parameters and is only called for finite losses.
type Objective interface {
	Net() qrnet.QuantileNet
	Evaluate(batch []datasets.Sample, epoch int, crit quantile.Criterion) (loss float64, backward func() error, err error)
}

// MultiHeadObjective sums the phase criterion over every head and sample:
// head k is scored at level k.
type MultiHeadObjective struct {
	net *qrnet.MultiHead
}

// NewMultiHeadObjective wraps net.
func NewMultiHeadObjective(net *qrnet.MultiHead) *MultiHeadObjective {
	return &MultiHeadObjective{net: net}
}

// Net implements Objective.
func (o *MultiHeadObjective) Net() qrnet.QuantileNet { return o.net }

// Evaluate implements Objective.
func (o *MultiHeadObjective) Evaluate(batch []datasets.Sample, epoch int, crit quantile.Criterion) (float64, func() error, error) {
	levels := o.net.Levels()
	probs := make([][][]float32, len(batch))
	var total float64
	for i, s := range batch {
		if err := s.CheckShape(); err != nil {
			return 0, nil, err
		}
		p, err := o.net.Probabilities(s.Image)
		if err != nil {
			return 0, nil, err
		}
		l, err := quantile.SumLevels(crit, p, s.Mask.Data, levels)
		if err != nil {
			return 0, nil, err
		}
		total += l
		probs[i] = p
	}

	backward := func() error {
		for i, s := range batch {
			dP := make([][]float32, len(levels))
			for k, q := range levels {
				dP[k] = make([]float32, s.Image.Len())
				if err := crit.Grad(probs[i][k], s.Mask.Data, q, dP[k]); err != nil {
					return errors.Wrapf(err, "head %d", k)
				}
			}
			if err := o.net.Backward(s.Image, probs[i], dP); err != nil {
				return err
			}
		}
		return nil
	}
	return total, backward, nil
}

// ProbObjective is the negative ELBO of the probabilistic network summed
// over the batch, plus the weighted L2 penalty of its encoders and
// combination network.
type ProbObjective struct {
	net       *qrnet.ProbNet
	regWeight float64
}

// NewProbObjective wraps net.
func NewProbObjective(net *qrnet.ProbNet, regWeight float64) *ProbObjective {
	return &ProbObjective{net: net, regWeight: regWeight}
}

// Net implements Objective.
func (o *ProbObjective) Net() qrnet.QuantileNet { return o.net }

// Evaluate implements Objective. The criterion is unused: the
// reconstruction term is configured on the network. The backward pass
// replays every sample with the noise drawn here.
func (o *ProbObjective) Evaluate(batch []datasets.Sample, epoch int, _ quantile.Criterion) (float64, func() error, error) {
	noise := make([][]float64, len(batch))
	var total float64
	for i, s := range batch {
		if err := s.CheckShape(); err != nil {
			return 0, nil, err
		}
		mask := s.Mask
		if err := o.net.Forward(s.Image, &mask, true); err != nil {
			return 0, nil, err
		}
		noise[i] = o.net.Noise()
		elbo, err := o.net.ELBOWithNoise(mask, epoch, noise[i])
		if err != nil {
			return 0, nil, err
		}
		total -= elbo
	}
	total += o.regWeight * o.net.RegLoss()

	backward := func() error {
		for i, s := range batch {
			mask := s.Mask
			if err := o.net.Forward(s.Image, &mask, true); err != nil {
				return err
			}
			if _, err := o.net.ELBOWithNoise(mask, epoch, noise[i]); err != nil {
				return err
			}
			if err := o.net.Backward(); err != nil {
				return err
			}
		}
		o.net.AddRegGrad(o.regWeight)
		return nil
	}
	return total, backward, nil
}
