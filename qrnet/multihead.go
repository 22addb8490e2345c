package qrnet

import (
	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// MultiHead is the deterministic variant: one sigmoid head per quantile
// level on top of a shared Backbone.
type MultiHead struct {
	backbone Backbone
	levels   quantile.Levels
	amp      bool
}

// NewMultiHead checks that the backbone has one head per level.
func NewMultiHead(b Backbone, levels quantile.Levels, amp bool) (*MultiHead, error) {
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	if b.Heads() != len(levels) {
		return nil, errors.Errorf("backbone has %d heads for %d quantile levels", b.Heads(), len(levels))
	}
	return &MultiHead{backbone: b, levels: append(quantile.Levels(nil), levels...), amp: amp}, nil
}

// Levels implements QuantileNet.
func (m *MultiHead) Levels() quantile.Levels { return m.levels }

// Params implements QuantileNet.
func (m *MultiHead) Params() *ParamSet { return m.backbone.Params() }

// Backbone returns the wrapped network.
func (m *MultiHead) Backbone() Backbone { return m.backbone }

// Probabilities returns [head][pixel] sigmoid outputs for img.
func (m *MultiHead) Probabilities(img datasets.Grid) ([][]float32, error) {
	logits, err := m.backbone.Logits(img)
	if err != nil {
		return nil, err
	}
	for _, head := range logits {
		for i, v := range head {
			head[i] = sigmoid(v)
		}
		if m.amp {
			roundHalf(head)
		}
	}
	return logits, nil
}

// Predict implements QuantileNet.
func (m *MultiHead) Predict(img datasets.Grid) ([]Map, error) {
	probs, err := m.Probabilities(img)
	if err != nil {
		return nil, err
	}
	out := make([]Map, len(probs))
	for k, p := range probs {
		out[k] = Map{H: img.H, W: img.W, Data: p}
	}
	return out, nil
}

// Backward takes dLoss/dP for each head, given the probabilities returned
// by Probabilities for the same image, and accumulates parameter gradients.
// Rounding under mixed precision is treated as identity.
func (m *MultiHead) Backward(img datasets.Grid, probs, dProbs [][]float32) error {
	if len(probs) != len(m.levels) || len(dProbs) != len(m.levels) {
		return errors.Errorf("expected %d heads, got %d probabilities and %d gradients",
			len(m.levels), len(probs), len(dProbs))
	}
	dLogits := newHeadMaps(len(probs), img.Len())
	for k := range probs {
		for i, p := range probs[k] {
			dLogits[k][i] = dProbs[k][i] * p * (1 - p)
		}
	}
	return m.backbone.Backward(img, dLogits)
}
