package qrnet

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/datasets"
)

// Backbone is the opaque differentiable function of the deterministic
// variant: image in, one logit map per head out.
type Backbone interface {
	Params() *ParamSet
	Heads() int
	// Logits returns [head][pixel] logits for img.
	Logits(img datasets.Grid) ([][]float32, error)
	// Backward accumulates into the parameter gradients the pull-back of
	// dLogits ([head][pixel]) through the network evaluated at img.
	Backward(img datasets.Grid, dLogits [][]float32) error
}

// BackboneConfig describes the per-pixel patch network.
type BackboneConfig struct {
	PatchRadius int   `yaml:"patch_radius"`
	Hidden      []int `yaml:"hidden"`
	Seed        int64 `yaml:"seed"`
}

func (c BackboneConfig) withDefaults() BackboneConfig {
	if c.PatchRadius <= 0 {
		c.PatchRadius = 1
	}
	if len(c.Hidden) == 0 {
		c.Hidden = []int{32, 16}
	}
	return c
}

func (c BackboneConfig) sizes(heads int) []int {
	sizes := make([]int, 0, len(c.Hidden)+2)
	sizes = append(sizes, PatchSize(c.PatchRadius))
	sizes = append(sizes, c.Hidden...)
	return append(sizes, heads)
}

// MLPBackbone applies the same MLP to every pixel's neighbourhood patch.
// Parameters are named "backbone/w<l>", "backbone/b<l>".
type MLPBackbone struct {
	radius int
	heads  int
	params *ParamSet
	mlp    *MLP
}

// NewMLPBackbone builds a pure-Go patch network with the given number of
// output heads.
func NewMLPBackbone(cfg BackboneConfig, heads int) *MLPBackbone {
	cfg = cfg.withDefaults()
	ps := NewParamSet()
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &MLPBackbone{
		radius: cfg.PatchRadius,
		heads:  heads,
		params: ps,
		mlp:    NewMLP(ps, "backbone", cfg.sizes(heads), rng),
	}
}

// Params implements Backbone.
func (b *MLPBackbone) Params() *ParamSet { return b.params }

// Heads implements Backbone.
func (b *MLPBackbone) Heads() int { return b.heads }

// Logits implements Backbone.
func (b *MLPBackbone) Logits(img datasets.Grid) ([][]float32, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	out := newHeadMaps(b.heads, img.Len())
	for p, patch := range Patches(img, b.radius) {
		for k, v := range b.mlp.Forward(patch) {
			out[k][p] = v
		}
	}
	return out, nil
}

// Backward implements Backbone. The forward pass is recomputed per pixel.
func (b *MLPBackbone) Backward(img datasets.Grid, dLogits [][]float32) error {
	if len(dLogits) != b.heads {
		return errors.Errorf("got %d gradient maps for %d heads", len(dLogits), b.heads)
	}
	dOut := make([]float32, b.heads)
	for p, patch := range Patches(img, b.radius) {
		nonZero := false
		for k := range dOut {
			dOut[k] = dLogits[k][p]
			nonZero = nonZero || dOut[k] != 0
		}
		if !nonZero {
			continue
		}
		b.mlp.backward(b.mlp.forward(patch), dOut)
	}
	return nil
}

func newHeadMaps(heads, n int) [][]float32 {
	buf := make([]float32, heads*n)
	out := make([][]float32, heads)
	for k := range out {
		out[k] = buf[k*n : (k+1)*n : (k+1)*n]
	}
	return out
}
