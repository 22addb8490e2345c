package qrnet

import (
	"math"
	"math/rand"
	"strconv"
)

// MLP is a small fully connected network: ReLU on hidden layers, linear
// output. Weights live in a ParamSet so optimizers and checkpoints see them
// by name ("<prefix>/w<l>" with shape [out, in], "<prefix>/b<l>" with shape
// [out]).
type MLP struct {
	// sizes includes input size, hidden sizes, then output size.
	sizes []int

	w []*Param
	b []*Param
}

// mlpTrace keeps what backward needs from one forward pass.
// preActs has one vector per layer, acts has one more (acts[0] is the input).
type mlpTrace struct {
	preActs [][]float32
	acts    [][]float32
}

// NewMLP registers the layers of an MLP with the given sizes into ps and
// initializes them from rng.
func NewMLP(ps *ParamSet, prefix string, sizes []int, rng *rand.Rand) *MLP {
	m := &MLP{sizes: append([]int(nil), sizes...)}
	L := len(sizes) - 1
	m.w = make([]*Param, L)
	m.b = make([]*Param, L)
	for l := 0; l < L; l++ {
		in := sizes[l]
		out := sizes[l+1]
		m.w[l] = ps.Add(layerName(prefix, "w", l), out, in)
		m.b[l] = ps.Add(layerName(prefix, "b", l), out)
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		for i := range m.w[l].Data {
			m.w[l].Data[i] = (rng.Float32()*2.0 - 1.0) * limit * 0.5
		}
	}
	return m
}

func layerName(prefix, kind string, l int) string {
	return prefix + "/" + kind + strconv.Itoa(l)
}

// In is the input dimension.
func (m *MLP) In() int { return m.sizes[0] }

// Out is the output dimension.
func (m *MLP) Out() int { return m.sizes[len(m.sizes)-1] }

// Sizes returns the layer sizes, input first.
func (m *MLP) Sizes() []int { return append([]int(nil), m.sizes...) }

// Forward evaluates the network on a single input vector.
func (m *MLP) Forward(in []float32) []float32 {
	tr := m.forward(in)
	return tr.acts[len(tr.acts)-1]
}

func (m *MLP) forward(in []float32) *mlpTrace {
	L := len(m.w)
	tr := &mlpTrace{
		preActs: make([][]float32, L),
		acts:    make([][]float32, L+1),
	}
	tr.acts[0] = in
	for l := 0; l < L; l++ {
		inVec := tr.acts[l]
		outDim := m.sizes[l+1]
		inDim := m.sizes[l]
		W := m.w[l].Data
		b := m.b[l].Data
		pre := make([]float32, outDim)
		for j := 0; j < outDim; j++ {
			sum := b[j]
			row := W[j*inDim : (j+1)*inDim]
			for i, x := range inVec {
				sum += row[i] * x
			}
			pre[j] = sum
		}
		tr.preActs[l] = pre

		act := pre
		if l < L-1 {
			act = make([]float32, outDim)
			for j, v := range pre {
				if v > 0 {
					act[j] = v
				}
			}
		}
		tr.acts[l+1] = act
	}
	return tr
}

// backward accumulates parameter gradients for dOut (the gradient of the
// loss with respect to the output of the traced pass) and returns the
// gradient with respect to the input.
func (m *MLP) backward(tr *mlpTrace, dOut []float32) []float32 {
	delta := append([]float32(nil), dOut...)
	for l := len(m.w) - 1; l >= 0; l-- {
		inAct := tr.acts[l]
		inDim := m.sizes[l]
		W := m.w[l].Data
		gW := m.w[l].Grad
		gB := m.b[l].Grad
		for j, d := range delta {
			if d == 0 {
				continue
			}
			gB[j] += d
			row := gW[j*inDim : (j+1)*inDim]
			for i, x := range inAct {
				row[i] += d * x
			}
		}

		prev := make([]float32, inDim)
		for j, d := range delta {
			if d == 0 {
				continue
			}
			row := W[j*inDim : (j+1)*inDim]
			for i := range prev {
				prev[i] += row[i] * d
			}
		}
		if l > 0 {
			// ReLU derivative of the previous hidden layer
			for i, v := range tr.preActs[l-1] {
				if v <= 0 {
					prev[i] = 0
				}
			}
		}
		delta = prev
	}
	return delta
}
