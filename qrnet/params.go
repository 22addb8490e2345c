package qrnet

import (
	"fmt"
	"sort"
)

// Param is a named learnable tensor with its gradient accumulator. Data and
// Grad are flat row-major buffers of the product of Shape.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// Size is the number of scalars in p.
func (p *Param) Size() int { return len(p.Data) }

// ParamSet is an ordered collection of parameters. Sets can share Params:
// the probabilistic network keeps one set per sub-network plus a merged set
// for the optimizer.
type ParamSet struct {
	params []*Param
	byName map[string]*Param
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

// Add allocates a zeroed parameter. It panics on duplicate names, which
// can only come from a programming error while building a network.
func (s *ParamSet) Add(name string, shape ...int) *Param {
	if _, ok := s.byName[name]; ok {
		panic(fmt.Sprintf("qrnet: duplicate parameter %q", name))
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
	s.params = append(s.params, p)
	s.byName[name] = p
	return p
}

// Merge returns a set containing the parameters of all given sets.
func Merge(sets ...*ParamSet) *ParamSet {
	out := NewParamSet()
	for _, s := range sets {
		for _, p := range s.params {
			if _, ok := out.byName[p.Name]; ok {
				continue
			}
			out.params = append(out.params, p)
			out.byName[p.Name] = p
		}
	}
	return out
}

// Get looks a parameter up by name.
func (s *ParamSet) Get(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// All returns the parameters in insertion order.
func (s *ParamSet) All() []*Param { return s.params }

// Names returns the sorted parameter names.
func (s *ParamSet) Names() []string {
	out := make([]string, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Count is the total number of scalars.
func (s *ParamSet) Count() int {
	n := 0
	for _, p := range s.params {
		n += p.Size()
	}
	return n
}

// ZeroGrad clears every gradient accumulator.
func (s *ParamSet) ZeroGrad() {
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// L2 returns Σ θ² over the set.
func (s *ParamSet) L2() float64 {
	var sum float64
	for _, p := range s.params {
		for _, v := range p.Data {
			sum += float64(v) * float64(v)
		}
	}
	return sum
}

// AddL2Grad adds the gradient of weight·L2() to the accumulators.
func (s *ParamSet) AddL2Grad(weight float64) {
	w := float32(2 * weight)
	for _, p := range s.params {
		for i, v := range p.Data {
			p.Grad[i] += w * v
		}
	}
}

// Snapshot copies the parameter values keyed by name.
func (s *ParamSet) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(s.params))
	for _, p := range s.params {
		out[p.Name] = append([]float32(nil), p.Data...)
	}
	return out
}
