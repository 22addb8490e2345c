package qrnet

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/datasets"
)

// GraphBackbone is the patch network of MLPBackbone executed as a gomlx
// computation graph, with gradients from graph.Gradient instead of the
// hand-written backward pass. Parameters keep the MLPBackbone names and
// layout, so checkpoints are interchangeable between the two.
//
// The ParamSet remains the source of truth: values are fed to the graph as
// inputs on every call and gradients are added back into Param.Grad.
type GraphBackbone struct {
	*MLPBackbone

	backend    backends.Backend
	logitsExec *graph.Exec
	gradExec   *graph.Exec
}

// NewGraphBackbone builds the network on the pure Go (simplego) backend.
func NewGraphBackbone(cfg BackboneConfig, heads int) (*GraphBackbone, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.Wrap(err, "create gomlx simplego backend")
	}
	g := &GraphBackbone{
		MLPBackbone: NewMLPBackbone(cfg, heads),
		backend:     backend,
	}
	if g.logitsExec, err = graph.NewExec(backend, g.logitsGraph); err != nil {
		backend.Finalize()
		return nil, errors.Wrap(err, "build logits graph")
	}
	if g.gradExec, err = graph.NewExec(backend, g.gradGraph); err != nil {
		g.logitsExec.Finalize()
		backend.Finalize()
		return nil, errors.Wrap(err, "build gradient graph")
	}
	return g, nil
}

// Close releases the compiled graphs and the backend.
func (g *GraphBackbone) Close() {
	g.logitsExec.Finalize()
	g.gradExec.Finalize()
	g.backend.Finalize()
}

// mlpGraph evaluates the MLP with features along axis 0 and pixels along
// axis 1: x is [in, pixels], the result is [heads, pixels].
func mlpGraph(x *graph.Node, params []*graph.Node) *graph.Node {
	h := x
	L := len(params) / 2
	pixels := x.Shape().Dimensions[1]
	for l := 0; l < L; l++ {
		w, b := params[2*l], params[2*l+1]
		out := w.Shape().Dimensions[0]
		h = graph.Einsum("oi,ip->op", w, h)
		h = graph.Add(h, graph.BroadcastToDims(graph.Reshape(b, out, 1), out, pixels))
		if l < L-1 {
			h = graph.Max(h, graph.ZerosLike(h))
		}
	}
	return h
}

// logitsGraph: inputs are the patch matrix followed by the parameters.
func (g *GraphBackbone) logitsGraph(inputs []*graph.Node) *graph.Node {
	out := mlpGraph(inputs[0], inputs[1:])
	return graph.Reshape(out, out.Shape().Size())
}

// gradGraph: inputs are the patch matrix, the upstream logit gradients
// and the parameters; outputs are the flattened parameter gradients.
func (g *GraphBackbone) gradGraph(inputs []*graph.Node) []*graph.Node {
	x, upstream, params := inputs[0], inputs[1], inputs[2:]
	out := mlpGraph(x, params)
	surrogate := graph.ReduceAllSum(graph.Mul(out, graph.StopGradient(upstream)))
	grads := graph.Gradient(surrogate, params...)
	for i, gr := range grads {
		grads[i] = graph.Reshape(gr, gr.Shape().Size())
	}
	return grads
}

func (g *GraphBackbone) inputs(img datasets.Grid) []any {
	patches := Patches(img, g.radius)
	in := PatchSize(g.radius)
	n := len(patches)
	flat := make([]float32, in*n)
	for p, patch := range patches {
		for i, v := range patch {
			flat[i*n+p] = v
		}
	}
	return []any{tensors.FromFlatDataAndDimensions(flat, in, n)}
}

func (g *GraphBackbone) paramTensors() []any {
	ps := g.params.All()
	out := make([]any, len(ps))
	for i, p := range ps {
		out[i] = tensors.FromFlatDataAndDimensions(p.Data, p.Shape...)
	}
	return out
}

// Logits implements Backbone.
func (g *GraphBackbone) Logits(img datasets.Grid) ([][]float32, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	args := append(g.inputs(img), g.paramTensors()...)
	results, err := g.logitsExec.Exec(args...)
	if err != nil {
		return nil, errors.Wrap(err, "gomlx logits")
	}
	flat, ok := results[0].Value().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected logits value %T", results[0].Value())
	}
	n := img.Len()
	out := newHeadMaps(g.heads, n)
	for k := range out {
		copy(out[k], flat[k*n:(k+1)*n])
	}
	return out, nil
}

// Backward implements Backbone.
func (g *GraphBackbone) Backward(img datasets.Grid, dLogits [][]float32) error {
	if len(dLogits) != g.heads {
		return errors.Errorf("got %d gradient maps for %d heads", len(dLogits), g.heads)
	}
	n := img.Len()
	up := make([]float32, 0, g.heads*n)
	for _, d := range dLogits {
		up = append(up, d...)
	}
	args := g.inputs(img)
	args = append(args, tensors.FromFlatDataAndDimensions(up, g.heads, n))
	args = append(args, g.paramTensors()...)
	results, err := g.gradExec.Exec(args...)
	if err != nil {
		return errors.Wrap(err, "gomlx gradients")
	}
	for i, p := range g.params.All() {
		grad, ok := results[i].Value().([]float32)
		if !ok {
			return errors.Errorf("unexpected gradient value %T for %s", results[i].Value(), p.Name)
		}
		for j, v := range grad {
			p.Grad[j] += v
		}
	}
	return nil
}
