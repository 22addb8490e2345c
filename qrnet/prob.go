package qrnet

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/monte"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// ProbConfig holds the hyperparameters of the probabilistic network.
type ProbConfig struct {
	PatchRadius   int   `yaml:"patch_radius"`
	Features      int   `yaml:"features"`
	EncoderHidden int   `yaml:"encoder_hidden"`
	LatentDim     int   `yaml:"latent_dim"`
	FcombHidden   []int `yaml:"fcomb_hidden"`

	// Beta weights the KL term of the ELBO.
	Beta float64 `yaml:"beta"`
	// KLAnnealEpochs > 0 ramps the KL weight linearly over that many epochs.
	KLAnnealEpochs int `yaml:"kl_anneal_epochs"`

	// Recon names the quantile criterion of the reconstruction term
	// ("pinball" or "bceqr") and ReconLevel its level.
	Recon      string  `yaml:"recon"`
	ReconLevel float64 `yaml:"recon_level"`

	// Samples is the number of prior draws used by Predict.
	Samples int   `yaml:"samples"`
	Seed    int64 `yaml:"seed"`
}

func (c ProbConfig) withDefaults() ProbConfig {
	if c.PatchRadius <= 0 {
		c.PatchRadius = 1
	}
	if c.Features <= 0 {
		c.Features = 16
	}
	if c.EncoderHidden <= 0 {
		c.EncoderHidden = 16
	}
	if c.LatentDim <= 0 {
		c.LatentDim = 2
	}
	if len(c.FcombHidden) == 0 {
		c.FcombHidden = []int{16, 16}
	}
	if c.Beta == 0 {
		c.Beta = 10
	}
	if c.ReconLevel == 0 {
		c.ReconLevel = 0.5
	}
	if c.Samples <= 0 {
		c.Samples = 32
	}
	return c
}

// encoder maps per-pixel inputs to a latent Gaussian: a per-pixel MLP,
// mean pooling over the image, then a head producing [μ, log σ].
type encoder struct {
	pixel  *MLP
	head   *MLP
	latent int
}

type encoderTrace struct {
	pixels []*mlpTrace
	head   *mlpTrace
}

func newEncoder(ps *ParamSet, prefix string, in, hidden, latent int, rng *rand.Rand) *encoder {
	return &encoder{
		pixel:  NewMLP(ps, prefix+"/pixel", []int{in, hidden, hidden}, rng),
		head:   NewMLP(ps, prefix+"/head", []int{hidden, 2 * latent}, rng),
		latent: latent,
	}
}

func (e *encoder) forward(inputs [][]float32) (Gaussian, *encoderTrace) {
	tr := &encoderTrace{pixels: make([]*mlpTrace, len(inputs))}
	pooled := make([]float32, e.pixel.Out())
	for p, in := range inputs {
		tr.pixels[p] = e.pixel.forward(in)
		for i, v := range tr.pixels[p].acts[len(tr.pixels[p].acts)-1] {
			pooled[i] += v
		}
	}
	inv := 1 / float32(len(inputs))
	for i := range pooled {
		pooled[i] *= inv
	}
	tr.head = e.head.forward(pooled)
	out := tr.head.acts[len(tr.head.acts)-1]
	g := Gaussian{Mu: make([]float64, e.latent), LogSigma: make([]float64, e.latent)}
	for i := 0; i < e.latent; i++ {
		g.Mu[i] = float64(out[i])
		g.LogSigma[i] = float64(out[e.latent+i])
	}
	return g, tr
}

func (e *encoder) backward(tr *encoderTrace, dMu, dLogSigma []float64) {
	dOut := make([]float32, 2*e.latent)
	for i := 0; i < e.latent; i++ {
		dOut[i] = float32(dMu[i])
		dOut[e.latent+i] = float32(dLogSigma[i])
	}
	dPooled := e.head.backward(tr.head, dOut)
	inv := 1 / float32(len(tr.pixels))
	for i := range dPooled {
		dPooled[i] *= inv
	}
	for _, ptr := range tr.pixels {
		e.pixel.backward(ptr, dPooled)
	}
}

// pass is the state of one forward pass; it is replaced by the next one.
type pass struct {
	img       datasets.Grid
	training  bool
	features  []*mlpTrace
	prior     Gaussian
	priorTr   *encoderTrace
	posterior *Gaussian
	postTr    *encoderTrace
	elbo      *elboState
}

type elboState struct {
	gt       []float32
	eps      []float64
	fcomb    []*mlpTrace
	probs    []float32
	recon    float64
	kl       float64
	klWeight float64
}

// ProbNet is the probabilistic latent-variable quantile network. Its
// sub-networks are owned components with separate parameter groups:
// "unet" (per-pixel features), "prior", "posterior" and "fcomb".
type ProbNet struct {
	cfg    ProbConfig
	levels quantile.Levels
	recon  quantile.Criterion
	amp    bool

	unet      *MLP
	prior     *encoder
	posterior *encoder
	fcomb     *MLP

	groups map[string]*ParamSet
	params *ParamSet
	rng    *rand.Rand
	pass   *pass
}

// Parameter group names of ProbNet.
const (
	GroupUNet      = "unet"
	GroupPrior     = "prior"
	GroupPosterior = "posterior"
	GroupFcomb     = "fcomb"
)

// NewProbNet builds the network. levels are the quantile levels Predict
// reports, estimated from prior samples.
func NewProbNet(cfg ProbConfig, levels quantile.Levels, amp bool) (*ProbNet, error) {
	cfg = cfg.withDefaults()
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	kind, err := quantile.ParseKind(cfg.Recon)
	if err != nil {
		return nil, err
	}
	if kind == quantile.KindWarmup {
		return nil, errors.New("the warm-up surrogate cannot be used as reconstruction term")
	}
	if !(cfg.ReconLevel > 0 && cfg.ReconLevel < 1) {
		return nil, errors.Errorf("reconstruction level %g is outside (0,1)", cfg.ReconLevel)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	in := PatchSize(cfg.PatchRadius)

	n := &ProbNet{
		cfg:    cfg,
		levels: append(quantile.Levels(nil), levels...),
		recon:  quantile.For(kind),
		amp:    amp,
		groups: make(map[string]*ParamSet),
		rng:    rng,
	}
	for _, g := range []string{GroupUNet, GroupPrior, GroupPosterior, GroupFcomb} {
		n.groups[g] = NewParamSet()
	}
	n.unet = NewMLP(n.groups[GroupUNet], GroupUNet, []int{in, cfg.Features, cfg.Features}, rng)
	n.prior = newEncoder(n.groups[GroupPrior], GroupPrior, in, cfg.EncoderHidden, cfg.LatentDim, rng)
	n.posterior = newEncoder(n.groups[GroupPosterior], GroupPosterior, in+1, cfg.EncoderHidden, cfg.LatentDim, rng)

	fsizes := append([]int{cfg.Features + cfg.LatentDim}, cfg.FcombHidden...)
	n.fcomb = NewMLP(n.groups[GroupFcomb], GroupFcomb, append(fsizes, 1), rng)

	n.params = Merge(n.groups[GroupUNet], n.groups[GroupPrior], n.groups[GroupPosterior], n.groups[GroupFcomb])
	return n, nil
}

// Levels implements QuantileNet.
func (n *ProbNet) Levels() quantile.Levels { return n.levels }

// Params implements QuantileNet.
func (n *ProbNet) Params() *ParamSet { return n.params }

// Group returns the parameters of one sub-network.
func (n *ProbNet) Group(name string) *ParamSet { return n.groups[name] }

// Config returns the effective configuration.
func (n *ProbNet) Config() ProbConfig { return n.cfg }

// Forward runs the feature network and the prior encoder on img. In
// training mode the ground truth is required and the posterior encoder runs
// as well; the posterior is unavailable otherwise.
func (n *ProbNet) Forward(img datasets.Grid, gt *datasets.Grid, training bool) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if training && gt == nil {
		return errors.Wrap(ErrInvalidState, "training forward pass needs the ground truth")
	}
	if gt != nil && !gt.SameShape(img) {
		return errors.Wrapf(datasets.ErrInvalidInputShape, "image %dx%d vs mask %dx%d", img.H, img.W, gt.H, gt.W)
	}

	patches := Patches(img, n.cfg.PatchRadius)
	p := &pass{img: img, training: training, features: make([]*mlpTrace, len(patches))}
	for i, patch := range patches {
		p.features[i] = n.unet.forward(patch)
	}
	p.prior, p.priorTr = n.prior.forward(patches)

	if training {
		postIn := make([][]float32, len(patches))
		for i, patch := range patches {
			in := make([]float32, len(patch)+1)
			copy(in, patch)
			in[len(patch)] = gt.Data[i]
			postIn[i] = in
		}
		post, tr := n.posterior.forward(postIn)
		p.posterior, p.postTr = &post, tr
	}
	n.pass = p
	return nil
}

// Prior returns a copy of the prior of the last forward pass.
func (n *ProbNet) Prior() (Gaussian, error) {
	if n.pass == nil {
		return Gaussian{}, errors.Wrap(ErrInvalidState, "no forward pass")
	}
	return n.pass.prior.Clone(), nil
}

// Posterior returns a copy of the posterior of the last forward pass.
func (n *ProbNet) Posterior() (Gaussian, error) {
	if n.pass == nil || n.pass.posterior == nil {
		return Gaussian{}, errors.Wrap(ErrInvalidState, "no posterior: run Forward in training mode with ground truth")
	}
	return n.pass.posterior.Clone(), nil
}

func (n *ProbNet) normal(dim int) []float64 {
	eps := make([]float64, dim)
	for i := range eps {
		eps[i] = n.rng.NormFloat64()
	}
	return eps
}

func (n *ProbNet) fcombInput(feat *mlpTrace, z []float64) []float32 {
	f := feat.acts[len(feat.acts)-1]
	in := make([]float32, len(f)+len(z))
	copy(in, f)
	for i, v := range z {
		in[len(f)+i] = float32(v)
	}
	return in
}

// Sample draws a latent from the prior or the posterior of the last forward
// pass and decodes it into a probability map. Posterior sampling without a
// training-mode forward pass fails with ErrInvalidState.
func (n *ProbNet) Sample(usePrior bool) (Map, error) {
	if n.pass == nil {
		return Map{}, errors.Wrap(ErrInvalidState, "sample before forward pass")
	}
	dist := n.pass.prior
	if !usePrior {
		if n.pass.posterior == nil {
			return Map{}, errors.Wrap(ErrInvalidState, "posterior sampling needs a training forward pass with ground truth")
		}
		dist = *n.pass.posterior
	}
	z := dist.Sample(n.normal(dist.Dim()))
	out := datasets.NewGrid(n.pass.img.H, n.pass.img.W)
	for i, feat := range n.pass.features {
		out.Data[i] = sigmoid(n.fcomb.Forward(n.fcombInput(feat, z))[0])
	}
	if n.amp {
		roundHalf(out.Data)
	}
	return out, nil
}

// KLWeight is β, linearly annealed from β/KLAnnealEpochs at epoch 0 to β
// when annealing is enabled.
func (n *ProbNet) KLWeight(epoch int) float64 {
	if n.cfg.KLAnnealEpochs <= 0 {
		return n.cfg.Beta
	}
	return n.cfg.Beta * math.Min(1, float64(epoch+1)/float64(n.cfg.KLAnnealEpochs))
}

// Noise draws a standard normal vector of the latent dimension.
func (n *ProbNet) Noise() []float64 { return n.normal(n.cfg.LatentDim) }

// ELBO samples from the posterior of the last training forward pass and
// returns -(recon + w·KL(posterior ‖ prior)), where recon is the quantile
// reconstruction loss against gt and w = KLWeight(epoch).
func (n *ProbNet) ELBO(gt datasets.Grid, epoch int) (float64, error) {
	return n.ELBOWithNoise(gt, epoch, n.Noise())
}

// ELBOWithNoise is ELBO with the reparametrization noise given, so that a
// pass can be replayed exactly.
func (n *ProbNet) ELBOWithNoise(gt datasets.Grid, epoch int, eps []float64) (float64, error) {
	if n.pass == nil || n.pass.posterior == nil {
		return 0, errors.Wrap(ErrInvalidState, "ELBO needs a training forward pass with ground truth")
	}
	if !gt.SameShape(n.pass.img) || len(gt.Data) != n.pass.img.Len() {
		return 0, errors.Wrapf(datasets.ErrInvalidInputShape, "mask %dx%d for image %dx%d", gt.H, gt.W, n.pass.img.H, n.pass.img.W)
	}
	if len(eps) != n.cfg.LatentDim {
		return 0, errors.Errorf("noise has %d values for latent dimension %d", len(eps), n.cfg.LatentDim)
	}
	post := *n.pass.posterior
	st := &elboState{
		gt:       gt.Data,
		eps:      append([]float64(nil), eps...),
		fcomb:    make([]*mlpTrace, len(n.pass.features)),
		probs:    make([]float32, len(n.pass.features)),
		klWeight: n.KLWeight(epoch),
	}
	z := post.Sample(st.eps)
	for i, feat := range n.pass.features {
		st.fcomb[i] = n.fcomb.forward(n.fcombInput(feat, z))
		st.probs[i] = sigmoid(st.fcomb[i].acts[len(st.fcomb[i].acts)-1][0])
	}
	if n.amp {
		roundHalf(st.probs)
	}
	recon, err := n.recon.Loss(st.probs, gt.Data, quantile.Level(n.cfg.ReconLevel))
	if err != nil {
		return 0, err
	}
	st.recon = recon
	st.kl = KL(post, n.pass.prior)
	n.pass.elbo = st
	return -(st.recon + st.klWeight*st.kl), nil
}

// Terms returns the reconstruction loss, the KL divergence and its weight
// from the last ELBO call.
func (n *ProbNet) Terms() (recon, kl, weight float64, err error) {
	if n.pass == nil || n.pass.elbo == nil {
		return 0, 0, 0, errors.Wrap(ErrInvalidState, "no ELBO computed")
	}
	st := n.pass.elbo
	return st.recon, st.kl, st.klWeight, nil
}

// Backward accumulates the gradients of -ELBO from the last ELBO call into
// every sub-network. The ELBO state is consumed.
func (n *ProbNet) Backward() error {
	if n.pass == nil || n.pass.elbo == nil {
		return errors.Wrap(ErrInvalidState, "backward before ELBO")
	}
	st := n.pass.elbo
	post := *n.pass.posterior
	dim := post.Dim()

	dP := make([]float32, len(st.probs))
	if err := n.recon.Grad(st.probs, st.gt, quantile.Level(n.cfg.ReconLevel), dP); err != nil {
		return err
	}
	dz := make([]float64, dim)
	nf := n.unet.Out()
	for i, tr := range st.fcomb {
		p := st.probs[i]
		dLogit := dP[i] * p * (1 - p)
		if dLogit == 0 {
			continue
		}
		dIn := n.fcomb.backward(tr, []float32{dLogit})
		for j := 0; j < dim; j++ {
			dz[j] += float64(dIn[nf+j])
		}
		n.unet.backward(n.pass.features[i], dIn[:nf])
	}

	dMuQ, dLogSigQ, dMuP, dLogSigP := klGrad(post, n.pass.prior, st.klWeight)
	for j := 0; j < dim; j++ {
		dMuQ[j] += dz[j]
		dLogSigQ[j] += dz[j] * math.Exp(post.LogSigma[j]) * st.eps[j]
	}
	n.posterior.backward(n.pass.postTr, dMuQ, dLogSigQ)
	n.prior.backward(n.pass.priorTr, dMuP, dLogSigP)
	n.pass.elbo = nil
	return nil
}

// RegLoss is the L2 penalty summed over the posterior, prior and fcomb
// parameters.
func (n *ProbNet) RegLoss() float64 {
	return n.groups[GroupPosterior].L2() + n.groups[GroupPrior].L2() + n.groups[GroupFcomb].L2()
}

// AddRegGrad adds the gradient of weight·RegLoss().
func (n *ProbNet) AddRegGrad(weight float64) {
	for _, g := range []string{GroupPosterior, GroupPrior, GroupFcomb} {
		n.groups[g].AddL2Grad(weight)
	}
}

// Predict implements QuantileNet: it runs an inference forward pass and
// estimates each level's map from cfg.Samples prior draws. The state of the
// previous forward pass is discarded.
func (n *ProbNet) Predict(img datasets.Grid) ([]Map, error) {
	if err := n.Forward(img, nil, false); err != nil {
		return nil, err
	}
	sampler := monte.SamplerFunc(func() (datasets.Grid, error) { return n.Sample(true) })
	return monte.QuantileMaps(sampler, n.levels, n.cfg.Samples)
}
