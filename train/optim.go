package train

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/qrnet"
)

// Optimizer names.
const (
	OptRMSprop = "rmsprop"
	OptSGD     = "sgd"
	OptAdam    = "adam"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(ps *qrnet.ParamSet)
	LearningRate() float64
	SetLearningRate(lr float64)
}

// NewOptimizer builds the optimizer named in cfg.
func NewOptimizer(cfg Config) (Optimizer, error) {
	switch cfg.Optimizer {
	case OptRMSprop:
		return &RMSprop{LR: cfg.LearningRate, Alpha: 0.99, Eps: 1e-8, Momentum: cfg.Momentum,
			WeightDecay: cfg.WeightDecay}, nil
	case OptSGD:
		return &SGD{LR: cfg.LearningRate, Momentum: cfg.Momentum, WeightDecay: cfg.WeightDecay}, nil
	case OptAdam:
		return &Adam{LR: cfg.LearningRate, Beta1: cfg.Beta1, Beta2: cfg.Beta2, Eps: cfg.Epsilon,
			WeightDecay: cfg.WeightDecay}, nil
	}
	return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
}

// slots keeps one state buffer per parameter.
type slots map[string][]float32

func (s *slots) get(p *qrnet.Param) []float32 {
	if *s == nil {
		*s = make(slots)
	}
	buf, ok := (*s)[p.Name]
	if !ok {
		buf = make([]float32, len(p.Data))
		(*s)[p.Name] = buf
	}
	return buf
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	velocity slots
}

// Step implements Optimizer.
func (o *SGD) Step(ps *qrnet.ParamSet) {
	lr, mu, wd := float32(o.LR), float32(o.Momentum), float32(o.WeightDecay)
	for _, p := range ps.All() {
		var buf []float32
		if mu != 0 {
			buf = o.velocity.get(p)
		}
		for i, g := range p.Grad {
			g += wd * p.Data[i]
			if buf != nil {
				buf[i] = mu*buf[i] + g
				g = buf[i]
			}
			p.Data[i] -= lr * g
		}
	}
}

// LearningRate implements Optimizer.
func (o *SGD) LearningRate() float64 { return o.LR }

// SetLearningRate implements Optimizer.
func (o *SGD) SetLearningRate(lr float64) { o.LR = lr }

// RMSprop divides the gradient by a running average of its magnitude,
// with optional momentum on the scaled step.
type RMSprop struct {
	LR          float64
	Alpha       float64
	Eps         float64
	Momentum    float64
	WeightDecay float64

	square   slots
	momentum slots
}

// Step implements Optimizer.
func (o *RMSprop) Step(ps *qrnet.ParamSet) {
	lr, alpha, mu, wd := float32(o.LR), float32(o.Alpha), float32(o.Momentum), float32(o.WeightDecay)
	for _, p := range ps.All() {
		sq := o.square.get(p)
		var buf []float32
		if mu != 0 {
			buf = o.momentum.get(p)
		}
		for i, g := range p.Grad {
			g += wd * p.Data[i]
			sq[i] = alpha*sq[i] + (1-alpha)*g*g
			step := g / (float32(math.Sqrt(float64(sq[i]))) + float32(o.Eps))
			if buf != nil {
				buf[i] = mu*buf[i] + step
				step = buf[i]
			}
			p.Data[i] -= lr * step
		}
	}
}

// LearningRate implements Optimizer.
func (o *RMSprop) LearningRate() float64 { return o.LR }

// SetLearningRate implements Optimizer.
func (o *RMSprop) SetLearningRate(lr float64) { o.LR = lr }

// Adam keeps bias-corrected first and second moment estimates.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	t      int
	first  slots
	second slots
}

// Step implements Optimizer.
func (o *Adam) Step(ps *qrnet.ParamSet) {
	o.t++
	b1, b2, wd := float32(o.Beta1), float32(o.Beta2), float32(o.WeightDecay)
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range ps.All() {
		m := o.first.get(p)
		v := o.second.get(p)
		for i, g := range p.Grad {
			g += wd * p.Data[i]
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mHat := float64(m[i]) / c1
			vHat := float64(v[i]) / c2
			p.Data[i] -= float32(o.LR * mHat / (math.Sqrt(vHat) + o.Eps))
		}
	}
}

// LearningRate implements Optimizer.
func (o *Adam) LearningRate() float64 { return o.LR }

// SetLearningRate implements Optimizer.
func (o *Adam) SetLearningRate(lr float64) { o.LR = lr }
