// Package quantile implements the quantile-regression losses used to train
// segmentation networks that predict confidence-interval boundaries.
//
// Every loss takes the target quantile level q explicitly. A prediction map P
// is treated as per-pixel probabilities (values are not clipped), Y is the
// binary ground truth, and losses are summed over all pixels.
//
// Three families are provided:
//
//   - Pinball: the canonical asymmetric absolute-error quantile loss, used
//     for steady-state training. This is the default.
//   - Warmup: the linear surrogate -(Y-(1-q))·P, used only during the first
//     epoch(s) to avoid the pinball loss stalling at its kink.
//   - BCEqr: quantile-weighted binary cross-entropy in base 2. Deprecated;
//     kept for compatibility with older checkpoints' training recipes.
package quantile

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrLengthMismatch is returned when a prediction and a target differ in size.
var ErrLengthMismatch = errors.New("prediction and target lengths differ")

// Level is a quantile level in (0,1).
type Level float64

// Levels is an ordered set of quantile levels, one per predicted map.
type Levels []Level

// DefaultLevels returns the four levels used by the 4Q networks:
// 0.875, 0.625, 0.375, 0.125.
func DefaultLevels() Levels {
	return Levels{0.875, 0.625, 0.375, 0.125}
}

// Validate checks that there is at least one level and all are in (0,1).
func (ls Levels) Validate() error {
	if len(ls) == 0 {
		return errors.New("no quantile levels")
	}
	for i, q := range ls {
		if !(q > 0 && q < 1) {
			return errors.Errorf("quantile level %d = %g is outside (0,1)", i, float64(q))
		}
	}
	return nil
}

// Monotone reports whether the levels are strictly decreasing, the order the
// calibration bins assume.
func (ls Levels) Monotone() bool {
	for i := 1; i < len(ls); i++ {
		if ls[i] >= ls[i-1] {
			return false
		}
	}
	return true
}

// String formats the levels as a comma separated list.
func (ls Levels) String() string {
	parts := make([]string, len(ls))
	for i, q := range ls {
		parts[i] = strconv.FormatFloat(float64(q), 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseLevels parses a comma separated list such as "0.875,0.625".
func ParseLevels(s string) (Levels, error) {
	var out Levels
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "quantile level %q", part)
		}
		out = append(out, Level(v))
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkLen(p, y []float32) error {
	if len(p) != len(y) {
		return errors.Wrapf(ErrLengthMismatch, "%d vs %d", len(p), len(y))
	}
	return nil
}

// Pinball returns Σ q·|e| over pixels with e < 0 plus Σ (1-q)·|e| over
// pixels with e > 0, where e = P - Y.
func Pinball(p, y []float32, q Level) (float64, error) {
	if err := checkLen(p, y); err != nil {
		return 0, err
	}
	var under, over float64
	for i := range p {
		e := float64(p[i]) - float64(y[i])
		switch {
		case e < 0:
			under -= e
		case e > 0:
			over += e
		case e != e:
			return math.NaN(), nil
		}
	}
	return float64(q)*under + (1-float64(q))*over, nil
}

// PinballGrad writes dPinball/dP into dst. At e == 0 the subgradient 0 is
// used.
func PinballGrad(p, y []float32, q Level, dst []float32) error {
	if err := checkLen(p, y); err != nil {
		return err
	}
	if err := checkLen(p, dst); err != nil {
		return err
	}
	for i := range p {
		e := p[i] - y[i]
		switch {
		case e < 0:
			dst[i] = -float32(q)
		case e > 0:
			dst[i] = 1 - float32(q)
		default:
			dst[i] = 0
		}
	}
	return nil
}

// Warmup returns Σ -(Y - (1-q))·P. The loss is linear and unbounded below;
// it must be replaced by Pinball once the warm-up phase ends.
func Warmup(p, y []float32, q Level) (float64, error) {
	if err := checkLen(p, y); err != nil {
		return 0, err
	}
	var sum float64
	off := 1 - float64(q)
	for i := range p {
		sum -= (float64(y[i]) - off) * float64(p[i])
	}
	return sum, nil
}

// WarmupGrad writes dWarmup/dP = -(Y - (1-q)) into dst.
func WarmupGrad(p, y []float32, q Level, dst []float32) error {
	if err := checkLen(p, y); err != nil {
		return err
	}
	if err := checkLen(p, dst); err != nil {
		return err
	}
	off := 1 - float32(q)
	for i := range p {
		dst[i] = -(y[i] - off)
	}
	return nil
}

// BCEqrEps is added inside the logarithms of BCEqr so that predictions of
// exactly 0 or 1 do not produce -Inf.
const BCEqrEps = 1e-16

// BCEqr returns Σ -[q·Y·log2(P+ε) + (1-q)·(1-Y)·log2(1-P+ε)].
//
// Deprecated: use Pinball. BCEqr is the legacy quantile-weighted
// cross-entropy; its minimizer is not the q-th quantile of Y.
func BCEqr(p, y []float32, q Level) (float64, error) {
	if err := checkLen(p, y); err != nil {
		return 0, err
	}
	var sum float64
	qf := float64(q)
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])
		sum -= qf*yi*math.Log2(pi+BCEqrEps) + (1-qf)*(1-yi)*math.Log2(1-pi+BCEqrEps)
	}
	return sum, nil
}

// BCEqrGrad writes dBCEqr/dP into dst.
//
// Deprecated: use PinballGrad.
func BCEqrGrad(p, y []float32, q Level, dst []float32) error {
	if err := checkLen(p, y); err != nil {
		return err
	}
	if err := checkLen(p, dst); err != nil {
		return err
	}
	qf := float64(q)
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])
		g := -(qf*yi/(pi+BCEqrEps) - (1-qf)*(1-yi)/(1-pi+BCEqrEps)) / math.Ln2
		dst[i] = float32(g)
	}
	return nil
}
