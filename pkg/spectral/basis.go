package spectral

import (
	"fmt"
	"math"
	"strings"

	"github.com/tphakala/simd/f64"
)

var nan = math.NaN()

// Normalization maps raw frequencies onto a well-conditioned interval.
// Fitting in x = (f - Center) / Scale keeps the design matrix close to
// orthogonal even for GHz frequencies and high polynomial orders.
type Normalization struct {
	Center float64
	Scale  float64
}

// NewNormalization centres freqs on their mean and scales them into [-1, 1].
func NewNormalization(freqs []float64) Normalization {
	if len(freqs) == 0 {
		return Normalization{Scale: 1}
	}

	center := f64.Sum(freqs) / float64(len(freqs))
	scale := 0.0
	for _, f := range freqs {
		if d := math.Abs(f - center); d > scale {
			scale = d
		}
	}
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	return Normalization{Center: center, Scale: scale}
}

// Apply returns the normalised coordinate of f.
func (n Normalization) Apply(f float64) float64 {
	return (f - n.Center) / n.Scale
}

// ApplyAll normalises a whole frequency vector.
func (n Normalization) ApplyAll(freqs []float64) []float64 {
	out := make([]float64, len(freqs))
	for i, f := range freqs {
		out[i] = f - n.Center
	}
	f64.Scale(out, out, 1/n.Scale)
	return out
}

// Invert maps a normalised coordinate back to a frequency.
func (n Normalization) Invert(x float64) float64 {
	return x*n.Scale + n.Center
}

// Basis selects how a channel is represented in the design matrix.
type Basis int

const (
	// BasisPoint samples each monomial at the channel centre frequency.
	BasisPoint Basis = iota

	// BasisIntegrated averages each monomial over the channel bandwidth,
	// matching how a channelised image integrates the sky spectrum.
	BasisIntegrated
)

func (b Basis) String() string {
	switch b {
	case BasisPoint:
		return "point"
	case BasisIntegrated:
		return "integrated"
	default:
		return "unknown"
	}
}

// ParseBasis converts a configuration string to a Basis.
func ParseBasis(s string) (Basis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "point", "":
		return BasisPoint, nil
	case "integrated", "band":
		return BasisIntegrated, nil
	default:
		return BasisPoint, fmt.Errorf("invalid fit basis: %s (must be 'point' or 'integrated')", s)
	}
}

// pointRow fills row with 1, x, x^2, ... x^order.
func pointRow(row []float64, x float64) {
	p := 1.0
	for j := range row {
		row[j] = p
		p *= x
	}
}

// integratedRow fills row with the mean of x^j over [lo, hi].
func integratedRow(row []float64, lo, hi float64) {
	if hi == lo {
		pointRow(row, lo)
		return
	}
	width := hi - lo
	pl, ph := lo, hi
	for j := range row {
		row[j] = (ph - pl) / (float64(j+1) * width)
		pl *= lo
		ph *= hi
	}
}
