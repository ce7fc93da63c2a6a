package spectral

import (
	"math"

	"github.com/tphakala/simd/f64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model holds the fitted coefficients of a block of pixel series, one column
// per pixel, in the fitter's normalised frequency variable.
type Model struct {
	fitter *Fitter
	coeffs *mat.Dense

	// Unstable lists the columns whose fit could not be computed.
	Unstable []int
}

// Order returns the polynomial order of the model.
func (m *Model) Order() int { return m.fitter.order }

// Pixels returns the number of fitted columns.
func (m *Model) Pixels() int {
	_, c := m.coeffs.Dims()
	return c
}

// Eval evaluates every pixel's polynomial at the target frequencies and
// returns a len(targets)×Pixels() matrix.
func (m *Model) Eval(targets []float64) *mat.Dense {
	e := m.fitter.EvalMatrix(targets)
	out := mat.NewDense(len(targets), m.Pixels(), nil)
	out.Mul(e, m.coeffs)
	return out
}

// EvalAt evaluates the polynomial of column col at frequency f.
func (m *Model) EvalAt(col int, f float64) float64 {
	basis := make([]float64, m.fitter.order+1)
	pointRow(basis, m.fitter.norm.Apply(f))
	return f64.DotProduct(basis, m.Coefficients(col))
}

// Coefficients returns the coefficients of column col in ascending powers of
// the normalised frequency.
func (m *Model) Coefficients(col int) []float64 {
	return mat.Col(nil, col, m.coeffs)
}

// PowerCoefficients returns the coefficients of column col in ascending powers
// of the raw frequency in Hz. Expanding out of the normalised variable loses
// precision quickly for high orders; use it for inspection, not evaluation.
func (m *Model) PowerCoefficients(col int) []float64 {
	a := m.Coefficients(col)
	n := len(a)
	c, s := m.fitter.norm.Center, m.fitter.norm.Scale

	out := make([]float64, n)
	for j := 0; j < n; j++ {
		// a_j * ((f - c)/s)^j expanded with the binomial theorem.
		scale := a[j] / math.Pow(s, float64(j))
		binom := 1.0
		for i := 0; i <= j; i++ {
			out[i] += scale * binom * math.Pow(-c, float64(j-i))
			binom = binom * float64(j-i) / float64(i+1)
		}
	}
	return out
}

// ResidualRMS returns the root-mean-square residual of each column of y
// against the fitted model. Weighted fits report the weighted RMS, so
// channels with zero weight do not count. Unstable columns report NaN.
func (m *Model) ResidualRMS(y *mat.Dense) []float64 {
	rows, cols := y.Dims()
	var fitted mat.Dense
	fitted.Mul(m.fitter.design, m.coeffs)
	fitted.Sub(&fitted, y)

	w := m.fitter.weights
	total := float64(rows)
	if w != nil {
		total = floats.Sum(w)
	}

	out := make([]float64, cols)
	raw := fitted.RawMatrix()
	for c := 0; c < cols; c++ {
		var ss float64
		for r := 0; r < rows; r++ {
			if w != nil && w[r] == 0 {
				continue
			}
			v := raw.Data[r*raw.Stride+c]
			if w != nil {
				v *= math.Sqrt(w[r])
			}
			ss += v * v
		}
		out[c] = math.Sqrt(ss / total)
	}
	return out
}
