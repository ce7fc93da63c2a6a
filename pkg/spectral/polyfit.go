// Package spectral fits low-order polynomials in frequency to many pixel
// series at once and evaluates them on a new frequency grid.
//
// All pixels of an image share the same input frequencies, so the design
// matrix is factorised once per Fitter and every block of pixels is fitted
// with a single matrix product. Intensities are passed as an m×p matrix with
// one row per input channel and one column per pixel.
package spectral

import (
	"errors"
	"fmt"
	"math"

	"github.com/tphakala/simd/f64"
	"gonum.org/v1/gonum/mat"
)

// DefaultMaxCondition is the largest design condition number accepted
// before a fit is reported as numerically unstable.
const DefaultMaxCondition = 1e12

// Options tunes how the design matrix is built.
type Options struct {
	// Basis selects point or band-integrated sampling of the monomials.
	Basis Basis

	// Widths holds the bandwidth of each input channel in Hz. Only used by
	// BasisIntegrated; a nil slice or zero entries fall back to point sampling.
	Widths []float64

	// Weights holds a non-negative weight per input channel. Nil, or all
	// zero, means an unweighted fit.
	Weights []float64

	// MaxCondition overrides DefaultMaxCondition when positive.
	MaxCondition float64
}

// Fitter holds the factorised least-squares problem for one set of input
// frequencies. It is immutable after construction and safe for concurrent use.
type Fitter struct {
	order int
	freqs []float64
	norm  Normalization

	// design is the unweighted m×(order+1) design matrix.
	design *mat.Dense

	// solve maps intensities to coefficients: C = solve · Y.
	// Channel weights are folded into its columns.
	solve *mat.Dense

	// weights is nil for an unweighted fit.
	weights []float64

	cond float64
}

// NewFitter factorises the design matrix for the given input frequencies.
func NewFitter(freqs []float64, order int, opts Options) (*Fitter, error) {
	if order < 0 {
		return nil, fmt.Errorf("polynomial order must be non-negative, got %d", order)
	}
	m := len(freqs)
	if opts.Widths != nil && len(opts.Widths) != m {
		return nil, fmt.Errorf("got %d channel widths for %d frequencies", len(opts.Widths), m)
	}
	if opts.Weights != nil && len(opts.Weights) != m {
		return nil, fmt.Errorf("got %d channel weights for %d frequencies", len(opts.Weights), m)
	}
	for i, f := range freqs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("frequency %d is not finite", i)
		}
	}

	sqrtW, err := rootWeights(opts.Weights, m)
	if err != nil {
		return nil, err
	}
	usable := m
	if sqrtW != nil {
		usable = 0
		for _, w := range sqrtW {
			if w > 0 {
				usable++
			}
		}
	}
	if usable < order+1 {
		return nil, &UnderdeterminedFitError{Samples: usable, Order: order}
	}

	maxCond := opts.MaxCondition
	if maxCond <= 0 {
		maxCond = DefaultMaxCondition
	}

	norm := NewNormalization(freqs)
	ncoef := order + 1
	design := mat.NewDense(m, ncoef, nil)
	for i, f := range freqs {
		row := design.RawRowView(i)
		width := 0.0
		if opts.Basis == BasisIntegrated && opts.Widths != nil {
			width = opts.Widths[i]
		}
		if width > 0 {
			integratedRow(row, norm.Apply(f-width/2), norm.Apply(f+width/2))
		} else {
			pointRow(row, norm.Apply(f))
		}
	}

	weighted := design
	if sqrtW != nil {
		weighted = mat.DenseCopyOf(design)
		for i, w := range sqrtW {
			row := weighted.RawRowView(i)
			f64.Scale(row, row, w)
		}
	}

	var qr mat.QR
	qr.Factorize(weighted)
	cond := qr.Cond()
	if math.IsNaN(cond) || cond > maxCond {
		return nil, &NumericalInstabilityError{
			Order:     order,
			Condition: cond,
			Column:    -1,
			Reason:    fmt.Sprintf("condition number exceeds %.3g", maxCond),
		}
	}

	// Solving against the identity yields the least-squares pseudo-inverse,
	// so per-block fits need no further factorisation.
	eye := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		eye.Set(i, i, 1)
	}
	solve := mat.NewDense(ncoef, m, nil)
	if err := qr.SolveTo(solve, false, eye); err != nil {
		var c mat.Condition
		if errors.As(err, &c) {
			return nil, &NumericalInstabilityError{
				Order:     order,
				Condition: float64(c),
				Column:    -1,
				Reason:    "design matrix is singular",
			}
		}
		return nil, fmt.Errorf("least-squares solve failed: %w", err)
	}
	if sqrtW != nil {
		for i, w := range sqrtW {
			for j := 0; j < ncoef; j++ {
				solve.Set(j, i, solve.At(j, i)*w)
			}
		}
	}

	var weights []float64
	if sqrtW != nil {
		weights = append([]float64(nil), opts.Weights...)
	}

	return &Fitter{
		order:   order,
		freqs:   append([]float64(nil), freqs...),
		norm:    norm,
		design:  design,
		solve:   solve,
		weights: weights,
		cond:    cond,
	}, nil
}

// NewFitterWithPolicy is NewFitter with the lower-order fallback applied:
// under PolicyLowerOrder an ill-conditioned design is retried at order-1,
// order-2, ... down to 0. Other policies return the first error unchanged.
func NewFitterWithPolicy(freqs []float64, order int, opts Options, policy Policy) (*Fitter, error) {
	f, err := NewFitter(freqs, order, opts)
	if err == nil || policy != PolicyLowerOrder {
		return f, err
	}

	var instab *NumericalInstabilityError
	for o := order - 1; o >= 0 && errors.As(err, &instab); o-- {
		f, err = NewFitter(freqs, o, opts)
		if err == nil {
			return f, nil
		}
	}
	return nil, err
}

// rootWeights validates per-channel weights and returns their square roots,
// or nil for an unweighted fit.
func rootWeights(weights []float64, m int) ([]float64, error) {
	if weights == nil {
		return nil, nil
	}
	positive := false
	out := make([]float64, m)
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight %d is invalid: %v", i, w)
		}
		if w > 0 {
			positive = true
		}
		out[i] = math.Sqrt(w)
	}
	if !positive {
		return nil, nil
	}
	return out, nil
}

// Order returns the polynomial order actually used by the fitter.
func (f *Fitter) Order() int { return f.order }

// Frequencies returns the input frequencies the fitter was built for.
func (f *Fitter) Frequencies() []float64 { return f.freqs }

// Normalization returns the frequency normalisation used by the fit.
func (f *Fitter) Normalization() Normalization { return f.norm }

// Condition returns the condition number of the (weighted) design matrix.
func (f *Fitter) Condition() float64 { return f.cond }

// Fit solves the least-squares problem for every column of y at once.
// y must have one row per input frequency. Columns containing non-finite
// samples are listed in Model.Unstable and carry NaN coefficients.
func (f *Fitter) Fit(y *mat.Dense) (*Model, error) {
	rows, cols := y.Dims()
	if rows != len(f.freqs) {
		return nil, fmt.Errorf("intensity matrix has %d rows, expected %d channels", rows, len(f.freqs))
	}
	if cols == 0 {
		return nil, fmt.Errorf("intensity matrix has no pixel columns")
	}

	coeffs := mat.NewDense(f.order+1, cols, nil)
	coeffs.Mul(f.solve, y)

	// A NaN or Inf sample only contaminates its own column of the product.
	var unstable []int
	raw := coeffs.RawMatrix()
	for c := 0; c < cols; c++ {
		bad := false
		for j := 0; j < raw.Rows; j++ {
			v := raw.Data[j*raw.Stride+c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				bad = true
				break
			}
		}
		if !bad {
			continue
		}
		unstable = append(unstable, c)
		for j := 0; j < raw.Rows; j++ {
			raw.Data[j*raw.Stride+c] = nan
		}
	}

	return &Model{fitter: f, coeffs: coeffs, Unstable: unstable}, nil
}

// Resample fits y and evaluates the result at targets in one call,
// returning an len(targets)×p matrix.
func (f *Fitter) Resample(y *mat.Dense, targets []float64) (*mat.Dense, *Model, error) {
	model, err := f.Fit(y)
	if err != nil {
		return nil, nil, err
	}
	return model.Eval(targets), model, nil
}

// EvalMatrix returns the n×(order+1) point basis at the given frequencies.
func (f *Fitter) EvalMatrix(targets []float64) *mat.Dense {
	e := mat.NewDense(len(targets), f.order+1, nil)
	for i, t := range targets {
		pointRow(e.RawRowView(i), f.norm.Apply(t))
	}
	return e
}

// FitSeries fits a single pixel series with an unweighted point basis.
func FitSeries(freqs, values []float64, order int) (*Model, error) {
	if len(freqs) != len(values) {
		return nil, fmt.Errorf("got %d values for %d frequencies", len(values), len(freqs))
	}
	f, err := NewFitter(freqs, order, Options{})
	if err != nil {
		return nil, err
	}
	y := mat.NewDense(len(values), 1, append([]float64(nil), values...))
	return f.Fit(y)
}
