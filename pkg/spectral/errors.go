package spectral

import (
	"fmt"
	"strings"
)

// UnderdeterminedFitError is returned when a series has fewer usable samples
// than the polynomial has coefficients.
type UnderdeterminedFitError struct {
	Samples int
	Order   int
}

func (e *UnderdeterminedFitError) Error() string {
	return fmt.Sprintf("underdetermined fit: %d samples cannot constrain a polynomial of order %d (need at least %d)",
		e.Samples, e.Order, e.Order+1)
}

// NumericalInstabilityError reports a fit that could not be solved reliably.
//
// Column is -1 when the shared design matrix itself is ill-conditioned, in
// which case every pixel fitted against it is affected. Otherwise it names the
// intensity column (pixel) whose samples made the fit unusable.
type NumericalInstabilityError struct {
	Order     int
	Condition float64
	Column    int
	Reason    string

	// Location is filled in by callers that know where the column came from.
	Location *Location
}

// Location pins a pixel series to its place in the image.
type Location struct {
	Stokes string
	Block  int
	Row    int
	Col    int
}

func (e *NumericalInstabilityError) Error() string {
	var b strings.Builder
	b.WriteString("numerical instability")
	if e.Column < 0 {
		fmt.Fprintf(&b, " in order-%d design (condition %.3g)", e.Order, e.Condition)
	} else {
		fmt.Fprintf(&b, " in column %d", e.Column)
	}
	if e.Location != nil {
		fmt.Fprintf(&b, " at Stokes %s block %d pixel (row %d, col %d)",
			e.Location.Stokes, e.Location.Block, e.Location.Row, e.Location.Col)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Policy selects how unstable fits are handled.
type Policy int

const (
	// PolicyFail turns any instability into a fatal error.
	PolicyFail Policy = iota

	// PolicyNaN writes NaN for affected pixels and continues.
	PolicyNaN

	// PolicyZero writes zero for affected pixels and continues.
	PolicyZero

	// PolicyLowerOrder retries an ill-conditioned design at decreasing order.
	// Individual pixels that still cannot be fitted are written as NaN.
	PolicyLowerOrder
)

func (p Policy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyNaN:
		return "nan"
	case PolicyZero:
		return "zero"
	case PolicyLowerOrder:
		return "lower-order"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "":
		return PolicyFail, nil
	case "nan":
		return PolicyNaN, nil
	case "zero":
		return PolicyZero, nil
	case "lower-order", "lower":
		return PolicyLowerOrder, nil
	default:
		return PolicyFail, fmt.Errorf("invalid instability policy: %s (must be 'fail', 'nan', 'zero' or 'lower-order')", s)
	}
}

// Sentinel returns the value written for an unstable pixel under p.
func (p Policy) Sentinel() float64 {
	if p == PolicyZero {
		return 0
	}
	return nan
}
