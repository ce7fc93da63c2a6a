// Package grid builds the output frequency grid that fitted spectra are
// evaluated on. The spacing rule is a Policy chosen by configuration; the
// package only guarantees that the result has the requested length and is
// strictly increasing.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidGrid is returned when a policy cannot produce a usable grid.
var ErrInvalidGrid = errors.New("invalid output frequency grid")

// Policy produces n output frequencies anchored on a reference frequency.
// Policies that do not need the reference frequency ignore it.
type Policy interface {
	Frequencies(ref float64, n int) ([]float64, error)
	Name() string
}

// Band splits [Start, Start+Width] into n equal channels and returns their
// centres. This is the convention used for WSClean-style channelised images.
type Band struct {
	Start float64
	Width float64
}

// BandFromChannels derives the band covered by input channels whose centre
// frequencies run from first to last with channel width cdelt.
func BandFromChannels(first, last, cdelt float64) Band {
	half := cdelt / 2
	start := first - half
	return Band{Start: start, Width: (last + half) - start}
}

// ChannelBand derives the band covered by input channels with centre
// frequencies freqs and recorded widths, in any order. The channel width is
// the recorded width of the lowest channel; when that is missing the mean
// spacing of the channels is used instead. widths may be nil.
func ChannelBand(freqs, widths []float64) (Band, error) {
	if len(freqs) == 0 {
		return Band{}, fmt.Errorf("%w: no input channels", ErrInvalidGrid)
	}
	lowest := floats.MinIdx(freqs)
	first, last := freqs[lowest], floats.Max(freqs)
	cdelt := 0.0
	if lowest < len(widths) {
		cdelt = widths[lowest]
	}
	if cdelt <= 0 && len(freqs) > 1 {
		cdelt = (last - first) / float64(len(freqs)-1)
	}
	if cdelt <= 0 || math.IsNaN(cdelt) || math.IsInf(cdelt, 0) {
		return Band{}, fmt.Errorf("%w: cannot derive a channel width from %d channel(s) without a recorded width", ErrInvalidGrid, len(freqs))
	}
	return BandFromChannels(first, last, cdelt), nil
}

// Frequencies implements Policy.
func (b Band) Frequencies(_ float64, n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive (got %d)", ErrInvalidGrid, n)
	}
	if b.Width <= 0 {
		return nil, fmt.Errorf("%w: band width must be positive (got %g)", ErrInvalidGrid, b.Width)
	}
	cdelt := b.Width / float64(n)
	out := make([]float64, n)
	for i := range out {
		out[i] = b.Start + cdelt/2 + float64(i)*cdelt
	}
	return out, nil
}

// Name implements Policy.
func (b Band) Name() string { return "band" }

// Linspace places n frequencies evenly from Low to High inclusive.
type Linspace struct {
	Low  float64
	High float64
}

// Frequencies implements Policy.
func (l Linspace) Frequencies(_ float64, n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive (got %d)", ErrInvalidGrid, n)
	}
	if l.High <= l.Low {
		return nil, fmt.Errorf("%w: linspace needs low < high (got %g, %g)", ErrInvalidGrid, l.Low, l.High)
	}
	if n == 1 {
		return []float64{(l.Low + l.High) / 2}, nil
	}
	return floats.Span(make([]float64, n), l.Low, l.High), nil
}

// Name implements Policy.
func (l Linspace) Name() string { return "linspace" }

// Centered is a band of the given width centred on the reference frequency.
type Centered struct {
	Bandwidth float64
}

// Frequencies implements Policy.
func (c Centered) Frequencies(ref float64, n int) ([]float64, error) {
	if ref <= 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
		return nil, fmt.Errorf("%w: centered grid needs a positive reference frequency (got %g)", ErrInvalidGrid, ref)
	}
	return Band{Start: ref - c.Bandwidth/2, Width: c.Bandwidth}.Frequencies(ref, n)
}

// Name implements Policy.
func (c Centered) Name() string { return "centered" }

// Build runs policy and checks that the grid has exactly n finite, strictly
// increasing frequencies.
func Build(policy Policy, ref float64, n int) ([]float64, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: no grid policy configured", ErrInvalidGrid)
	}
	freqs, err := policy.Frequencies(ref, n)
	if err != nil {
		return nil, err
	}
	if len(freqs) != n {
		return nil, fmt.Errorf("%w: %s policy produced %d frequencies, want %d", ErrInvalidGrid, policy.Name(), len(freqs), n)
	}
	for i, f := range freqs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: frequency %d is not finite", ErrInvalidGrid, i)
		}
		if i > 0 && f <= freqs[i-1] {
			return nil, fmt.Errorf("%w: frequencies not strictly increasing at index %d (%g <= %g)", ErrInvalidGrid, i, f, freqs[i-1])
		}
	}
	return freqs, nil
}

// Spacing returns the channel width of a grid: the mean separation of
// adjacent frequencies, or fallback for a single-channel grid.
func Spacing(freqs []float64, fallback float64) float64 {
	if len(freqs) < 2 {
		return fallback
	}
	return (freqs[len(freqs)-1] - freqs[0]) / float64(len(freqs)-1)
}

// Spec is the serialisable description of a policy.
type Spec struct {
	// Policy is one of "band", "linspace" or "centered".
	Policy string

	// Low and High bound a linspace grid, or override the band edges for
	// a band grid when both are set.
	Low, High float64

	// Bandwidth is the width of a centered grid.
	Bandwidth float64
}

// ParsePolicy resolves a Spec into a Policy. inputBand is used by the band
// policy when spec carries no explicit edges.
func ParsePolicy(spec Spec, inputBand Band) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Policy)) {
	case "band", "":
		if spec.High > spec.Low {
			return Band{Start: spec.Low, Width: spec.High - spec.Low}, nil
		}
		return inputBand, nil
	case "linspace":
		return Linspace{Low: spec.Low, High: spec.High}, nil
	case "centered", "centred":
		if spec.Bandwidth <= 0 {
			return Centered{Bandwidth: inputBand.Width}, nil
		}
		return Centered{Bandwidth: spec.Bandwidth}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q (must be 'band', 'linspace' or 'centered')", ErrInvalidGrid, spec.Policy)
	}
}
