package resample

import (
	"errors"
	"fmt"
	"math"

	"smops/internal/models"
	"smops/pkg/grid"
	"smops/pkg/spectral"
)

// ErrConfiguration is the sentinel every ConfigurationError unwraps to.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError is a fatal problem with the parameters or the inputs,
// detected before any pixel data is processed.
type ConfigurationError struct {
	Field  string
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

// Unwrap exposes both ErrConfiguration and the underlying error.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Params holds the resampling parameters for one Stokes parameter.
type Params struct {
	// ChannelsOut is the number of output planes to produce.
	ChannelsOut int

	// PolynomialOrder is the degree of the per-pixel spectral fit.
	// It must be smaller than the number of input channels.
	PolynomialOrder int

	// Stokes selects which input channels are fitted.
	Stokes models.Stokes

	// MaxMemBytes bounds the working memory of one block.
	MaxMemBytes int64

	// WorkerCount is the number of blocks processed concurrently.
	WorkerCount int

	// Grid places the output frequencies. Nil selects the band covered by
	// the input channels.
	Grid grid.Policy

	// RefFreq anchors grids that need a reference frequency. Zero selects
	// the centre of the input band.
	RefFreq float64

	// Basis selects point or band-integrated channel sampling.
	Basis spectral.Basis

	// UseWeights weights each channel by its imaging weight sum.
	UseWeights bool

	// InstabilityPolicy decides what happens to pixels that cannot be fitted.
	InstabilityPolicy spectral.Policy

	// MaxCondition overrides the default design condition limit when positive.
	MaxCondition float64

	// ElementBytes is the size of one stored pixel value. Zero means 8.
	ElementBytes int

	// Overhead scales the per-row memory estimate. Zero selects the default.
	Overhead float64

	// ReportResiduals computes fit residual statistics for the metrics.
	ReportResiduals bool
}

// validateParams checks the parameters that do not depend on the input data.
func validateParams(p Params) error {
	if p.ChannelsOut <= 0 {
		return configErrorf("channels_out", "must be positive, got %d", p.ChannelsOut)
	}
	if p.PolynomialOrder < 0 {
		return configErrorf("polynomial_order", "must be non-negative, got %d", p.PolynomialOrder)
	}
	if p.MaxMemBytes <= 0 {
		return configErrorf("max_mem_bytes", "must be positive, got %d", p.MaxMemBytes)
	}
	if p.WorkerCount <= 0 {
		return configErrorf("worker_count", "must be positive, got %d", p.WorkerCount)
	}
	if p.ElementBytes < 0 {
		return configErrorf("element_bytes", "must not be negative, got %d", p.ElementBytes)
	}
	if p.Stokes < models.StokesI || p.Stokes > models.StokesV {
		return configErrorf("stokes", "unknown Stokes parameter %v", p.Stokes)
	}
	if p.Overhead < 0 {
		return configErrorf("overhead", "must not be negative, got %g", p.Overhead)
	}
	return nil
}

// Validate checks the parameters against the channels that will be fitted.
// channels may contain several Stokes parameters; only those matching
// p.Stokes are considered. It never touches pixel values.
func Validate(p Params, channels []models.Channel) error {
	if err := validateParams(p); err != nil {
		return err
	}

	selected := selectStokes(channels, p.Stokes)
	if len(selected) == 0 {
		return configErrorf("stokes", "no input channels for Stokes %s", p.Stokes)
	}

	ref := selected[0].Plane
	for i, ch := range selected {
		if ch.Plane == nil {
			return configErrorf("input", "channel %d (%s) has no pixel plane", i, describe(ch))
		}
		if ch.Plane.Width <= 0 || ch.Plane.Height <= 0 || len(ch.Plane.Data) != ch.Plane.Width*ch.Plane.Height {
			return configErrorf("input", "channel %d (%s) has a malformed %dx%d plane", i, describe(ch), ch.Plane.Width, ch.Plane.Height)
		}
		if ref != nil && !ch.Plane.SameShape(ref) {
			return configErrorf("input", "channel %d (%s) is %dx%d, expected %dx%d",
				i, describe(ch), ch.Plane.Width, ch.Plane.Height, ref.Width, ref.Height)
		}
		if math.IsNaN(ch.Freq) || math.IsInf(ch.Freq, 0) || ch.Freq <= 0 {
			return configErrorf("input", "channel %d (%s) has invalid frequency %g", i, describe(ch), ch.Freq)
		}
		if p.UseWeights && (ch.Weight < 0 || math.IsNaN(ch.Weight) || math.IsInf(ch.Weight, 0)) {
			return configErrorf("input", "channel %d (%s) has invalid weight %g", i, describe(ch), ch.Weight)
		}
	}

	seen := make(map[float64]int, len(selected))
	for i, ch := range selected {
		if j, dup := seen[ch.Freq]; dup {
			return configErrorf("input", "channels %d and %d share frequency %.6g Hz", j, i, ch.Freq)
		}
		seen[ch.Freq] = i
	}

	if p.PolynomialOrder >= len(selected) {
		return configErrorf("polynomial_order", "order %d needs more than %d input channels for Stokes %s",
			p.PolynomialOrder, len(selected), p.Stokes)
	}
	return nil
}

func describe(ch models.Channel) string {
	if ch.Source != "" {
		return ch.Source
	}
	return fmt.Sprintf("%.6g Hz", ch.Freq)
}
