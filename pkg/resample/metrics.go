package resample

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"smops/internal/models"
)

// ResourceError reports a memory ceiling too small for a single image row.
// It is never fatal: the run proceeds one row at a time and the error is
// returned in Metrics.Warnings for the caller to surface.
type ResourceError struct {
	RowCost     int64
	MaxMemBytes int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("memory ceiling of %d bytes is below the %d bytes needed for one row; processing one row per block",
		e.MaxMemBytes, e.RowCost)
}

// Metrics summarises one Run.
type Metrics struct {
	Stokes         models.Stokes
	InputChannels  int
	OutputChannels int
	Width          int
	Height         int

	// Frequencies is the output grid in Hz.
	Frequencies []float64

	// Order is the polynomial order actually fitted. It is below the
	// requested order when the lower-order policy had to step down, and -1
	// when no usable fit existed and every pixel was written as a sentinel.
	Order int

	// Condition is the condition number of the design matrix.
	Condition float64

	Blocks       int
	RowsPerBlock int
	BlockCost    int64

	// Workers is the number of blocks fitted concurrently. It is below
	// WorkerCount when the ceiling cannot hold one row per worker.
	Workers  int
	Degraded bool

	// UnstablePixels counts pixels written with the instability sentinel.
	UnstablePixels int64

	// ResidualMean and ResidualMax summarise the per-pixel residual RMS of
	// the fit. Both are NaN unless residual reporting was requested.
	ResidualMean float64
	ResidualMax  float64

	// Warnings holds non-fatal conditions such as *ResourceError.
	Warnings []error

	Elapsed time.Duration
}

// residualStats accumulates per-block residual summaries from many workers.
type residualStats struct {
	mu    sync.Mutex
	sum   float64
	count int
	max   float64
}

func (r *residualStats) add(rms []float64) {
	finite := make([]float64, 0, len(rms))
	for _, v := range rms {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return
	}
	mean := stat.Mean(finite, nil)
	peak := floats.Max(finite)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sum += mean * float64(len(finite))
	if r.count == 0 || peak > r.max {
		r.max = peak
	}
	r.count += len(finite)
}

func (r *residualStats) summary() (mean, peak float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return math.NaN(), math.NaN()
	}
	return r.sum / float64(r.count), r.max
}
