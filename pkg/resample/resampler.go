// Package resample drives the per-pixel spectral resampling of one Stokes
// parameter: it validates the inputs, builds the output grid and the shared
// fitter, partitions the image into memory-bounded row blocks and fits the
// blocks on a pool of workers.
package resample

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"

	"smops/internal/models"
	"smops/pkg/batching"
	"smops/pkg/grid"
	"smops/pkg/spectral"
)

// ProgressCallback reports progress as blocks complete.
type ProgressCallback func(completed, total int, message string)

// Resampler fits input channels and evaluates them on a new frequency grid.
// It holds only its parameters, so one Resampler can be run any number of
// times, sequentially or concurrently.
type Resampler struct {
	params           Params
	progressCallback ProgressCallback
}

// NewResampler creates a resampler for the given parameters.
//
// Parameters:
//   - params: resampling configuration; copied, later changes have no effect
//
// Returns:
//   - A Resampler ready to Run
func NewResampler(params Params) *Resampler {
	return &Resampler{params: params}
}

// Params returns the parameters the resampler was created with.
func (r *Resampler) Params() Params { return r.params }

// SetProgressCallback sets a function that is called after every block.
func (r *Resampler) SetProgressCallback(callback ProgressCallback) {
	r.progressCallback = callback
}

func (r *Resampler) reportProgress(completed, total int, message string) {
	if r.progressCallback != nil {
		r.progressCallback(completed, total, message)
	}
}

// run is the state derived for one invocation of Run.
type run struct {
	params    Params
	channels  []models.Channel
	width     int
	height    int
	fitter    *spectral.Fitter
	fitErr    error
	targets   []float64
	sink      Sink
	unstable  atomic.Int64
	residuals residualStats
}

// Run resamples the channels of the configured Stokes parameter and streams
// the result to sink.
//
// The steps are:
//  1. Select and sort the input channels, validate them against the parameters
//  2. Build the output grid and factorise the shared design matrix
//  3. Partition the image into row blocks so that the blocks of all workers
//     together stay under the memory ceiling
//  4. Fit and evaluate the blocks on up to WorkerCount goroutines
//
// Configuration problems are reported as *ConfigurationError before any pixel
// is read. The first error raised by a worker cancels the remaining blocks.
func (r *Resampler) Run(ctx context.Context, channels []models.Channel, sink Sink) (*Metrics, error) {
	start := time.Now()
	p := r.params
	if p.ElementBytes == 0 {
		p.ElementBytes = 8
	}
	if sink == nil {
		return nil, configErrorf("sink", "no output sink")
	}

	// Step 1: select and validate
	if err := Validate(p, channels); err != nil {
		return nil, err
	}
	selected := selectStokes(channels, p.Stokes)
	slices.SortStableFunc(selected, func(a, b models.Channel) int {
		switch {
		case a.Freq < b.Freq:
			return -1
		case a.Freq > b.Freq:
			return 1
		}
		return 0
	})
	glog.Infof("Stokes %s: %d input channels from %.6g to %.6g Hz", p.Stokes, len(selected),
		selected[0].Freq, selected[len(selected)-1].Freq)

	job := &run{
		params:   p,
		channels: selected,
		width:    selected[0].Plane.Width,
		height:   selected[0].Plane.Height,
		sink:     sink,
	}

	// Step 2: output grid and fitter
	band, bandErr := inputBand(selected)
	policy := p.Grid
	if policy == nil {
		if bandErr != nil {
			return nil, bandErr
		}
		policy = band
	}
	ref := p.RefFreq
	if ref == 0 {
		ref = selected[0].Freq
		if bandErr == nil {
			ref = band.Start + band.Width/2
		}
	}
	var err error
	job.targets, err = grid.Build(policy, ref, p.ChannelsOut)
	if err != nil {
		return nil, &ConfigurationError{Field: "grid", Reason: err.Error(), Err: err}
	}
	if err := job.buildFitter(); err != nil {
		return nil, err
	}

	metrics := &Metrics{
		Stokes:         p.Stokes,
		InputChannels:  len(selected),
		OutputChannels: p.ChannelsOut,
		Width:          job.width,
		Height:         job.height,
		Frequencies:    job.targets,
		Order:          -1,
		Condition:      math.NaN(),
	}
	if job.fitter != nil {
		metrics.Order = job.fitter.Order()
		metrics.Condition = job.fitter.Condition()
	}
	if job.fitErr != nil {
		metrics.Warnings = append(metrics.Warnings, job.fitErr)
	}

	// Step 3: partition
	plan, err := batching.NewPlan(batching.Request{
		Width:          job.width,
		Height:         job.height,
		InputChannels:  len(selected),
		OutputChannels: p.ChannelsOut,
		ElementBytes:   p.ElementBytes,
		MaxMemBytes:    p.MaxMemBytes,
		Workers:        p.WorkerCount,
		Overhead:       p.Overhead,
	})
	if err != nil {
		return nil, &ConfigurationError{Field: "max_mem_bytes", Reason: err.Error(), Err: err}
	}
	metrics.Blocks = plan.NumBlocks()
	metrics.RowsPerBlock = plan.RowsPerBlock()
	metrics.BlockCost = plan.BlockCost()
	metrics.Workers = plan.Workers()
	metrics.Degraded = plan.Degraded()
	if plan.Degraded() {
		warn := &ResourceError{RowCost: plan.RowCost(), MaxMemBytes: p.MaxMemBytes}
		metrics.Warnings = append(metrics.Warnings, warn)
		glog.Warningf("Stokes %s: %v", p.Stokes, warn)
	}
	if plan.Workers() < min(p.WorkerCount, plan.NumBlocks()) {
		glog.Warningf("Stokes %s: memory ceiling of %d bytes limits the pool to %d of %d workers",
			p.Stokes, p.MaxMemBytes, plan.Workers(), p.WorkerCount)
	}
	glog.Infof("Stokes %s: %dx%d pixels in %d blocks of %d rows on %d workers (%d bytes per block)",
		p.Stokes, job.width, job.height, plan.NumBlocks(), plan.RowsPerBlock(), plan.Workers(), plan.BlockCost())

	outputs := make([]models.OutputChannel, len(job.targets))
	spacing := grid.Spacing(job.targets, band.Width)
	for i, f := range job.targets {
		outputs[i] = models.OutputChannel{Index: i, Freq: f, Width: spacing}
	}
	if err := sink.Begin(outputs, job.width, job.height); err != nil {
		return nil, fmt.Errorf("failed to prepare output: %w", err)
	}

	// Step 4: fit blocks in parallel
	if err := r.processBlocks(ctx, job, plan); err != nil {
		if a, ok := sink.(Aborter); ok {
			if abortErr := a.Abort(); abortErr != nil {
				glog.Warningf("Stokes %s: failed to discard partial output: %v", p.Stokes, abortErr)
			}
		}
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish output: %w", err)
	}

	metrics.UnstablePixels = job.unstable.Load()
	if metrics.UnstablePixels > 0 {
		glog.Warningf("Stokes %s: %d pixels could not be fitted and were written as %g",
			p.Stokes, metrics.UnstablePixels, p.InstabilityPolicy.Sentinel())
	}
	metrics.ResidualMean, metrics.ResidualMax = job.residuals.summary()
	metrics.Elapsed = time.Since(start)
	glog.Infof("Stokes %s: resampled to %d channels in %v", p.Stokes, p.ChannelsOut, metrics.Elapsed)
	return metrics, nil
}

// buildFitter factorises the design for the sorted input frequencies. Under
// the NaN and zero policies an unusable design leaves fitter nil, and every
// pixel receives the sentinel.
func (j *run) buildFitter() error {
	p := j.params
	m := len(j.channels)
	freqs := make([]float64, m)
	widths := make([]float64, m)
	var weights []float64
	if p.UseWeights {
		weights = make([]float64, m)
	}
	for i, ch := range j.channels {
		freqs[i] = ch.Freq
		widths[i] = ch.Width
		if weights != nil {
			weights[i] = ch.Weight
		}
	}

	opts := spectral.Options{
		Basis:        p.Basis,
		Widths:       widths,
		Weights:      weights,
		MaxCondition: p.MaxCondition,
	}
	fitter, err := spectral.NewFitterWithPolicy(freqs, p.PolynomialOrder, opts, p.InstabilityPolicy)
	if err == nil {
		if fitter.Order() < p.PolynomialOrder {
			glog.Warningf("Stokes %s: order %d is ill-conditioned, fitting order %d instead",
				p.Stokes, p.PolynomialOrder, fitter.Order())
		}
		j.fitter = fitter
		return nil
	}

	var under *spectral.UnderdeterminedFitError
	if errors.As(err, &under) {
		return &ConfigurationError{Field: "polynomial_order", Reason: err.Error(), Err: err}
	}
	var instab *spectral.NumericalInstabilityError
	if !errors.As(err, &instab) {
		return &ConfigurationError{Field: "input", Reason: err.Error(), Err: err}
	}
	instab.Location = &spectral.Location{Stokes: p.Stokes.String(), Block: -1, Row: -1, Col: -1}
	switch p.InstabilityPolicy {
	case spectral.PolicyNaN, spectral.PolicyZero:
		glog.Warningf("Stokes %s: %v; writing %g for every pixel", p.Stokes, instab, p.InstabilityPolicy.Sentinel())
		j.fitErr = instab
		return nil
	default:
		return instab
	}
}

// processBlocks feeds the plan to plan.Workers() workers and waits for them.
func (r *Resampler) processBlocks(ctx context.Context, job *run, plan *batching.Plan) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	total := plan.NumBlocks()
	var completed atomic.Int64
	blocks := make(chan batching.Block)

	var wg sync.WaitGroup
	for w := 0; w < plan.Workers(); w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for b := range blocks {
				if ctx.Err() != nil {
					continue
				}
				if err := job.processBlock(b); err != nil {
					fail(err)
					continue
				}
				done := int(completed.Add(1))
				if glog.V(1) {
					glog.Infof("Stokes %s: worker %d finished %s (%d/%d)", job.params.Stokes, workerID, b, done, total)
				}
				r.reportProgress(done, total, fmt.Sprintf("Stokes %s %s", job.params.Stokes, b))
			}
		}(w)
	}

feed:
	for b := range plan.Blocks() {
		select {
		case blocks <- b:
		case <-ctx.Done():
			break feed
		}
	}
	close(blocks)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resampling Stokes %s interrupted: %w", job.params.Stokes, err)
	}
	return nil
}

// processBlock stages one block into an m×p matrix, fits it and hands the
// n output row ranges to the sink.
func (j *run) processBlock(b batching.Block) error {
	p := j.params
	pixels := b.Pixels(j.width)
	n := len(j.targets)

	var out *mat.Dense
	if j.fitter == nil {
		out = mat.NewDense(n, pixels, nil)
		fillSentinel(out, p.InstabilityPolicy.Sentinel())
		j.unstable.Add(int64(pixels))
	} else {
		y := mat.NewDense(len(j.channels), pixels, nil)
		for i, ch := range j.channels {
			copy(y.RawRowView(i), ch.Plane.Rows(b.RowStart, b.RowEnd))
		}

		var (
			model *spectral.Model
			err   error
		)
		out, model, err = j.fitter.Resample(y, j.targets)
		if err != nil {
			return fmt.Errorf("Stokes %s %s: %w", p.Stokes, b, err)
		}
		if len(model.Unstable) > 0 {
			if err := j.handleUnstable(b, out, model.Unstable); err != nil {
				return err
			}
		}
		if p.ReportResiduals {
			j.residuals.add(model.ResidualRMS(y))
		}
	}

	rows := make([][]float64, n)
	for k := range rows {
		rows[k] = out.RawRowView(k)
	}
	if err := j.sink.WriteBlock(b, rows); err != nil {
		return fmt.Errorf("Stokes %s %s: failed to write output: %w", p.Stokes, b, err)
	}
	return nil
}

// handleUnstable applies the instability policy to the listed columns of out.
func (j *run) handleUnstable(b batching.Block, out *mat.Dense, cols []int) error {
	p := j.params
	if p.InstabilityPolicy == spectral.PolicyFail {
		c := cols[0]
		return &spectral.NumericalInstabilityError{
			Order:     j.fitter.Order(),
			Condition: j.fitter.Condition(),
			Column:    c,
			Reason:    "non-finite input samples",
			Location: &spectral.Location{
				Stokes: p.Stokes.String(),
				Block:  b.Index,
				Row:    b.RowStart + c/j.width,
				Col:    c % j.width,
			},
		}
	}

	sentinel := p.InstabilityPolicy.Sentinel()
	n, _ := out.Dims()
	for _, c := range cols {
		for k := 0; k < n; k++ {
			out.Set(k, c, sentinel)
		}
		if glog.V(2) {
			glog.Infof("Stokes %s: unstable pixel (row %d, col %d)", p.Stokes, b.RowStart+c/j.width, c%j.width)
		}
	}
	j.unstable.Add(int64(len(cols)))
	return nil
}

func fillSentinel(m *mat.Dense, v float64) {
	raw := m.RawMatrix()
	for r := 0; r < raw.Rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
		for i := range row {
			row[i] = v
		}
	}
}

// selectStokes returns a copy of the channels carrying stokes.
func selectStokes(channels []models.Channel, stokes models.Stokes) []models.Channel {
	var out []models.Channel
	for _, ch := range channels {
		if ch.Stokes == stokes {
			out = append(out, ch)
		}
	}
	return out
}

// inputBand returns the band covered by the channels.
func inputBand(channels []models.Channel) (grid.Band, error) {
	freqs, widths := make([]float64, len(channels)), make([]float64, len(channels))
	for i, ch := range channels {
		freqs[i], widths[i] = ch.Freq, ch.Width
	}
	band, err := grid.ChannelBand(freqs, widths)
	if err != nil {
		return grid.Band{}, &ConfigurationError{Field: "input", Reason: err.Error(), Err: err}
	}
	return band, nil
}
