package resample

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smops/internal/models"
	"smops/pkg/batching"
	"smops/pkg/grid"
	"smops/pkg/spectral"
)

const mhz = 1e6

// makeChannels builds one channel per frequency with pixel values from fn.
func makeChannels(freqs []float64, width, height int, stokes models.Stokes, fn func(f float64, x, y int) float64) []models.Channel {
	out := make([]models.Channel, len(freqs))
	for i, f := range freqs {
		plane := models.NewPlane(width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				plane.Set(x, y, fn(f, x, y))
			}
		}
		out[i] = models.Channel{Freq: f, Stokes: stokes, Plane: plane}
	}
	return out
}

// quadratic gives every pixel its own curve in GHz.
func quadratic(f float64, x, y int) float64 {
	g := f / 1e9
	return float64(x+1) + float64(y)*g - 0.5*float64(x-y)*g*g
}

func baseParams() Params {
	return Params{
		ChannelsOut:     8,
		PolynomialOrder: 2,
		Stokes:          models.StokesI,
		MaxMemBytes:     1 << 30,
		WorkerCount:     2,
	}
}

func runToPlanes(t *testing.T, p Params, channels []models.Channel) (*PlaneSink, *Metrics) {
	t.Helper()
	sink := &PlaneSink{}
	metrics, err := NewResampler(p).Run(context.Background(), channels, sink)
	require.NoError(t, err)
	require.True(t, sink.Closed)
	return sink, metrics
}

func TestLinearSpectrumOnUniformGrid(t *testing.T) {
	freqs := []float64{100 * mhz, 200 * mhz, 300 * mhz, 400 * mhz}
	channels := makeChannels(freqs, 5, 3, models.StokesI, func(f float64, _, _ int) float64 {
		return 2*f + 1
	})

	p := baseParams()
	p.PolynomialOrder = 1
	p.ChannelsOut = 16
	p.Grid = grid.Linspace{Low: 100 * mhz, High: 400 * mhz}

	sink, metrics := runToPlanes(t, p, channels)
	require.Len(t, sink.Planes, 16)
	assert.Equal(t, 1, metrics.Order)
	assert.Equal(t, int64(0), metrics.UnstablePixels)

	for k, out := range sink.Outputs {
		assert.Equal(t, k, out.Index)
		want := 2*out.Freq + 1
		for _, v := range sink.Planes[k].Data {
			assert.InEpsilon(t, want, v, 1e-9)
		}
	}
	assert.InDelta(t, 100*mhz, sink.Outputs[0].Freq, 1e-3)
	assert.InDelta(t, 400*mhz, sink.Outputs[15].Freq, 1e-3)
	assert.InDelta(t, 20*mhz, sink.Outputs[0].Width, 1e-3)
}

func TestOutputShape(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	channels := makeChannels(freqs, 7, 4, models.StokesI, quadratic)

	sink, metrics := runToPlanes(t, baseParams(), channels)
	require.Len(t, sink.Planes, 8)
	require.Len(t, metrics.Frequencies, 8)
	for _, plane := range sink.Planes {
		assert.Equal(t, 7, plane.Width)
		assert.Equal(t, 4, plane.Height)
		assert.Len(t, plane.Data, 28)
	}
	for i := 1; i < len(metrics.Frequencies); i++ {
		assert.Greater(t, metrics.Frequencies[i], metrics.Frequencies[i-1])
	}
}

func TestDefaultGridIsInputBand(t *testing.T) {
	freqs := []float64{100 * mhz, 200 * mhz, 300 * mhz, 400 * mhz}
	channels := makeChannels(freqs, 2, 2, models.StokesI, func(f float64, _, _ int) float64 { return f / mhz })

	p := baseParams()
	p.PolynomialOrder = 1
	p.ChannelsOut = 4

	sink, _ := runToPlanes(t, p, channels)
	for k, want := range freqs {
		assert.InDelta(t, want, sink.Outputs[k].Freq, 1e-3)
		assert.InDelta(t, want/mhz, sink.Planes[k].At(1, 1), 1e-9)
	}
}

func TestDefaultGridUsesMeanSpacingWithoutWidths(t *testing.T) {
	freqs := []float64{100 * mhz, 110 * mhz, 190 * mhz}
	channels := makeChannels(freqs, 2, 2, models.StokesI, func(f float64, _, _ int) float64 { return f / mhz })

	p := baseParams()
	p.PolynomialOrder = 1
	p.ChannelsOut = 4

	_, metrics := runToPlanes(t, p, channels)
	want, err := grid.Build(grid.BandFromChannels(100*mhz, 190*mhz, 30*mhz), 0, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, metrics.Frequencies, 1e-3)
}

func TestRecoversPolynomialAtTargets(t *testing.T) {
	freqs := []float64{1.0e9, 1.15e9, 1.3e9, 1.45e9, 1.6e9, 1.75e9}
	channels := makeChannels(freqs, 6, 5, models.StokesI, quadratic)

	sink, _ := runToPlanes(t, baseParams(), channels)
	for k, out := range sink.Outputs {
		plane := sink.Planes[k]
		for y := 0; y < plane.Height; y++ {
			for x := 0; x < plane.Width; x++ {
				assert.InDelta(t, quadratic(out.Freq, x, y), plane.At(x, y), 1e-9)
			}
		}
	}
}

func TestIntegratedBasisRecoversPointSpectrum(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	const width = 1e8

	// Each channel holds the band average of the quadratic over its width,
	// which adds (w/1GHz)^2/12 to the g^2 term.
	bandAverage := func(f float64, x, y int) float64 {
		return quadratic(f, x, y) - 0.5*float64(x-y)*(width/1e9)*(width/1e9)/12
	}
	channels := makeChannels(freqs, 4, 3, models.StokesI, bandAverage)
	for i := range channels {
		channels[i].Width = width
	}

	p := baseParams()
	p.Basis = spectral.BasisIntegrated
	sink, _ := runToPlanes(t, p, channels)
	for k, out := range sink.Outputs {
		plane := sink.Planes[k]
		for y := 0; y < plane.Height; y++ {
			for x := 0; x < plane.Width; x++ {
				assert.InDelta(t, quadratic(out.Freq, x, y), plane.At(x, y), 1e-9, "channel %d pixel (%d,%d)", k, x, y)
			}
		}
	}

	// A point basis reads the band averages as point samples and keeps the bias.
	p.Basis = spectral.BasisPoint
	point, _ := runToPlanes(t, p, channels)
	assert.InDelta(t, bandAverage(point.Outputs[0].Freq, 3, 0), point.Planes[0].At(3, 0), 1e-9)
}

func TestWeightsExcludeZeroWeightChannels(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9, 1.5e9}
	channels := makeChannels(freqs, 5, 4, models.StokesI, quadratic)
	for i := range channels {
		channels[i].Weight = float64(i + 1)
	}
	// Corrupt one channel and give it no weight.
	channels[3].Weight = 0
	for i := range channels[3].Plane.Data {
		channels[3].Plane.Data[i] = 1e6
	}

	p := baseParams()
	p.UseWeights = true
	p.ReportResiduals = true
	sink, metrics := runToPlanes(t, p, channels)
	for k, out := range sink.Outputs {
		plane := sink.Planes[k]
		for y := 0; y < plane.Height; y++ {
			for x := 0; x < plane.Width; x++ {
				assert.InDelta(t, quadratic(out.Freq, x, y), plane.At(x, y), 1e-6, "channel %d pixel (%d,%d)", k, x, y)
			}
		}
	}
	assert.InDelta(t, 0, metrics.ResidualMax, 1e-6)

	// Unweighted, the corrupt channel drags the fit away.
	p.UseWeights = false
	unweighted, _ := runToPlanes(t, p, channels)
	assert.Greater(t, math.Abs(unweighted.Planes[0].At(0, 0)-quadratic(unweighted.Outputs[0].Freq, 0, 0)), 1.0)
}

func TestBatchSizeDoesNotChangeOutput(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	channels := makeChannels(freqs, 9, 11, models.StokesI, quadratic)

	var reference *PlaneSink
	for _, mem := range []int64{1, 6000, 9000, 1 << 30} {
		p := baseParams()
		p.MaxMemBytes = mem
		sink, metrics := runToPlanes(t, p, channels)
		if reference == nil {
			reference = sink
			assert.Equal(t, 11, metrics.Blocks)
			continue
		}
		for k := range sink.Planes {
			assert.InDeltaSlice(t, reference.Planes[k].Data, sink.Planes[k].Data, 1e-12, "mem=%d channel=%d", mem, k)
		}
	}
}

func TestWorkerCountDoesNotChangeOutput(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	channels := makeChannels(freqs, 8, 16, models.StokesI, quadratic)

	p := baseParams()
	p.MaxMemBytes = 3000
	p.WorkerCount = 1
	serial, _ := runToPlanes(t, p, channels)

	for _, workers := range []int{2, 3, 8} {
		p.WorkerCount = workers
		parallel, _ := runToPlanes(t, p, channels)
		for k := range serial.Planes {
			assert.Equal(t, serial.Planes[k].Data, parallel.Planes[k].Data, "workers=%d channel=%d", workers, k)
		}
	}
}

func TestUnsortedInputIsSortedByFrequency(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9}
	sorted := makeChannels(freqs, 3, 3, models.StokesI, quadratic)
	shuffled := []models.Channel{sorted[2], sorted[0], sorted[3], sorted[1]}

	a, _ := runToPlanes(t, baseParams(), sorted)
	b, _ := runToPlanes(t, baseParams(), shuffled)
	for k := range a.Planes {
		assert.InDeltaSlice(t, a.Planes[k].Data, b.Planes[k].Data, 1e-12)
	}
}

func TestSelectsRequestedStokes(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9}
	channels := makeChannels(freqs, 2, 2, models.StokesI, func(float64, int, int) float64 { return 1 })
	channels = append(channels, makeChannels(freqs, 2, 2, models.StokesQ, func(float64, int, int) float64 { return -3 })...)

	p := baseParams()
	p.PolynomialOrder = 1
	p.Stokes = models.StokesQ
	sink, metrics := runToPlanes(t, p, channels)
	assert.Equal(t, models.StokesQ, metrics.Stokes)
	assert.Equal(t, 3, metrics.InputChannels)
	for _, plane := range sink.Planes {
		for _, v := range plane.Data {
			assert.InDelta(t, -3, v, 1e-12)
		}
	}
}

func TestConfigurationErrorsBeforeData(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9}

	tests := []struct {
		name     string
		params   func(*Params)
		channels func() []models.Channel
	}{
		{
			name:   "order equals channel count",
			params: func(p *Params) { p.PolynomialOrder = 4 },
		},
		{
			name:   "order above channel count",
			params: func(p *Params) { p.PolynomialOrder = 9 },
		},
		{
			name:   "zero channels out",
			params: func(p *Params) { p.ChannelsOut = 0 },
		},
		{
			name:   "negative memory",
			params: func(p *Params) { p.MaxMemBytes = -1 },
		},
		{
			name:   "zero workers",
			params: func(p *Params) { p.WorkerCount = 0 },
		},
		{
			name:   "stokes absent",
			params: func(p *Params) { p.Stokes = models.StokesV },
		},
		{
			name: "mismatched dimensions",
			channels: func() []models.Channel {
				chs := makeChannels(freqs, 4, 4, models.StokesI, quadratic)
				chs[2].Plane = models.NewPlane(4, 5)
				return chs
			},
		},
		{
			name: "missing plane",
			channels: func() []models.Channel {
				chs := makeChannels(freqs, 4, 4, models.StokesI, quadratic)
				chs[1].Plane = nil
				return chs
			},
		},
		{
			name: "duplicate frequency",
			channels: func() []models.Channel {
				chs := makeChannels(freqs, 4, 4, models.StokesI, quadratic)
				chs[3].Freq = chs[0].Freq
				return chs
			},
		},
		{
			name:   "empty grid",
			params: func(p *Params) { p.Grid = grid.Linspace{Low: 2, High: 1} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			if tt.params != nil {
				tt.params(&p)
			}
			channels := makeChannels(freqs, 4, 4, models.StokesI, quadratic)
			if tt.channels != nil {
				channels = tt.channels()
			}

			sink := &recordingSink{}
			_, err := NewResampler(p).Run(context.Background(), channels, sink)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
			assert.False(t, sink.begun, "no output may be produced")
			assert.Zero(t, sink.blocks.Load())
		})
	}
}

func TestUnderdeterminedKeepsCause(t *testing.T) {
	channels := makeChannels([]float64{1e9, 2e9, 3e9}, 2, 2, models.StokesI, quadratic)
	p := baseParams()
	p.UseWeights = true
	channels[0].Weight = 1
	channels[1].Weight = 1

	_, err := NewResampler(p).Run(context.Background(), channels, &PlaneSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	var under *spectral.UnderdeterminedFitError
	require.True(t, errors.As(err, &under))
	assert.Equal(t, 2, under.Samples)
}

func TestInstabilityPolicies(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9}
	build := func() []models.Channel {
		chs := makeChannels(freqs, 4, 6, models.StokesI, quadratic)
		chs[2].Plane.Set(3, 4, math.NaN())
		return chs
	}

	t.Run("fail", func(t *testing.T) {
		p := baseParams()
		p.MaxMemBytes = 1
		_, err := NewResampler(p).Run(context.Background(), build(), &PlaneSink{})
		require.Error(t, err)

		var instab *spectral.NumericalInstabilityError
		require.True(t, errors.As(err, &instab))
		require.NotNil(t, instab.Location)
		assert.Equal(t, "I", instab.Location.Stokes)
		assert.Equal(t, 4, instab.Location.Block)
		assert.Equal(t, 4, instab.Location.Row)
		assert.Equal(t, 3, instab.Location.Col)
	})

	for _, policy := range []spectral.Policy{spectral.PolicyNaN, spectral.PolicyZero, spectral.PolicyLowerOrder} {
		t.Run(policy.String(), func(t *testing.T) {
			p := baseParams()
			p.InstabilityPolicy = policy
			sink, metrics := runToPlanes(t, p, build())
			assert.Equal(t, int64(1), metrics.UnstablePixels)

			for k, out := range sink.Outputs {
				plane := sink.Planes[k]
				got := plane.At(3, 4)
				if policy == spectral.PolicyZero {
					assert.Equal(t, 0.0, got)
				} else {
					assert.True(t, math.IsNaN(got))
				}
				assert.InDelta(t, quadratic(out.Freq, 2, 4), plane.At(2, 4), 1e-9)
				assert.InDelta(t, quadratic(out.Freq, 3, 3), plane.At(3, 3), 1e-9)
			}
		})
	}
}

func TestIllConditionedDesign(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9}
	channels := makeChannels(freqs, 3, 3, models.StokesI, func(float64, int, int) float64 { return 5 })

	p := baseParams()
	p.PolynomialOrder = 2
	p.MaxCondition = 1.2

	_, err := NewResampler(p).Run(context.Background(), channels, &PlaneSink{})
	var instab *spectral.NumericalInstabilityError
	require.True(t, errors.As(err, &instab))
	assert.Equal(t, -1, instab.Column)

	p.InstabilityPolicy = spectral.PolicyNaN
	sink, metrics := runToPlanes(t, p, channels)
	assert.Equal(t, -1, metrics.Order)
	assert.Equal(t, int64(9), metrics.UnstablePixels)
	assert.NotEmpty(t, metrics.Warnings)
	for _, plane := range sink.Planes {
		for _, v := range plane.Data {
			assert.True(t, math.IsNaN(v))
		}
	}

	p.InstabilityPolicy = spectral.PolicyLowerOrder
	sink, metrics = runToPlanes(t, p, channels)
	assert.Equal(t, 0, metrics.Order)
	assert.Equal(t, int64(0), metrics.UnstablePixels)
	for _, plane := range sink.Planes {
		for _, v := range plane.Data {
			assert.InDelta(t, 5, v, 1e-12)
		}
	}
}

func TestDegradedBudgetWarns(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9}
	channels := makeChannels(freqs, 4, 5, models.StokesI, quadratic)

	p := baseParams()
	p.MaxMemBytes = 1
	sink, metrics := runToPlanes(t, p, channels)
	assert.True(t, metrics.Degraded)
	assert.Equal(t, 1, metrics.RowsPerBlock)
	assert.Equal(t, 5, metrics.Blocks)

	require.Len(t, metrics.Warnings, 1)
	var resErr *ResourceError
	require.True(t, errors.As(metrics.Warnings[0], &resErr))
	assert.Equal(t, int64(1), resErr.MaxMemBytes)

	for k, out := range sink.Outputs {
		assert.InDelta(t, quadratic(out.Freq, 1, 1), sink.Planes[k].At(1, 1), 1e-9)
	}
}

func TestConcurrentBlocksStayUnderCeiling(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	channels := makeChannels(freqs, 64, 64, models.StokesI, quadratic)

	p := baseParams()
	p.ChannelsOut = 32
	p.WorkerCount = 4
	// (5+32) * 64 * 8 * 3 = 56832 bytes per row: three rows fit, four do not.
	p.MaxMemBytes = 200000

	sink := &concurrencySink{}
	metrics, err := NewResampler(p).Run(context.Background(), channels, sink)
	require.NoError(t, err)
	assert.False(t, metrics.Degraded)
	assert.Equal(t, 1, metrics.RowsPerBlock)
	assert.Equal(t, 3, metrics.Workers)
	assert.LessOrEqual(t, metrics.BlockCost*int64(metrics.Workers), p.MaxMemBytes)
	assert.LessOrEqual(t, sink.peak.Load(), int64(metrics.Workers))
	assert.Equal(t, int64(64), sink.blocks.Load())
}

func TestRunIsReinvocable(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}
	channels := makeChannels(freqs, 5, 5, models.StokesI, quadratic)

	r := NewResampler(baseParams())
	first := &PlaneSink{}
	_, err := r.Run(context.Background(), channels, first)
	require.NoError(t, err)

	// A different configuration in between must leave no trace.
	other := baseParams()
	other.PolynomialOrder = 0
	other.ChannelsOut = 3
	_, err = NewResampler(other).Run(context.Background(), channels, &PlaneSink{})
	require.NoError(t, err)

	second := &PlaneSink{}
	_, err = r.Run(context.Background(), channels, second)
	require.NoError(t, err)
	assert.Equal(t, first.Outputs, second.Outputs)
	for k := range first.Planes {
		assert.Equal(t, first.Planes[k].Data, second.Planes[k].Data)
	}
}

func TestProgressCallback(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9}
	channels := makeChannels(freqs, 3, 7, models.StokesI, quadratic)

	p := baseParams()
	p.PolynomialOrder = 1
	p.MaxMemBytes = 1

	var calls atomic.Int64
	var lastTotal atomic.Int64
	r := NewResampler(p)
	r.SetProgressCallback(func(completed, total int, message string) {
		calls.Add(1)
		lastTotal.Store(int64(total))
		assert.LessOrEqual(t, completed, total)
		assert.Contains(t, message, "Stokes I")
	})

	_, err := r.Run(context.Background(), channels, &PlaneSink{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), calls.Load())
	assert.Equal(t, int64(7), lastTotal.Load())
}

func TestResidualReporting(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9, 1.3e9, 1.4e9}

	p := baseParams()
	p.PolynomialOrder = 1
	p.ReportResiduals = true

	exact := makeChannels(freqs, 3, 3, models.StokesI, func(f float64, _, _ int) float64 { return f / 1e9 })
	_, metrics := runToPlanes(t, p, exact)
	assert.InDelta(t, 0, metrics.ResidualMean, 1e-12)

	curved := makeChannels(freqs, 3, 3, models.StokesI, func(f float64, x, _ int) float64 {
		g := f / 1e9
		return float64(x) * g * g
	})
	_, metrics = runToPlanes(t, p, curved)
	assert.Greater(t, metrics.ResidualMax, 0.0)
	assert.GreaterOrEqual(t, metrics.ResidualMax, metrics.ResidualMean)

	p.ReportResiduals = false
	_, metrics = runToPlanes(t, p, curved)
	assert.True(t, math.IsNaN(metrics.ResidualMean))
}

func TestCancelledContext(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9}
	channels := makeChannels(freqs, 3, 4, models.StokesI, quadratic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &PlaneSink{}
	p := baseParams()
	p.PolynomialOrder = 1
	_, err := NewResampler(p).Run(ctx, channels, sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, sink.Closed)
}

func TestSinkErrorStopsRun(t *testing.T) {
	freqs := []float64{1.0e9, 1.1e9, 1.2e9}
	channels := makeChannels(freqs, 3, 20, models.StokesI, quadratic)

	p := baseParams()
	p.PolynomialOrder = 1
	p.MaxMemBytes = 1
	sink := &recordingSink{failAt: 3}
	_, err := NewResampler(p).Run(context.Background(), channels, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSinkFull)
	assert.False(t, sink.closed)
	assert.True(t, sink.aborted)
}

var errSinkFull = errors.New("sink full")

// concurrencySink records the largest number of blocks written at once.
type concurrencySink struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	blocks   atomic.Int64
}

func (s *concurrencySink) Begin([]models.OutputChannel, int, int) error { return nil }

func (s *concurrencySink) WriteBlock(batching.Block, [][]float64) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	s.blocks.Add(1)
	return nil
}

func (s *concurrencySink) Close() error { return nil }

// recordingSink counts calls and can fail on a given block.
type recordingSink struct {
	begun   bool
	closed  bool
	aborted bool
	failAt  int
	blocks  atomic.Int64
}

func (s *recordingSink) Begin([]models.OutputChannel, int, int) error {
	s.begun = true
	return nil
}

func (s *recordingSink) WriteBlock(b batching.Block, _ [][]float64) error {
	s.blocks.Add(1)
	if s.failAt > 0 && b.Index == s.failAt {
		return errSinkFull
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) Abort() error {
	s.aborted = true
	return nil
}
