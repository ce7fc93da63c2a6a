package resample

import (
	"fmt"

	"smops/internal/models"
	"smops/pkg/batching"
)

// Sink receives the resampled output of one run.
//
// Begin is called once before any block. WriteBlock may then be called
// concurrently from several workers; the blocks it receives never overlap, so
// implementations only need to copy rows into place. rows holds one slice per
// output channel with the block's pixels in row-major order. The slices are
// owned by the sink after the call.
//
// Run calls Close after the last block of a successful run. A failed run
// leaves the sink unclosed, and calls Abort if the sink is an Aborter.
type Sink interface {
	Begin(outputs []models.OutputChannel, width, height int) error
	WriteBlock(b batching.Block, rows [][]float64) error
	Close() error
}

// Aborter is implemented by sinks that hold resources to release when a run
// fails after Begin.
type Aborter interface {
	Abort() error
}

// PlaneSink collects the output in memory.
type PlaneSink struct {
	Outputs []models.OutputChannel
	Planes  []*models.Plane
	Closed  bool
}

// Begin allocates one plane per output channel.
func (s *PlaneSink) Begin(outputs []models.OutputChannel, width, height int) error {
	s.Outputs = append([]models.OutputChannel(nil), outputs...)
	s.Planes = make([]*models.Plane, len(outputs))
	for i := range s.Planes {
		s.Planes[i] = models.NewPlane(width, height)
	}
	s.Closed = false
	return nil
}

// WriteBlock copies the block into the rows it covers.
func (s *PlaneSink) WriteBlock(b batching.Block, rows [][]float64) error {
	if len(rows) != len(s.Planes) {
		return fmt.Errorf("%s: got %d output rows, expected %d", b, len(rows), len(s.Planes))
	}
	for k, src := range rows {
		plane := s.Planes[k]
		if b.RowStart < 0 || b.RowEnd > plane.Height {
			return fmt.Errorf("%s: outside %d-row plane", b, plane.Height)
		}
		dst := plane.Rows(b.RowStart, b.RowEnd)
		if len(src) != len(dst) {
			return fmt.Errorf("%s: channel %d has %d pixels, expected %d", b, k, len(src), len(dst))
		}
		copy(dst, src)
	}
	return nil
}

// Close marks the sink complete.
func (s *PlaneSink) Close() error {
	s.Closed = true
	return nil
}

// Channels returns the collected output as channels of the given Stokes.
func (s *PlaneSink) Channels(stokes models.Stokes) []models.Channel {
	out := make([]models.Channel, len(s.Planes))
	for i, plane := range s.Planes {
		out[i] = models.Channel{
			Freq:   s.Outputs[i].Freq,
			Width:  s.Outputs[i].Width,
			Stokes: stokes,
			Plane:  plane,
		}
	}
	return out
}
