// Package batching partitions an image into row blocks whose working set
// fits under a memory ceiling. The ceiling bounds every block a pool of
// workers can hold at once, not each block on its own.
//
// A Plan is a pure function of its Request: it carries no cursor, and every
// call to Blocks starts a fresh, identical sequence. Workers may therefore
// share one Plan, and a run can be reproduced exactly from its inputs.
package batching

import (
	"errors"
	"fmt"
	"iter"
	"math"
)

// DefaultOverhead accounts for the staging copy, the fitted coefficients and
// the evaluation buffers held alongside each row's input and output pixels.
const DefaultOverhead = 3.0

// ErrInvalidRequest is returned for non-positive dimensions or budgets.
var ErrInvalidRequest = errors.New("invalid batching request")

// Request describes the image to partition.
type Request struct {
	Width          int
	Height         int
	InputChannels  int
	OutputChannels int

	// ElementBytes is the size of one pixel value in bytes.
	ElementBytes int

	// MaxMemBytes is the ceiling on the working memory of all blocks in
	// flight together.
	MaxMemBytes int64

	// Workers is the number of blocks processed concurrently. Zero means 1.
	Workers int

	// Overhead multiplies the raw per-row footprint. Zero selects DefaultOverhead.
	Overhead float64
}

// Block is a contiguous range of image rows [RowStart, RowEnd).
type Block struct {
	Index    int
	RowStart int
	RowEnd   int
}

// Rows returns the number of rows in the block.
func (b Block) Rows() int { return b.RowEnd - b.RowStart }

// Pixels returns the number of pixels in the block for the given row width.
func (b Block) Pixels(width int) int { return b.Rows() * width }

func (b Block) String() string {
	return fmt.Sprintf("block %d [rows %d-%d)", b.Index, b.RowStart, b.RowEnd)
}

// Plan is the partition derived from a Request.
type Plan struct {
	req          Request
	rowCost      int64
	rowsPerBlock int
	workers      int
	degraded     bool
}

// NewPlan validates req and computes the block size.
func NewPlan(req Request) (*Plan, error) {
	switch {
	case req.Width <= 0 || req.Height <= 0:
		return nil, fmt.Errorf("%w: image dimensions must be positive (got %dx%d)", ErrInvalidRequest, req.Width, req.Height)
	case req.InputChannels <= 0 || req.OutputChannels <= 0:
		return nil, fmt.Errorf("%w: channel counts must be positive (got %d in, %d out)", ErrInvalidRequest, req.InputChannels, req.OutputChannels)
	case req.ElementBytes <= 0:
		return nil, fmt.Errorf("%w: element size must be positive (got %d)", ErrInvalidRequest, req.ElementBytes)
	case req.MaxMemBytes <= 0:
		return nil, fmt.Errorf("%w: memory ceiling must be positive (got %d)", ErrInvalidRequest, req.MaxMemBytes)
	case req.Overhead < 0:
		return nil, fmt.Errorf("%w: overhead must not be negative (got %g)", ErrInvalidRequest, req.Overhead)
	case req.Workers < 0:
		return nil, fmt.Errorf("%w: worker count must not be negative (got %d)", ErrInvalidRequest, req.Workers)
	}
	if req.Overhead == 0 {
		req.Overhead = DefaultOverhead
	}
	if req.Workers == 0 {
		req.Workers = 1
	}

	raw := float64(req.InputChannels+req.OutputChannels) * float64(req.Width) * float64(req.ElementBytes) * req.Overhead
	rowCost := int64(math.Ceil(raw))

	// More workers than rows would idle.
	workers := int64(min(req.Workers, req.Height))
	rows := req.MaxMemBytes / (rowCost * workers)
	degraded := false
	if rows < 1 {
		// One row per worker does not fit: keep one-row blocks and run only as
		// many workers as the ceiling holds. Never stall on an impossible
		// budget; a single row over the ceiling is left for the caller to report.
		rows = 1
		workers = max(1, req.MaxMemBytes/rowCost)
		degraded = req.MaxMemBytes < rowCost
	}
	if rows > int64(req.Height) {
		rows = int64(req.Height)
	}

	p := &Plan{
		req:          req,
		rowCost:      rowCost,
		rowsPerBlock: int(rows),
		degraded:     degraded,
	}
	p.workers = min(int(workers), p.NumBlocks())
	return p, nil
}

// Request returns the request the plan was derived from.
func (p *Plan) Request() Request { return p.req }

// RowCost returns the estimated working memory of one image row in bytes.
func (p *Plan) RowCost() int64 { return p.rowCost }

// RowsPerBlock returns the number of rows in every block except possibly the last.
func (p *Plan) RowsPerBlock() int { return p.rowsPerBlock }

// BlockCost returns the estimated working memory of a full block in bytes.
func (p *Plan) BlockCost() int64 { return p.rowCost * int64(p.rowsPerBlock) }

// Workers returns how many blocks may be processed at once without the
// blocks in flight exceeding the ceiling. It never exceeds Request.Workers.
func (p *Plan) Workers() int { return p.workers }

// PeakCost returns the estimated working memory of Workers full blocks.
func (p *Plan) PeakCost() int64 { return p.BlockCost() * int64(p.workers) }

// Degraded reports whether a single row already exceeds the memory ceiling.
func (p *Plan) Degraded() bool { return p.degraded }

// NumBlocks returns the length of the block sequence.
func (p *Plan) NumBlocks() int {
	return (p.req.Height + p.rowsPerBlock - 1) / p.rowsPerBlock
}

// Block returns block i of the sequence.
func (p *Plan) Block(i int) (Block, error) {
	if i < 0 || i >= p.NumBlocks() {
		return Block{}, fmt.Errorf("block index %d out of range [0, %d)", i, p.NumBlocks())
	}
	start := i * p.rowsPerBlock
	end := start + p.rowsPerBlock
	if end > p.req.Height {
		end = p.req.Height
	}
	return Block{Index: i, RowStart: start, RowEnd: end}, nil
}

// Blocks yields the partition lazily, in row order. Each call restarts from
// the first block.
func (p *Plan) Blocks() iter.Seq[Block] {
	return func(yield func(Block) bool) {
		for start, i := 0, 0; start < p.req.Height; start, i = start+p.rowsPerBlock, i+1 {
			end := start + p.rowsPerBlock
			if end > p.req.Height {
				end = p.req.Height
			}
			if !yield(Block{Index: i, RowStart: start, RowEnd: end}) {
				return
			}
		}
	}
}
