package models

import (
	"fmt"
	"strings"
)

// Stokes identifies one polarisation component of a model image.
type Stokes int

const (
	StokesI Stokes = iota
	StokesQ
	StokesU
	StokesV
)

// String returns the single-letter label used in file names and logs.
func (s Stokes) String() string {
	switch s {
	case StokesI:
		return "I"
	case StokesQ:
		return "Q"
	case StokesU:
		return "U"
	case StokesV:
		return "V"
	default:
		return fmt.Sprintf("Stokes(%d)", int(s))
	}
}

// ParseStokes converts a label such as "i" or "Q" to a Stokes value.
func ParseStokes(label string) (Stokes, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "I":
		return StokesI, nil
	case "Q":
		return StokesQ, nil
	case "U":
		return StokesU, nil
	case "V":
		return StokesV, nil
	default:
		return 0, fmt.Errorf("unknown Stokes parameter %q (must be one of I, Q, U, V)", label)
	}
}

// ParseStokesList splits a compact selection like "IQ" or "iquv" into its
// Stokes parameters, preserving order and dropping repeats.
func ParseStokesList(labels string) ([]Stokes, error) {
	labels = strings.TrimSpace(labels)
	if labels == "" {
		return nil, fmt.Errorf("empty Stokes selection")
	}

	var out []Stokes
	seen := make(map[Stokes]bool)
	for _, r := range labels {
		s, err := ParseStokes(string(r))
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Plane is a single 2D image plane stored in row-major order.
type Plane struct {
	// Width is the number of columns (pixels per row)
	Width int

	// Height is the number of rows
	Height int

	// Data holds Width*Height pixel values, row by row
	Data []float64
}

// NewPlane allocates a zeroed plane of the given size.
func NewPlane(width, height int) *Plane {
	return &Plane{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
	}
}

// At returns the pixel at column x, row y.
func (p *Plane) At(x, y int) float64 {
	return p.Data[y*p.Width+x]
}

// Set stores v at column x, row y.
func (p *Plane) Set(x, y int, v float64) {
	p.Data[y*p.Width+x] = v
}

// Row returns the pixels of row y. The slice aliases the plane data.
func (p *Plane) Row(y int) []float64 {
	return p.Data[y*p.Width : (y+1)*p.Width]
}

// Rows returns rows [start, end) as one contiguous slice aliasing the plane data.
func (p *Plane) Rows(start, end int) []float64 {
	return p.Data[start*p.Width : end*p.Width]
}

// SameShape reports whether both planes have identical spatial dimensions.
func (p *Plane) SameShape(other *Plane) bool {
	return other != nil && p.Width == other.Width && p.Height == other.Height
}

// Channel is one input frequency channel of a model image
type Channel struct {
	// Freq is the centre frequency of the channel in Hz
	Freq float64

	// Width is the channel bandwidth in Hz (CDELT of the frequency axis).
	// Zero when the source did not record it.
	Width float64

	// Weight is the imaging weight sum of the channel. Zero means unweighted.
	Weight float64

	// Stokes is the polarisation component this plane belongs to
	Stokes Stokes

	// Plane holds the pixel data
	Plane *Plane

	// Source is the file the channel was read from, if any
	Source string
}

// OutputChannel describes one plane of the resampled output.
type OutputChannel struct {
	// Index is the position of this channel in the output grid
	Index int

	// Freq is the centre frequency in Hz
	Freq float64

	// Width is the output channel bandwidth in Hz
	Width float64
}
