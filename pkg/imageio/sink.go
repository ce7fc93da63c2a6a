package imageio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"smops/internal/models"
	"smops/pkg/batching"
	"smops/pkg/resample"
)

var (
	_ resample.Sink    = (*FITSSink)(nil)
	_ resample.Aborter = (*FITSSink)(nil)
)

// runKey is the header card stamped with the run identifier.
const runKey = "SMOPSRUN"

// FITSSink writes one FITS file per output channel. The files are created
// by Begin and every block is written through to them as it arrives, so the
// sink holds no pixels of its own.
type FITSSink struct {
	// Prefix is prepended to every output file name.
	Prefix string

	Stokes   models.Stokes
	Explicit bool

	// Template supplies the header and element type of the outputs.
	Template *Image

	// RunID identifies the run in the output headers. A zero value is
	// replaced with a fresh random UUID on Begin.
	RunID uuid.UUID

	// Outputs describes the channels of the current run.
	Outputs []models.OutputChannel

	// Written lists the files completed by Close.
	Written []string

	writers []*PlaneWriter
}

// NewFITSSink returns a sink that writes next to prefix using template.
func NewFITSSink(prefix string, stokes models.Stokes, explicit bool, template *Image) *FITSSink {
	return &FITSSink{
		Prefix:   prefix,
		Stokes:   stokes,
		Explicit: explicit,
		Template: template,
		RunID:    uuid.New(),
	}
}

// Begin creates the output files with their headers and reserved data.
func (s *FITSSink) Begin(outputs []models.OutputChannel, width, height int) error {
	if s.RunID == uuid.Nil {
		s.RunID = uuid.New()
	}
	if dir := filepath.Dir(s.Prefix); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	extra := []fitsio.Card{
		{Name: runKey, Value: s.RunID.String(), Comment: "resampling run identifier"},
		{Name: "HISTORY", Value: fmt.Sprintf("smops resampled Stokes %s to %d channels %s",
			s.Stokes, len(outputs), time.Now().UTC().Format(time.RFC3339))},
	}

	s.Outputs = append([]models.OutputChannel(nil), outputs...)
	s.Written = nil
	s.writers = make([]*PlaneWriter, 0, len(outputs))
	for _, out := range outputs {
		name := OutputName(s.Prefix, out.Index, s.Stokes, s.Explicit)
		w, err := CreateImage(name, s.Template, width, height, out.Freq, out.Width, extra...)
		if err != nil {
			s.Abort()
			return err
		}
		s.writers = append(s.writers, w)
	}
	return nil
}

// WriteBlock writes the block's rows into every output file.
func (s *FITSSink) WriteBlock(b batching.Block, rows [][]float64) error {
	if len(rows) != len(s.writers) {
		return fmt.Errorf("%s: got %d output rows, expected %d", b, len(rows), len(s.writers))
	}
	for k, data := range rows {
		if err := s.writers[k].WriteRows(b.RowStart, data); err != nil {
			return err
		}
	}
	return nil
}

// Close finishes every output file.
func (s *FITSSink) Close() error {
	var errs []error
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
			continue
		}
		glog.Infof("New file written to: %s", w.Path())
		s.Written = append(s.Written, w.Path())
	}
	s.writers = nil
	return errors.Join(errs...)
}

// Abort closes and removes the partially written outputs of a failed run.
func (s *FITSSink) Abort() error {
	var errs []error
	for _, w := range s.writers {
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(w.Path()); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	s.writers = nil
	return errors.Join(errs...)
}

// ReadSources loads every discovered source, in order.
func ReadSources(sources []Source) ([]*Image, error) {
	images := make([]*Image, 0, len(sources))
	for _, src := range sources {
		img, err := ReadImage(src.Path, src.Stokes)
		if err != nil {
			return nil, err
		}
		glog.V(1).Infof("Read %s: %.6g Hz, width %.6g Hz, weight %g", src.Path,
			img.Channel.Freq, img.Channel.Width, img.Channel.Weight)
		images = append(images, img)
	}
	return images, nil
}

// Channels returns the channels of the images.
func Channels(images []*Image) []models.Channel {
	out := make([]models.Channel, len(images))
	for i, img := range images {
		out[i] = img.Channel
	}
	return out
}
