// Package imageio reads channelised model images from FITS files and writes
// resampled channels back out using the first input as a header template.
package imageio

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"smops/internal/models"
)

// ErrNoImages is returned when no input file matches a prefix.
var ErrNoImages = errors.New("no matching model images")

// Source is one discovered input file.
type Source struct {
	Path string

	// Index is the four-digit channel number in the file name.
	Index int

	Stokes models.Stokes

	// Explicit is false when the file name carries no Stokes label, in which
	// case outputs are named without one too.
	Explicit bool
}

// Discover finds the model images for one Stokes parameter. Files named
// <prefix>-NNNN-<S>-model.fits are preferred; when none exist the unlabelled
// <prefix>-NNNN-model.fits form is used. Sources are ordered by channel number.
func Discover(prefix string, stokes models.Stokes) ([]Source, error) {
	explicit := true
	paths, err := filepath.Glob(fmt.Sprintf("%s-[0-9][0-9][0-9][0-9]-%s-model.fits", prefix, stokes))
	if err != nil {
		return nil, fmt.Errorf("invalid input prefix %q: %w", prefix, err)
	}
	if len(paths) == 0 {
		explicit = false
		paths, err = filepath.Glob(prefix + "-[0-9][0-9][0-9][0-9]-model.fits")
		if err != nil {
			return nil, fmt.Errorf("invalid input prefix %q: %w", prefix, err)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w for prefix %q and Stokes %s", ErrNoImages, prefix, stokes)
	}

	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		idx, err := channelIndex(path, prefix)
		if err != nil {
			return nil, err
		}
		sources = append(sources, Source{Path: path, Index: idx, Stokes: stokes, Explicit: explicit})
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Index < sources[j].Index
	})
	return sources, nil
}

// channelIndex extracts NNNN from <prefix>-NNNN-....
func channelIndex(path, prefix string) (int, error) {
	rest := strings.TrimPrefix(path, prefix+"-")
	if len(rest) < 4 {
		return 0, fmt.Errorf("cannot read channel number from %s", path)
	}
	idx, err := strconv.Atoi(rest[:4])
	if err != nil {
		return 0, fmt.Errorf("cannot read channel number from %s: %w", path, err)
	}
	return idx, nil
}

// OutputName returns <prefix>-NNNN-<S>-model.fits, or <prefix>-NNNN-model.fits
// when explicit is false.
func OutputName(prefix string, index int, stokes models.Stokes, explicit bool) string {
	if !explicit {
		return fmt.Sprintf("%s-%04d-model.fits", prefix, index)
	}
	return fmt.Sprintf("%s-%04d-%s-model.fits", prefix, index, stokes)
}
