package imageio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"smops/internal/models"
)

// weightKey is the WSClean header card holding the imaging weight sum.
const weightKey = "WSCVWSUM"

// structural cards are rewritten by fitsio for every HDU and must not be
// copied from a template.
var structural = map[string]bool{
	"SIMPLE":   true,
	"XTENSION": true,
	"BITPIX":   true,
	"NAXIS":    true,
	"EXTEND":   true,
	"PCOUNT":   true,
	"GCOUNT":   true,
	"BZERO":    true,
	"BSCALE":   true,
	"END":      true,
	"COMMENT":  true,
	"HISTORY":  true,
	"":         true,
}

// Image is a channel read from disk together with what is needed to write a
// sibling file in the same format.
type Image struct {
	Channel models.Channel

	// Bitpix is the FITS element type of the stored pixels.
	Bitpix int

	// Axes are the FITS axis lengths, NAXIS1 first.
	Axes []int

	// FreqAxis is the 1-based index of the frequency axis, or 0 if none.
	FreqAxis int

	// Cards are the non-structural header cards in file order.
	Cards []fitsio.Card
}

// ElementBytes returns the stored size of one pixel.
func (im *Image) ElementBytes() int { return abs(im.Bitpix) / 8 }

// ReadImage loads the first image HDU of a FITS file. Axes beyond the first
// two must be degenerate; the frequency is taken from the axis whose CUNIT is
// Hz (or whose CTYPE is FREQ).
func ReadImage(path string, stokes models.Stokes) (*Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defer f.Close()

	var img fitsio.Image
	for _, hdu := range f.HDUs() {
		if candidate, ok := hdu.(fitsio.Image); ok && len(candidate.Header().Axes()) >= 2 {
			img = candidate
			break
		}
	}
	if img == nil {
		return nil, fmt.Errorf("%s: no image HDU", path)
	}

	hdr := img.Header()
	axes := append([]int(nil), hdr.Axes()...)
	width, height := axes[0], axes[1]
	for i, n := range axes[2:] {
		if n != 1 {
			return nil, fmt.Errorf("%s: axis %d has length %d, only 2-D planes are supported", path, i+3, n)
		}
	}

	out := &Image{
		Bitpix: hdr.Bitpix(),
		Axes:   axes,
		Channel: models.Channel{
			Stokes: stokes,
			Source: path,
		},
	}

	for i := 1; i <= len(axes); i++ {
		unit := cardString(hdr, fmt.Sprintf("CUNIT%d", i))
		ctype := cardString(hdr, fmt.Sprintf("CTYPE%d", i))
		if !strings.EqualFold(unit, "hz") && !strings.HasPrefix(strings.ToUpper(ctype), "FREQ") {
			continue
		}
		out.FreqAxis = i
		out.Channel.Freq, _ = cardFloat(hdr, fmt.Sprintf("CRVAL%d", i))
		out.Channel.Width, _ = cardFloat(hdr, fmt.Sprintf("CDELT%d", i))
		out.Channel.Width = math.Abs(out.Channel.Width)
		break
	}
	if out.FreqAxis == 0 {
		return nil, fmt.Errorf("%s: no frequency axis (CUNITi = Hz)", path)
	}
	out.Channel.Weight, _ = cardFloat(hdr, weightKey)

	data, err := readPixels(img, width*height)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out.Channel.Plane = &models.Plane{Width: width, Height: height, Data: data}

	for _, key := range hdr.Keys() {
		if structural[key] || strings.HasPrefix(key, "NAXIS") {
			continue
		}
		if card := hdr.Get(key); card != nil {
			out.Cards = append(out.Cards, *card)
		}
	}
	return out, nil
}

// readPixels reads n pixels of any FITS element type as float64, applying
// BSCALE and BZERO to integer data.
func readPixels(img fitsio.Image, n int) ([]float64, error) {
	hdr := img.Header()
	out := make([]float64, n)

	switch hdr.Bitpix() {
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		return out, nil
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
		return out, nil
	}

	scale, ok := cardFloat(hdr, "BSCALE")
	if !ok {
		scale = 1
	}
	zero, _ := cardFloat(hdr, "BZERO")

	switch hdr.Bitpix() {
	case 8:
		buf := make([]byte, n)
		if err := img.Read(&buf); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)*scale + zero
		}
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)*scale + zero
		}
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)*scale + zero
		}
	case 64:
		buf := make([]int64, n)
		if err := img.Read(&buf); err != nil {
			return nil, fmt.Errorf("failed to read pixels: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)*scale + zero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}
	return out, nil
}

// recordSize is the FITS logical record length. Headers and data sections
// are padded to a multiple of it.
const recordSize = 2880

// WriteImage writes plane as a single-HDU FITS file. See CreateImage for how
// the header is derived from template.
func WriteImage(path string, template *Image, plane *models.Plane, freq, width float64, extra ...fitsio.Card) error {
	if plane.Width*plane.Height != len(plane.Data) {
		return fmt.Errorf("plane is %dx%d but holds %d pixels", plane.Width, plane.Height, len(plane.Data))
	}
	w, err := CreateImage(path, template, plane.Width, plane.Height, freq, width, extra...)
	if err != nil {
		return err
	}
	if err := w.WriteRows(0, plane.Data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// PlaneWriter fills the data section of a FITS image one row range at a
// time. WriteRows may be called concurrently for disjoint row ranges.
type PlaneWriter struct {
	path   string
	file   *os.File
	offset int64
	width  int
	height int
	bitpix int
}

// CreateImage writes the header of a single-HDU FITS file for a width×height
// plane and reserves its zero-filled data section. The header is built from
// template: its cards are copied, the frequency axis is moved to freq/width,
// and extra cards are appended. Floating point templates keep their BITPIX;
// integer ones are written as 32-bit floats.
func CreateImage(path string, template *Image, width, height int, freq, bandwidth float64, extra ...fitsio.Card) (*PlaneWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}

	bitpix := -32
	axes := []int{width, height}
	var cards []fitsio.Card
	freqAxis := 0
	if template != nil {
		if template.Bitpix == -64 {
			bitpix = -64
		}
		if len(template.Axes) >= 2 && template.Axes[0] == width && template.Axes[1] == height {
			axes = append([]int(nil), template.Axes...)
		}
		freqAxis = template.FreqAxis
		cards = append(cards, template.Cards...)
	}

	if freqAxis > 0 {
		crval := fmt.Sprintf("CRVAL%d", freqAxis)
		cdelt := fmt.Sprintf("CDELT%d", freqAxis)
		for i := range cards {
			switch cards[i].Name {
			case crval:
				cards[i].Value = freq
			case cdelt:
				cards[i].Value = bandwidth
			}
		}
	}
	cards = append(cards, extra...)

	if err := writeHeader(path, bitpix, axes, cards); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen %s: %w", path, err)
	}
	offset, err := dataOffset(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dataBytes := int64(width) * int64(height) * int64(abs(bitpix)/8)
	if err := file.Truncate(offset + padded(dataBytes)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size %s: %w", path, err)
	}

	return &PlaneWriter{
		path:   path,
		file:   file,
		offset: offset,
		width:  width,
		height: height,
		bitpix: bitpix,
	}, nil
}

// writeHeader lets fitsio lay out the header of an image HDU with no data.
func writeHeader(path string, bitpix int, axes []int, cards []fitsio.Card) error {
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to start FITS file %s: %w", path, err)
	}

	img := fitsio.NewImage(bitpix, axes)
	defer img.Close()

	if err := img.Header().Append(cards...); err != nil {
		return fmt.Errorf("failed to build header for %s: %w", path, err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to finish header of %s: %w", path, err)
	}
	return nil
}

// dataOffset returns the position of the first data record: the record after
// the one holding the END card.
func dataOffset(r io.ReaderAt) (int64, error) {
	rec := make([]byte, recordSize)
	for off := int64(0); ; off += recordSize {
		if _, err := r.ReadAt(rec, off); err != nil {
			return 0, fmt.Errorf("no END card in header: %w", err)
		}
		for c := 0; c < recordSize; c += 80 {
			if strings.TrimRight(string(rec[c:c+80]), " ") == "END" {
				return off + recordSize, nil
			}
		}
	}
}

func padded(n int64) int64 {
	return (n + recordSize - 1) / recordSize * recordSize
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Path returns the file being written.
func (w *PlaneWriter) Path() string { return w.path }

// WriteRows stores whole rows starting at row rowStart. data holds the rows
// in order, width pixels each.
func (w *PlaneWriter) WriteRows(rowStart int, data []float64) error {
	if len(data)%w.width != 0 {
		return fmt.Errorf("%s: %d pixels is not a whole number of %d-pixel rows", w.path, len(data), w.width)
	}
	rows := len(data) / w.width
	if rowStart < 0 || rowStart+rows > w.height {
		return fmt.Errorf("%s: rows [%d, %d) outside %d-row image", w.path, rowStart, rowStart+rows, w.height)
	}

	elem := abs(w.bitpix) / 8
	buf := make([]byte, 0, len(data)*elem)
	for _, v := range data {
		if w.bitpix == -64 {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		} else {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
	}

	at := w.offset + int64(rowStart)*int64(w.width)*int64(elem)
	if _, err := w.file.WriteAt(buf, at); err != nil {
		return fmt.Errorf("failed to write rows of %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *PlaneWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	return w.file.Close()
}

func cardString(hdr *fitsio.Header, key string) string {
	card := hdr.Get(key)
	if card == nil {
		return ""
	}
	s, _ := card.Value.(string)
	return strings.TrimSpace(s)
}

func cardFloat(hdr *fitsio.Header, key string) (float64, bool) {
	card := hdr.Get(key)
	if card == nil {
		return 0, false
	}
	switch v := card.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
