// Package wsi manages access to whole-slide image files through a
// native decoder that is not safe for concurrent use. A fixed pool of
// workers each owns its private decoder handles; no handle is ever
// touched by two goroutines.
package wsi

import "fmt"

// Info is the immutable metadata of a slide file.
type Info struct {
	// Width and Height are the level-0 pixel extent.
	Width  int
	Height int
	// MPP is microns-per-pixel at level 0, or 0 when the file carries
	// no resolution metadata.
	MPP float64
	// LevelCount is the number of pyramid levels available.
	LevelCount int
	// Properties holds vendor-specific key/value metadata.
	Properties map[string]string
}

// Region is a decoded rectangular region in RGB, row-major, three bytes
// per pixel. X and Y are the level-0 origin of the region.
type Region struct {
	X, Y          int
	Width, Height int
	Pix           []uint8
}

// At returns the RGB triple at (x, y) in region-local coordinates.
func (r *Region) At(x, y int) (uint8, uint8, uint8) {
	i := (y*r.Width + x) * 3
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

// Reader is a decoder handle for one slide file. Implementations are
// NOT safe for concurrent use; the Pool guarantees each handle is only
// ever used by the worker that opened it.
type Reader interface {
	// Info returns the slide metadata captured at open.
	Info() Info
	// ReadRegion decodes the level-0 rectangle (x, y, w, h). The caller
	// must clamp the rectangle to the slide extent first.
	ReadRegion(x, y, w, h int) (*Region, error)
	// ReadTile renders one pyramid tile as encoded image bytes.
	ReadTile(level, col, row int) ([]byte, error)
	// Close releases the native handle.
	Close() error
}

// ReaderFactory opens a decoder handle for a slide file. The Pool calls
// it lazily, once per (worker, path) pair.
type ReaderFactory func(path string) (Reader, error)

// ErrReaderClosed is returned for operations on a closed pool.
var ErrReaderClosed = fmt.Errorf("wsi: pool closed")
