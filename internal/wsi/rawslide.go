package wsi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"

	"github.com/slidekick-data/slidekick/internal/transform"
)

// rawMagic marks the uncompressed development slide format: the magic,
// a big-endian uint32 width and height, the mpp as IEEE-754 bits, then
// width*height*3 bytes of RGB.
var rawMagic = []byte("SLKRAW")

// TileSize is the tile edge of the served pyramid. The coarsest
// level of a reader fits in a single tile.
const TileSize = 256

// RawSlide is a Reader over the raw development format. Production
// deployments plug a native decoder behind ReaderFactory instead; the
// raw format keeps the whole pipeline runnable without one.
type RawSlide struct {
	path   string
	info   Info
	pix    []uint8
	closed bool
}

// OpenRaw is a ReaderFactory for raw development slides.
func OpenRaw(path string) (Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(rawMagic)+16 || !bytes.Equal(data[:len(rawMagic)], rawMagic) {
		return nil, fmt.Errorf("not a raw slide file: %s", path)
	}
	off := len(rawMagic)
	w := int(binary.BigEndian.Uint32(data[off:]))
	h := int(binary.BigEndian.Uint32(data[off+4:]))
	mpp := math.Float64frombits(binary.BigEndian.Uint64(data[off+8:]))
	off += 16
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("raw slide %s: invalid extent %dx%d", path, w, h)
	}
	if len(data)-off < w*h*3 {
		return nil, fmt.Errorf("raw slide %s: truncated pixel data", path)
	}

	levels := 1
	for d := max(w, h); d > TileSize; d /= 2 {
		levels++
	}
	return &RawSlide{
		path: path,
		info: Info{
			Width:      w,
			Height:     h,
			MPP:        mpp,
			LevelCount: levels,
			Properties: map[string]string{"slidekick.format": "raw"},
		},
		pix: data[off : off+w*h*3],
	}, nil
}

// WriteRaw serializes an RGB buffer to the raw development format.
// Used by test fixtures and the slide conversion tooling.
func WriteRaw(path string, width, height int, mpp float64, pix []uint8) error {
	if len(pix) != width*height*3 {
		return fmt.Errorf("pixel buffer size %d does not match %dx%d", len(pix), width, height)
	}
	buf := make([]byte, 0, len(rawMagic)+16+len(pix))
	buf = append(buf, rawMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(width))
	buf = binary.BigEndian.AppendUint32(buf, uint32(height))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(mpp))
	buf = append(buf, pix...)
	return os.WriteFile(path, buf, 0o644)
}

func (s *RawSlide) Info() Info { return s.info }

func (s *RawSlide) ReadRegion(x, y, w, h int) (*Region, error) {
	if s.closed {
		return nil, fmt.Errorf("raw slide %s: handle closed", s.path)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("raw slide %s: invalid region %dx%d", s.path, w, h)
	}
	if x < 0 || y < 0 || x+w > s.info.Width || y+h > s.info.Height {
		return nil, fmt.Errorf("raw slide %s: region (%d,%d,%d,%d) out of extent", s.path, x, y, w, h)
	}
	out := make([]uint8, w*h*3)
	for row := 0; row < h; row++ {
		src := ((y+row)*s.info.Width + x) * 3
		copy(out[row*w*3:(row+1)*w*3], s.pix[src:src+w*3])
	}
	return &Region{X: x, Y: y, Width: w, Height: h, Pix: out}, nil
}

func (s *RawSlide) ReadTile(level, col, row int) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("raw slide %s: handle closed", s.path)
	}
	if level < 0 || level >= s.info.LevelCount {
		return nil, fmt.Errorf("raw slide %s: level %d out of range", s.path, level)
	}
	ds := transform.DownsampleFactor(level)
	levelW := (s.info.Width + ds - 1) / ds
	levelH := (s.info.Height + ds - 1) / ds
	x0 := col * TileSize
	y0 := row * TileSize
	if x0 >= levelW || y0 >= levelH || col < 0 || row < 0 {
		return nil, fmt.Errorf("raw slide %s: tile %d/%d_%d out of range", s.path, level, col, row)
	}
	tw := min(TileSize, levelW-x0)
	th := min(TileSize, levelH-y0)

	img := image.NewRGBA(image.Rect(0, 0, tw, th))
	for ty := 0; ty < th; ty++ {
		for tx := 0; tx < tw; tx++ {
			sx := min((x0+tx)*ds, s.info.Width-1)
			sy := min((y0+ty)*ds, s.info.Height-1)
			i := (sy*s.info.Width + sx) * 3
			o := img.PixOffset(tx, ty)
			img.Pix[o] = s.pix[i]
			img.Pix[o+1] = s.pix[i+1]
			img.Pix[o+2] = s.pix[i+2]
			img.Pix[o+3] = 0xff
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *RawSlide) Close() error {
	s.closed = true
	s.pix = nil
	return nil
}
