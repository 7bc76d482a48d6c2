package wsi

import (
	"bytes"
	"image/png"
	"path/filepath"
	"testing"
)

func writeTestSlide(t *testing.T, w, h int) string {
	t.Helper()
	pix := make([]uint8, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			pix[i] = uint8(x % 256)
			pix[i+1] = uint8(y % 256)
			pix[i+2] = 0x40
		}
	}
	path := filepath.Join(t.TempDir(), "slide.raw")
	if err := WriteRaw(path, w, h, 0.2528, pix); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	return path
}

func TestRawSlideRoundTrip(t *testing.T) {
	path := writeTestSlide(t, 300, 200)
	r, err := OpenRaw(path)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	defer r.Close()

	info := r.Info()
	if info.Width != 300 || info.Height != 200 {
		t.Errorf("extent %dx%d, want 300x200", info.Width, info.Height)
	}
	if info.MPP != 0.2528 {
		t.Errorf("mpp %v, want 0.2528", info.MPP)
	}

	region, err := r.ReadRegion(10, 20, 50, 40)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	rr, g, _ := region.At(0, 0)
	if rr != 10 || g != 20 {
		t.Errorf("pixel at region origin = (%d,%d), want (10,20)", rr, g)
	}
}

func TestRawSlideRejectsOutOfBounds(t *testing.T) {
	path := writeTestSlide(t, 100, 100)
	r, err := OpenRaw(path)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadRegion(90, 90, 20, 20); err == nil {
		t.Error("expected out-of-extent error (clamping is the pool's job)")
	}
	if _, err := r.ReadRegion(0, 0, 0, 10); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestRawSlideTileIsPNG(t *testing.T) {
	path := writeTestSlide(t, 512, 512)
	r, err := OpenRaw(path)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	defer r.Close()

	tile, err := r.ReadTile(1, 0, 0)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(tile))
	if err != nil {
		t.Fatalf("tile is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 256 {
		t.Errorf("tile width %d, want 256", img.Bounds().Dx())
	}

	if _, err := r.ReadTile(99, 0, 0); err == nil {
		t.Error("expected error for out-of-range level")
	}
}

func TestOpenRawRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.raw")
	if err := WriteRaw(path, 2, 2, 0.25, make([]uint8, 12)); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRaw(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}
