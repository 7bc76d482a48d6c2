// Package transform converts between the three coordinate spaces of a
// whole-slide image: level-0 pixels (the canonical storage space),
// pyramid-level pixels, and physical micrometre/millimetre units derived
// from the microns-per-pixel scale.
//
// The fundamental relationships:
//
//	d_um   = d_px * mpp
//	A_mm2  = A_px * mpp^2 * 1e-6
//	full   = level_px * 2^level
//
// All functions are pure; repeated calls with identical inputs produce
// identical results.
package transform

import "math"

// Bounds is an axis-aligned rectangle in level-0 pixel coordinates.
type Bounds struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// WidthPx returns the rectangle width in pixels.
func (b Bounds) WidthPx() float64 { return b.XMax - b.XMin }

// HeightPx returns the rectangle height in pixels.
func (b Bounds) HeightPx() float64 { return b.YMax - b.YMin }

// AreaPx returns the rectangle area in square pixels.
func (b Bounds) AreaPx() float64 { return b.WidthPx() * b.HeightPx() }

// AreaMM2 converts the rectangle area to square millimetres.
func (b Bounds) AreaMM2(mpp float64) float64 {
	return b.AreaPx() * mpp * mpp * 1e-6
}

// Empty reports whether the rectangle has no interior.
func (b Bounds) Empty() bool { return b.WidthPx() <= 0 || b.HeightPx() <= 0 }

// ContainsPoint reports whether (x, y) lies inside the rectangle,
// boundary included.
func (b Bounds) ContainsPoint(x, y float64) bool {
	return b.XMin <= x && x <= b.XMax && b.YMin <= y && y <= b.YMax
}

// Transformer converts coordinates for one slide, parameterized only by
// the microns-per-pixel scale and the level-0 extent. It carries no
// other state.
type Transformer struct {
	MPP      float64
	L0Width  int
	L0Height int
}

// New returns a Transformer for a slide with the given scale and
// level-0 pixel extent.
func New(mpp float64, l0Width, l0Height int) Transformer {
	return Transformer{MPP: mpp, L0Width: l0Width, L0Height: l0Height}
}

// DownsampleFactor returns the pyramid downsample at a level. Levels
// halve resolution each step: level 0 is 1x, level 1 is 2x, and so on.
func DownsampleFactor(level int) int { return 1 << level }

// LevelToFull converts pyramid-level pixel coordinates to level-0 pixels.
func LevelToFull(x, y float64, level int) (float64, float64) {
	ds := float64(DownsampleFactor(level))
	return x * ds, y * ds
}

// FullToLevel converts level-0 pixel coordinates to pyramid-level pixels.
func FullToLevel(x, y float64, level int) (float64, float64) {
	ds := float64(DownsampleFactor(level))
	return x / ds, y / ds
}

// PxToUm converts a pixel distance to micrometres.
func (t Transformer) PxToUm(distancePx float64) float64 {
	return distancePx * t.MPP
}

// PxToMm converts a pixel distance to millimetres.
func (t Transformer) PxToMm(distancePx float64) float64 {
	return distancePx * t.MPP * 1e-3
}

// AreaPxToUm2 converts a pixel area to square micrometres.
func (t Transformer) AreaPxToUm2(areaPx float64) float64 {
	return areaPx * t.MPP * t.MPP
}

// AreaPxToMM2 converts a pixel area to square millimetres.
func (t Transformer) AreaPxToMM2(areaPx float64) float64 {
	return areaPx * t.MPP * t.MPP * 1e-6
}

// DensityPerMM2 computes objects per square millimetre. A zero or
// negative area yields 0 rather than an error or infinity.
func (t Transformer) DensityPerMM2(count int, areaPx float64) float64 {
	areaMM2 := t.AreaPxToMM2(areaPx)
	if areaMM2 <= 0 {
		return 0
	}
	return float64(count) / areaMM2
}

// ClampRect intersects the rectangle (x, y, w, h) with the slide extent
// [0,width)x[0,height). The intersection may be empty; the result is
// still a valid Bounds, never an error.
func (t Transformer) ClampRect(x, y, w, h float64) Bounds {
	maxW, maxH := float64(t.L0Width), float64(t.L0Height)
	b := Bounds{
		XMin: math.Min(math.Max(0, x), maxW),
		YMin: math.Min(math.Max(0, y), maxH),
		XMax: math.Max(math.Min(maxW, x+w), 0),
		YMax: math.Max(math.Min(maxH, y+h), 0),
	}
	if b.XMax < b.XMin {
		b.XMax = b.XMin
	}
	if b.YMax < b.YMin {
		b.YMax = b.YMin
	}
	return b
}

// ViewportToLevel0 converts a viewport rectangle expressed at a pyramid
// level into clamped level-0 bounds.
func (t Transformer) ViewportToLevel0(x, y, w, h float64, level int) Bounds {
	ds := float64(DownsampleFactor(level))
	return t.ClampRect(x*ds, y*ds, w*ds, h*ds)
}

// ScaleBarPx returns how many pixels at the given level span targetUm
// micrometres. Used by the viewer's virtual micrometer.
func (t Transformer) ScaleBarPx(targetUm float64, level int) float64 {
	ds := float64(DownsampleFactor(level))
	return targetUm / (t.MPP * ds)
}
