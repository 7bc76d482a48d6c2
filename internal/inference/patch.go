package inference

import "github.com/slidekick-data/slidekick/internal/wsi"

// reflectIndex maps an out-of-range coordinate back into [0, n) by
// mirror reflection about the edges, matching the padding the model was
// trained with.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// CutPatches tiles a decoded region into model patches. Output windows
// tile the region edge to edge with stride outputSize; each input
// window extends (inputSize-outputSize)/2 pixels beyond its output
// window on every side, filled by reflection where it leaves the
// region. Patches at the right and bottom edges overhang the region;
// their overhanging output pixels are reflected too and the detections
// there are dropped later by the bounds filter.
func CutPatches(region *wsi.Region, inputSize, outputSize int) []Patch {
	if region.Width <= 0 || region.Height <= 0 {
		return nil
	}
	pad := (inputSize - outputSize) / 2

	cols := (region.Width + outputSize - 1) / outputSize
	rows := (region.Height + outputSize - 1) / outputSize

	patches := make([]Patch, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			outX := col * outputSize
			outY := row * outputSize

			pix := make([]uint8, inputSize*inputSize*3)
			for py := 0; py < inputSize; py++ {
				srcY := reflectIndex(outY-pad+py, region.Height)
				for px := 0; px < inputSize; px++ {
					srcX := reflectIndex(outX-pad+px, region.Width)
					si := (srcY*region.Width + srcX) * 3
					di := (py*inputSize + px) * 3
					pix[di] = region.Pix[si]
					pix[di+1] = region.Pix[si+1]
					pix[di+2] = region.Pix[si+2]
				}
			}

			patches = append(patches, Patch{
				OriginX: region.X + outX,
				OriginY: region.Y + outY,
				Pix:     pix,
			})
		}
	}
	return patches
}
