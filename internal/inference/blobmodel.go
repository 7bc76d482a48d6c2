package inference

import "github.com/slidekick-data/slidekick/internal/config"

// BlobModel is the built-in development model: it segments dark blobs
// by thresholding and 4-connected component labelling inside each
// patch's output window. It lets the full pipeline run end to end on a
// machine with no GPU runtime, and its output is deterministic for a
// given image.
type BlobModel struct {
	InputSize  int
	OutputSize int
	// Threshold is the mean-RGB value below which a pixel counts as
	// nuclear material.
	Threshold uint8
	// MinPixels drops components too small to be a nucleus.
	MinPixels int
}

// NewBlobModel returns a BlobModel with the standard patch geometry.
func NewBlobModel(t config.Tuning) *BlobModel {
	return &BlobModel{
		InputSize:  t.PatchInputSize,
		OutputSize: t.PatchOutputSize,
		Threshold:  110,
		MinPixels:  12,
	}
}

func (m *BlobModel) PatchInputSize() int  { return m.InputSize }
func (m *BlobModel) PatchOutputSize() int { return m.OutputSize }

func (m *BlobModel) InferBatch(patches []Patch) ([][]Detection, error) {
	out := make([][]Detection, len(patches))
	for i, p := range patches {
		out[i] = m.inferOne(p)
	}
	return out, nil
}

func (m *BlobModel) inferOne(p Patch) []Detection {
	pad := (m.InputSize - m.OutputSize) / 2

	// Mask of dark pixels restricted to the output window.
	mask := make([]bool, m.OutputSize*m.OutputSize)
	for y := 0; y < m.OutputSize; y++ {
		for x := 0; x < m.OutputSize; x++ {
			si := ((y+pad)*m.InputSize + (x + pad)) * 3
			mean := (int(p.Pix[si]) + int(p.Pix[si+1]) + int(p.Pix[si+2])) / 3
			mask[y*m.OutputSize+x] = mean < int(m.Threshold)
		}
	}

	var detections []Detection
	seen := make([]bool, len(mask))
	var stack []int
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}

		// Flood fill one component.
		stack = append(stack[:0], start)
		seen[start] = true
		var sumX, sumY, count int
		var sumR, sumG, sumB int
		minX, minY := m.OutputSize, m.OutputSize
		maxX, maxY := 0, 0
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%m.OutputSize, idx/m.OutputSize

			sumX += x
			sumY += y
			count++
			si := ((y+pad)*m.InputSize + (x + pad)) * 3
			sumR += int(p.Pix[si])
			sumG += int(p.Pix[si+1])
			sumB += int(p.Pix[si+2])
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)

			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || nx >= m.OutputSize || ny < 0 || ny >= m.OutputSize {
					continue
				}
				ni := ny*m.OutputSize + nx
				if mask[ni] && !seen[ni] {
					seen[ni] = true
					stack = append(stack, ni)
				}
			}
		}

		if count < m.MinPixels {
			continue
		}

		det := Detection{
			X:           float64(sumX) / float64(count),
			Y:           float64(sumY) / float64(count),
			CellType:    classifyBlob(sumR/count, sumG/count, sumB/count),
			Probability: blobConfidence(count),
			Contour: [][2]float64{
				{float64(minX), float64(minY)},
				{float64(maxX + 1), float64(minY)},
				{float64(maxX + 1), float64(maxY + 1)},
				{float64(minX), float64(maxY + 1)},
			},
		}
		detections = append(detections, det)
	}
	return detections
}

// classifyBlob assigns a class from the blob's mean colour. Crude, but
// stable and spread across the taxonomy so downstream aggregation has
// something to chew on.
func classifyBlob(r, g, b int) int {
	switch {
	case r > g && r > b:
		return config.CellTypeNeoplastic
	case g > r && g > b:
		return config.CellTypeInflammatory
	case b > r && b > g:
		return config.CellTypeConnective
	default:
		return config.CellTypeEpithelial
	}
}

// blobConfidence grows with component size and saturates at 0.99.
func blobConfidence(pixels int) float64 {
	c := 0.5 + float64(pixels)/400
	if c > 0.99 {
		c = 0.99
	}
	return c
}
