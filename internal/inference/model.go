// Package inference runs viewport cell-detection: it cuts a decoded
// slide region into overlapping model patches, batches them through a
// segmentation model, aggregates the detections into summary
// morphometrics and persists box plus nuclei in one transaction.
package inference

// Patch is one model input tile cut from a padded region. OriginX and
// OriginY are the level-0 coordinates of the top-left corner of the
// patch's output window, not of the padded input window.
type Patch struct {
	OriginX int
	OriginY int
	// Pix is InputSize*InputSize RGB, row-major, three bytes per pixel.
	Pix []uint8
}

// Detection is one nucleus found by the model, in output-window-local
// pixel coordinates.
type Detection struct {
	// X, Y is the centroid.
	X, Y float64
	// Contour is the boundary polygon, may be empty for low-detail hits.
	Contour [][2]float64
	// CellType is a PanNuke class code.
	CellType    int
	Probability float64
}

// Model segments and classifies nuclei in RGB patches. Implementations
// must be safe for calls from a single goroutine at a time; the
// orchestrator never calls InferBatch concurrently.
type Model interface {
	// PatchInputSize is the square input tile edge in pixels.
	PatchInputSize() int
	// PatchOutputSize is the square output window edge; the border
	// (input-output)/2 on each side is context only.
	PatchOutputSize() int
	// InferBatch runs the model over patches and returns one detection
	// slice per patch, index-aligned with the input.
	InferBatch(patches []Patch) ([][]Detection, error)
}
