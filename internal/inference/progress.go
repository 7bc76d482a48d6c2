package inference

import "sync"

// Pipeline states, in order. Error can follow any of them.
const (
	StatusValidating  = "validating"
	StatusReading     = "reading_region"
	StatusInferring   = "running_inference"
	StatusAggregating = "aggregating"
	StatusPersisting  = "persisting"
	StatusComplete    = "complete"
	StatusError       = "error"
)

// Progress is a point-in-time snapshot of a running analysis.
type Progress struct {
	Status           string  `json:"status"`
	ProcessedPatches int     `json:"processed_patches"`
	TotalPatches     int     `json:"total_patches"`
	NucleiFound      int     `json:"nuclei_found"`
	Percent          float64 `json:"percent"`
	Message          string  `json:"message,omitempty"`
}

// Tracker is the shared progress state between the pipeline goroutine
// and the snapshot ticker. Counters only ever grow.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// SetStatus moves the pipeline to a new stage.
func (t *Tracker) SetStatus(status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Status = status
	t.p.Message = message
}

// SetTotal records the patch count once the region has been cut.
func (t *Tracker) SetTotal(patches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.TotalPatches = patches
}

// Advance records a finished batch: patches processed and nuclei found.
func (t *Tracker) Advance(patches, nuclei int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.ProcessedPatches += patches
	t.p.NucleiFound += nuclei
}

// Snapshot returns a copy of the current progress with the percentage
// filled in.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.p
	if p.TotalPatches > 0 {
		p.Percent = 100 * float64(p.ProcessedPatches) / float64(p.TotalPatches)
	}
	return p
}
