// Package config holds the runtime tuning knobs for slidekick.
package config

import (
	"fmt"
	"time"
)

// Tuning collects the constants that bound memory and native-handle
// pressure across the whole service. One worker pool is shared by tile
// serving and inference, so Workers is the single concurrency knob.
type Tuning struct {
	// Workers is the size of the shared blocking-work pool.
	Workers int

	// PatchInputSize and PatchOutputSize describe the segmentation
	// model's tile geometry. The difference between them is the context
	// border discarded on every side of a patch.
	PatchInputSize  int
	PatchOutputSize int

	// BatchSize is the number of patches handed to the model per call.
	BatchSize int

	// BulkBatchSize is the number of nucleus rows flushed per multi-row
	// INSERT during persistence.
	BulkBatchSize int

	// ViewportCap truncates viewport nucleus reads.
	ViewportCap int

	// DefaultMPP is used when a slide carries no resolution metadata.
	// 0.25 um/px is roughly a 40x objective.
	DefaultMPP float64

	// ProgressInterval is the cadence of progress snapshots on the
	// inference event stream.
	ProgressInterval time.Duration
}

// Defaults returns the production tuning values.
func Defaults() Tuning {
	return Tuning{
		Workers:          4,
		PatchInputSize:   256,
		PatchOutputSize:  164,
		BatchSize:        8,
		BulkBatchSize:    500,
		ViewportCap:      50000,
		DefaultMPP:       0.25,
		ProgressInterval: 300 * time.Millisecond,
	}
}

// Validate checks that the tuning values are usable.
func (t Tuning) Validate() error {
	if t.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", t.Workers)
	}
	if t.PatchOutputSize <= 0 || t.PatchInputSize < t.PatchOutputSize {
		return fmt.Errorf("patch sizes invalid: input=%d output=%d", t.PatchInputSize, t.PatchOutputSize)
	}
	if (t.PatchInputSize-t.PatchOutputSize)%2 != 0 {
		return fmt.Errorf("patch context border must be symmetric: input=%d output=%d", t.PatchInputSize, t.PatchOutputSize)
	}
	if t.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", t.BatchSize)
	}
	if t.BulkBatchSize < 1 {
		return fmt.Errorf("bulk batch size must be at least 1, got %d", t.BulkBatchSize)
	}
	if t.ViewportCap < 1 {
		return fmt.Errorf("viewport cap must be at least 1, got %d", t.ViewportCap)
	}
	if t.DefaultMPP <= 0 {
		return fmt.Errorf("default mpp must be positive, got %f", t.DefaultMPP)
	}
	return nil
}
