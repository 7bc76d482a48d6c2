package inference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/transform"
	"github.com/slidekick-data/slidekick/internal/wsi"
)

// Validation errors, surfaced synchronously by Run before any event is
// emitted.
var (
	ErrSlideNotFound = errors.New("inference: slide not found")
	ErrEmptyViewport = errors.New("inference: viewport is empty after clamping")
	ErrInvalidLevel  = errors.New("inference: pyramid level out of range")
)

// Request describes a viewport analysis: a rectangle in pyramid-level
// pixel coordinates over one slide.
type Request struct {
	SlideID string  `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Level   int     `json:"level"`
}

// Nucleus is one detection lifted into level-0 coordinates with its
// physical morphometrics attached. A degenerate contour (fewer than
// three vertices, zero area or self-intersecting) yields neither
// morphometrics nor a stored contour.
type Nucleus struct {
	X, Y         float64
	Contour      [][2]float64
	CellType     int
	Probability  float64
	AreaUm2      float64
	PerimeterUm  float64
	validContour bool
}

// NucleusView is the wire shape of a detected nucleus on the stream:
// centroid, class and confidence, without the contour payload.
type NucleusView struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	CellType     int     `json:"cell_type"`
	CellTypeName string  `json:"cell_type_name"`
	Probability  float64 `json:"probability"`
}

// Event is one message on the analysis stream. Progress events carry
// the flat counter fields; the single terminal event is either
// complete (with the persisted box and its nuclei) or error (with a
// message). The channel closes after the terminal event.
type Event struct {
	Type string `json:"type"` // progress, complete or error

	// Progress fields. The counters serialize even at zero: the first
	// snapshot of a run legitimately reports current 0.
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status,omitempty"`

	// Message carries the stage note on progress events and the
	// failure description on error events.
	Message string `json:"message,omitempty"`

	// Completion payload. Count serializes even when an analysed
	// region held no nuclei at all.
	Box    *db.AnalysisBox `json:"box,omitempty"`
	Nuclei []NucleusView   `json:"nuclei,omitempty"`
	Count  int64           `json:"count"`
}

// Orchestrator drives viewport analyses: region read and batched model
// inference both scheduled on the shared worker pool, aggregation, then
// a single transaction writing the analysis box and its nuclei.
type Orchestrator struct {
	Pool   *wsi.Pool
	Model  Model
	DB     *db.DB
	Tuning config.Tuning
}

// Run validates the request and starts the analysis. Validation
// failures return an error immediately with no event stream. On
// success the returned channel carries progress snapshots every
// ProgressInterval and then one terminal event; it is closed after the
// terminal event. The analysis itself is not cancelled if ctx is:
// once started, it runs to completion so the persisted result is never
// half-made.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Level < 0 || req.Level > 16 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, req.Level)
	}

	slide, err := o.DB.GetSlide(ctx, req.SlideID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSlideNotFound, req.SlideID)
	}
	if err != nil {
		return nil, err
	}

	tr := transform.New(slide.MPP, int(slide.WidthPx), int(slide.HeightPx))
	bounds := tr.ViewportToLevel0(req.X, req.Y, req.Width, req.Height, req.Level)
	if bounds.Empty() {
		return nil, ErrEmptyViewport
	}

	events := make(chan Event, 8)
	go o.drive(context.WithoutCancel(ctx), slide, tr, bounds, events)
	return events, nil
}

// drive owns the event channel: it ticks progress snapshots while the
// pipeline runs and emits the single terminal event when it finishes.
func (o *Orchestrator) drive(ctx context.Context, slide db.Slide, tr transform.Transformer, bounds transform.Bounds, events chan<- Event) {
	defer close(events)

	tracker := &Tracker{}
	tracker.SetStatus(StatusReading, "")

	type outcome struct {
		box    *db.AnalysisBox
		nuclei []NucleusView
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		box, nuclei, err := o.pipeline(ctx, slide, tr, bounds, tracker)
		done <- outcome{box, nuclei, err}
	}()

	ticker := time.NewTicker(o.Tuning.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p := tracker.Snapshot()
			events <- Event{
				Type:       "progress",
				Current:    p.ProcessedPatches,
				Total:      p.TotalPatches,
				Percentage: p.Percent,
				Status:     p.Status,
				Message:    p.Message,
			}
		case out := <-done:
			if out.err != nil {
				log.Printf("inference failed for slide %s: %v", slide.ID, out.err)
				events <- Event{Type: "error", Message: out.err.Error()}
				return
			}
			p := tracker.Snapshot()
			events <- Event{
				Type:       "complete",
				Current:    p.ProcessedPatches,
				Total:      p.TotalPatches,
				Percentage: p.Percent,
				Box:        out.box,
				Nuclei:     out.nuclei,
				Count:      out.box.TotalNuclei,
			}
			return
		}
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, slide db.Slide, tr transform.Transformer, bounds transform.Bounds, tracker *Tracker) (*db.AnalysisBox, []NucleusView, error) {
	region, err := o.Pool.OpenRegion(ctx, slide.Filepath,
		int(bounds.XMin), int(bounds.YMin),
		int(bounds.WidthPx()), int(bounds.HeightPx()))
	if err != nil {
		return nil, nil, fmt.Errorf("read region: %w", err)
	}

	patches := CutPatches(region, o.Model.PatchInputSize(), o.Model.PatchOutputSize())
	tracker.SetTotal(len(patches))
	tracker.SetStatus(StatusInferring, "")

	var nuclei []Nucleus
	for i := 0; i < len(patches); i += o.Tuning.BatchSize {
		end := min(i+o.Tuning.BatchSize, len(patches))
		batch := patches[i:end]

		// The batch runs on a pool slot so concurrent analyses and tile
		// serving contend for the same fixed set of workers.
		var detections [][]Detection
		var inferErr error
		if err := o.Pool.Do(ctx, func() {
			detections, inferErr = o.Model.InferBatch(batch)
		}); err != nil {
			return nil, nil, fmt.Errorf("schedule infer batch: %w", err)
		}
		if inferErr != nil {
			return nil, nil, fmt.Errorf("infer batch: %w", inferErr)
		}

		found := 0
		for pi, dets := range detections {
			for _, det := range dets {
				n, ok := liftDetection(det, batch[pi], bounds, tr)
				if !ok {
					continue
				}
				nuclei = append(nuclei, n)
				found++
			}
		}
		tracker.Advance(len(batch), found)
	}

	tracker.SetStatus(StatusAggregating, "")
	box := aggregate(nuclei, slide, bounds, tr)

	tracker.SetStatus(StatusPersisting, "")
	if err := o.persist(ctx, slide, box, nuclei); err != nil {
		return nil, nil, err
	}

	views := make([]NucleusView, len(nuclei))
	for i, n := range nuclei {
		views[i] = NucleusView{
			X:            n.X,
			Y:            n.Y,
			CellType:     n.CellType,
			CellTypeName: config.CellTypeName(n.CellType),
			Probability:  n.Probability,
		}
	}
	return box, views, nil
}

// liftDetection converts a patch-local detection into a level-0
// nucleus. Detections whose centroid falls outside the analysed bounds
// come from edge-patch overhang and are dropped.
func liftDetection(det Detection, patch Patch, bounds transform.Bounds, tr transform.Transformer) (Nucleus, bool) {
	n := Nucleus{
		X:           det.X + float64(patch.OriginX),
		Y:           det.Y + float64(patch.OriginY),
		CellType:    det.CellType,
		Probability: det.Probability,
	}
	if !bounds.ContainsPoint(n.X, n.Y) {
		return Nucleus{}, false
	}
	if len(det.Contour) > 0 {
		n.Contour = make([][2]float64, len(det.Contour))
		for i, v := range det.Contour {
			n.Contour[i] = [2]float64{v[0] + float64(patch.OriginX), v[1] + float64(patch.OriginY)}
		}
		if ValidPolygon(n.Contour) {
			n.AreaUm2 = tr.AreaPxToUm2(PolygonArea(n.Contour))
			n.PerimeterUm = tr.PxToUm(PolygonPerimeter(n.Contour))
			n.validContour = true
		}
	}
	return n, true
}

// aggregate builds the unsaved analysis box summary: per-class
// tallies, physical area, density and the neoplastic fraction.
func aggregate(nuclei []Nucleus, slide db.Slide, bounds transform.Bounds, tr transform.Transformer) *db.AnalysisBox {
	counts := make(map[string]db.CellTypeTally, config.CellTypeCount)
	neoplastic := 0
	for _, n := range nuclei {
		key := fmt.Sprintf("%d", n.CellType)
		tally := counts[key]
		tally.Count++
		tally.Name = config.CellTypeName(n.CellType)
		counts[key] = tally
		if n.CellType == config.CellTypeNeoplastic {
			neoplastic++
		}
	}

	box := &db.AnalysisBox{
		SlideID:        slide.ID,
		Bounds:         bounds,
		TotalNuclei:    int64(len(nuclei)),
		AreaMM2:        bounds.AreaMM2(tr.MPP),
		DensityPerMM2:  tr.DensityPerMM2(len(nuclei), bounds.AreaPx()),
		CellTypeCounts: counts,
		CreatedAt:      time.Now().UTC(),
	}
	if len(nuclei) > 0 {
		box.NeoplasticRatio = float64(neoplastic) / float64(len(nuclei))
	}
	return box
}

// persist writes the analysis box and every nucleus in one transaction.
// A failure anywhere rolls the whole analysis back.
func (o *Orchestrator) persist(ctx context.Context, slide db.Slide, box *db.AnalysisBox, nuclei []Nucleus) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persistence: %w", err)
	}
	defer tx.Rollback()

	label, err := db.NextAnalysisLabelTx(ctx, tx, slide.ID)
	if err != nil {
		return err
	}
	box.ID = db.NewBoxID()
	box.Label = label

	if err := db.InsertAnalysisBoxTx(ctx, tx, *box); err != nil {
		return err
	}

	boxRef := sql.NullString{String: box.ID, Valid: true}
	if _, err := db.BulkInsertNuclei(ctx, tx, nucleusRows(slide.ID, boxRef, nuclei), o.Tuning.BulkBatchSize); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persistence: %w", err)
	}
	return nil
}
