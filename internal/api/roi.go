package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/transform"
)

// roiRequest is a region-of-interest read: a rectangle in
// pyramid-level pixel coordinates over one slide's stored nuclei.
type roiRequest struct {
	SlideID string  `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Level   int     `json:"level"`
}

func (s *Server) resolveROI(w http.ResponseWriter, r *http.Request) (db.Slide, transform.Bounds, bool) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return db.Slide{}, transform.Bounds{}, false
	}
	var req roiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return db.Slide{}, transform.Bounds{}, false
	}
	if req.Level < 0 {
		s.writeJSONError(w, http.StatusUnprocessableEntity, "Pyramid level must not be negative")
		return db.Slide{}, transform.Bounds{}, false
	}

	slide, err := s.db.GetSlide(r.Context(), req.SlideID)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return db.Slide{}, transform.Bounds{}, false
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return db.Slide{}, transform.Bounds{}, false
	}

	tr := transform.New(slide.MPP, int(slide.WidthPx), int(slide.HeightPx))
	bounds := tr.ViewportToLevel0(req.X, req.Y, req.Width, req.Height, req.Level)
	return slide, bounds, true
}

// roiStats aggregates stored nuclei in a region. An empty region is a
// valid request with a zeroed summary, not an error.
func (s *Server) roiStats(w http.ResponseWriter, r *http.Request) {
	slide, bounds, ok := s.resolveROI(w, r)
	if !ok {
		return
	}
	stats, err := s.db.ROIStatsFor(r.Context(), slide.ID, bounds, slide.MPP)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compute ROI stats: %v", err))
		return
	}
	s.writeJSON(w, stats)
}

// roiNuclei returns the nuclei in a region, truncated at the viewport
// cap. The response says when it was truncated so the viewer can warn.
func (s *Server) roiNuclei(w http.ResponseWriter, r *http.Request) {
	slide, bounds, ok := s.resolveROI(w, r)
	if !ok {
		return
	}
	res, err := s.db.NucleiInViewport(r.Context(), slide.ID, bounds, s.tuning.ViewportCap)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read nuclei: %v", err))
		return
	}
	if res.Nuclei == nil {
		res.Nuclei = []db.ViewportNucleus{}
	}
	s.writeJSON(w, struct {
		SlideID  string           `json:"slide_id"`
		BoundsL0 transform.Bounds `json:"bounds_l0"`
		db.ViewportResult
	}{slide.ID, bounds, res})
}
