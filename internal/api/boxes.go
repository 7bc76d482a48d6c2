package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
)

func (s *Server) boxesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	slideID := r.URL.Query().Get("slide_id")
	if slideID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'slide_id' parameter")
		return
	}
	boxes, err := s.db.ListBoxes(r.Context(), slideID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list boxes: %v", err))
		return
	}
	if boxes == nil {
		boxes = []db.AnalysisBox{}
	}
	s.writeJSON(w, boxes)
}

func (s *Server) boxResource(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/boxes/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, http.StatusNotFound, "Box id required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getBox(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.deleteBox(w, r, id)
	case len(parts) == 2 && parts[1] == "report" && r.Method == http.MethodGet:
		s.boxReport(w, r, id)
	default:
		s.writeJSONError(w, http.StatusNotFound, "Not found")
	}
}

// boxDetail decorates a stored box with derived indices for the
// detail panel.
type boxDetail struct {
	db.AnalysisBox
	// ShannonEntropyBits measures class diversity over the detected
	// population, in bits. Six equally common classes would score
	// log2(6) = 2.585; a single class scores 0.
	ShannonEntropyBits float64 `json:"shannon_entropy_bits"`
	// ViabilityRatio is the fraction of nuclei not classified dead.
	ViabilityRatio float64 `json:"viability_ratio"`
	// InflammatoryIndex is the inflammatory fraction of the
	// non-background population.
	InflammatoryIndex float64 `json:"inflammatory_index"`
	// ImmuneTumourRatio is inflammatory over neoplastic; null when
	// undefined (inflammatory present but no neoplastic).
	ImmuneTumourRatio *float64 `json:"immune_tumour_ratio"`
	// NeoplasticEpithelialRatio is neoplastic over non-neoplastic
	// epithelial, with the same null convention.
	NeoplasticEpithelialRatio *float64 `json:"ne_epithelial_ratio"`
}

// safeRatio avoids JSON-unserializable infinities: a zero denominator
// under a positive numerator means the ratio is undefined, not zero.
func safeRatio(num, denom float64) *float64 {
	if denom > 0 {
		r := num / denom
		return &r
	}
	if num > 0 {
		return nil
	}
	zero := 0.0
	return &zero
}

func describeBox(box db.AnalysisBox) boxDetail {
	detail := boxDetail{AnalysisBox: box, ViabilityRatio: 1}
	if box.TotalNuclei == 0 {
		zero := 0.0
		detail.ImmuneTumourRatio = &zero
		detail.NeoplasticEpithelialRatio = &zero
		return detail
	}
	total := float64(box.TotalNuclei)

	counts := make([]float64, config.CellTypeCount)
	var dist []float64
	for key, tally := range box.CellTypeCounts {
		if tally.Count == 0 {
			continue
		}
		dist = append(dist, float64(tally.Count)/total)
		if code, err := strconv.Atoi(key); err == nil && code >= 0 && code < config.CellTypeCount {
			counts[code] = float64(tally.Count)
		}
	}

	detail.ViabilityRatio = (total - counts[config.CellTypeDead]) / total
	if nonBackground := total - counts[config.CellTypeBackground]; nonBackground > 0 {
		detail.InflammatoryIndex = counts[config.CellTypeInflammatory] / nonBackground
	}
	detail.ImmuneTumourRatio = safeRatio(counts[config.CellTypeInflammatory], counts[config.CellTypeNeoplastic])
	detail.NeoplasticEpithelialRatio = safeRatio(counts[config.CellTypeNeoplastic], counts[config.CellTypeEpithelial])
	detail.ShannonEntropyBits = stat.Entropy(dist) / math.Ln2
	return detail
}

func (s *Server) getBox(w http.ResponseWriter, r *http.Request, id string) {
	box, err := s.db.GetBox(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Box not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load box: %v", err))
		return
	}
	s.writeJSON(w, describeBox(box))
}

// deleteBox removes a stored analysis; the cascade takes its nuclei
// and the trigger takes their index rows.
func (s *Server) deleteBox(w http.ResponseWriter, r *http.Request, id string) {
	err := s.db.DeleteBox(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Box not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete box: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
