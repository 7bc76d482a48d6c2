package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
)

// boxReport renders a standalone HTML report for one analysis: the
// class composition as a bar chart with the summary numbers in the
// subtitle. Debugging-only endpoint, no auth beyond the loopback gate.
func (s *Server) boxReport(w http.ResponseWriter, r *http.Request, id string) {
	box, err := s.db.GetBox(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Box not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load box: %v", err))
		return
	}

	names := make([]string, 0, config.CellTypeCount)
	values := make([]opts.BarData, 0, config.CellTypeCount)
	for ct := 0; ct < config.CellTypeCount; ct++ {
		names = append(names, config.CellTypeName(ct))
		count := 0
		if tally, ok := box.CellTypeCounts[strconv.Itoa(ct)]; ok {
			count = tally.Count
		}
		values = append(values, opts.BarData{Value: count})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("Slidekick %s", box.Label),
			Width:     "900px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s: cell composition", box.Label),
			Subtitle: fmt.Sprintf("%d nuclei over %.3f mm2, %.1f/mm2, neoplastic ratio %.3f",
				box.TotalNuclei, box.AreaMM2, box.DensityPerMM2, box.NeoplasticRatio),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names)
	bar.AddSeries("nuclei", values)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
