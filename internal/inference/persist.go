package inference

import (
	"database/sql"
	"encoding/json"
	"iter"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
)

// nucleusRows lazily converts detections to insertable rows so the
// bulk writer can stream them batch by batch without a second copy of
// the whole detection set.
func nucleusRows(slideID string, boxID sql.NullString, nuclei []Nucleus) iter.Seq[db.NucleusRow] {
	return func(yield func(db.NucleusRow) bool) {
		for _, n := range nuclei {
			row := db.NucleusRow{
				SlideID:      slideID,
				BoxID:        boxID,
				X:            n.X,
				Y:            n.Y,
				CellType:     n.CellType,
				CellTypeName: config.CellTypeName(n.CellType),
				Probability:  n.Probability,
			}
			// A degenerate contour stays NULL; so do the morphometrics
			// derived from it.
			if n.validContour {
				// Contours are small; an encode failure here would mean a
				// NaN vertex, which ValidPolygon already screened out.
				if buf, err := json.Marshal(n.Contour); err == nil {
					row.Contour = sql.NullString{String: string(buf), Valid: true}
				}
				row.AreaUm2 = sql.NullFloat64{Float64: n.AreaUm2, Valid: true}
				row.PerimeterUm = sql.NullFloat64{Float64: n.PerimeterUm, Valid: true}
			}
			if !yield(row) {
				return
			}
		}
	}
}
