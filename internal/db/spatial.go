package db

import (
	"context"
	"fmt"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/transform"
)

// ViewportNucleus is the read-side shape of a nucleus: centroid, class
// and confidence, without the contour payload.
type ViewportNucleus struct {
	ID           int64   `json:"id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	CellType     int     `json:"cell_type"`
	CellTypeName string  `json:"cell_type_name"`
	Probability  float64 `json:"probability"`
}

// ViewportResult carries a capped viewport read. Truncated is set when
// more nuclei matched than the cap allowed through.
type ViewportResult struct {
	Nuclei    []ViewportNucleus `json:"nuclei"`
	Count     int               `json:"count"`
	Truncated bool              `json:"truncated"`
}

// NucleiInViewport returns nuclei whose centroid falls inside the
// level-0 bounds, at most cap of them. The R-tree cells are float32 and
// rounded outward, so they only narrow the scan; the exact predicate on
// the stored coordinates decides membership.
func (db *DB) NucleiInViewport(ctx context.Context, slideID string, b transform.Bounds, cap int) (ViewportResult, error) {
	if cap < 1 {
		cap = 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT n.id, n.x, n.y, n.cell_type, n.cell_type_name, n.probability
		FROM nuclei_rtree r
		JOIN nuclei n ON n.id = r.id
		WHERE r.max_x >= ? AND r.min_x <= ?
		  AND r.max_y >= ? AND r.min_y <= ?
		  AND n.slide_id = ?
		  AND n.x >= ? AND n.x <= ? AND n.y >= ? AND n.y <= ?
		ORDER BY n.id
		LIMIT ?`,
		b.XMin, b.XMax, b.YMin, b.YMax, slideID,
		b.XMin, b.XMax, b.YMin, b.YMax, cap+1)
	if err != nil {
		return ViewportResult{}, fmt.Errorf("query viewport nuclei: %w", err)
	}
	defer rows.Close()

	var res ViewportResult
	for rows.Next() {
		var n ViewportNucleus
		if err := rows.Scan(&n.ID, &n.X, &n.Y, &n.CellType, &n.CellTypeName, &n.Probability); err != nil {
			return ViewportResult{}, fmt.Errorf("scan viewport nucleus: %w", err)
		}
		if len(res.Nuclei) == cap {
			res.Truncated = true
			break
		}
		res.Nuclei = append(res.Nuclei, n)
	}
	if err := rows.Err(); err != nil {
		return ViewportResult{}, err
	}
	res.Count = len(res.Nuclei)
	return res, nil
}

// CellTypeStat is one class line of an ROI summary. Classes with no
// detections still appear with a zero count.
type CellTypeStat struct {
	CellType     int     `json:"cell_type"`
	CellTypeName string  `json:"cell_type_name"`
	Count        int64   `json:"count"`
	Fraction     float64 `json:"fraction"`
}

type ROIStats struct {
	TotalNuclei     int64            `json:"total_nuclei"`
	AreaMM2         float64          `json:"area_mm2"`
	DensityPerMM2   float64          `json:"density_per_mm2"`
	NeoplasticRatio float64          `json:"neoplastic_ratio"`
	Breakdown       []CellTypeStat   `json:"cell_type_breakdown"`
	MPP             float64          `json:"mpp"`
	BoundsL0        transform.Bounds `json:"bounds_l0"`
}

// ROIStatsFor aggregates stored nuclei inside the level-0 bounds:
// per-class counts, density over the region area and the neoplastic
// fraction. An empty region returns zeros, never an error.
func (db *DB) ROIStatsFor(ctx context.Context, slideID string, b transform.Bounds, mpp float64) (ROIStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT n.cell_type, COUNT(*)
		FROM nuclei_rtree r
		JOIN nuclei n ON n.id = r.id
		WHERE r.max_x >= ? AND r.min_x <= ?
		  AND r.max_y >= ? AND r.min_y <= ?
		  AND n.slide_id = ?
		  AND n.x >= ? AND n.x <= ? AND n.y >= ? AND n.y <= ?
		GROUP BY n.cell_type`,
		b.XMin, b.XMax, b.YMin, b.YMax, slideID,
		b.XMin, b.XMax, b.YMin, b.YMax)
	if err != nil {
		return ROIStats{}, fmt.Errorf("query roi stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64, config.CellTypeCount)
	var total int64
	for rows.Next() {
		var cellType int
		var count int64
		if err := rows.Scan(&cellType, &count); err != nil {
			return ROIStats{}, fmt.Errorf("scan roi stats: %w", err)
		}
		counts[cellType] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return ROIStats{}, err
	}

	tr := transform.Transformer{MPP: mpp}
	stats := ROIStats{
		TotalNuclei:   total,
		AreaMM2:       b.AreaMM2(mpp),
		DensityPerMM2: tr.DensityPerMM2(int(total), b.AreaPx()),
		MPP:           mpp,
		BoundsL0:      b,
	}
	if total > 0 {
		stats.NeoplasticRatio = float64(counts[config.CellTypeNeoplastic]) / float64(total)
	}
	for ct := 0; ct < config.CellTypeCount; ct++ {
		stat := CellTypeStat{
			CellType:     ct,
			CellTypeName: config.CellTypeName(ct),
			Count:        counts[ct],
		}
		if total > 0 {
			stat.Fraction = float64(counts[ct]) / float64(total)
		}
		stats.Breakdown = append(stats.Breakdown, stat)
	}
	return stats, nil
}
