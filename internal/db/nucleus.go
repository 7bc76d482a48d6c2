package db

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
)

// NucleusRow is one detected nucleus ready for insertion. Contour,
// area and perimeter are nullable: low-confidence detections can carry
// a centroid only.
type NucleusRow struct {
	SlideID      string
	BoxID        sql.NullString
	X            float64
	Y            float64
	Contour      sql.NullString
	CellType     int
	CellTypeName string
	Probability  float64
	AreaUm2      sql.NullFloat64
	PerimeterUm  sql.NullFloat64
}

const nucleusCols = 10

// BulkInsertNuclei streams rows into the nuclei table in multi-row
// INSERT statements of up to batchSize rows each, inside the caller's
// transaction. The R-tree index rows come from the insert trigger.
// Returns the number of rows written; on error the caller's rollback
// discards every batch, not just the failed one.
func BulkInsertNuclei(ctx context.Context, tx *sql.Tx, rows iter.Seq[NucleusRow], batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	args := make([]any, 0, batchSize*nucleusCols)
	var total int64

	flush := func() error {
		n := len(args) / nucleusCols
		if n == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO nuclei
			(slide_id, analysis_box_id, x, y, contour, cell_type, cell_type_name, probability, area_um2, perimeter_um)
			VALUES `)
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert nuclei batch: %w", err)
		}
		total += int64(n)
		args = args[:0]
		return nil
	}

	for row := range rows {
		args = append(args,
			row.SlideID, row.BoxID, row.X, row.Y, row.Contour,
			row.CellType, row.CellTypeName, row.Probability,
			row.AreaUm2, row.PerimeterUm)
		if len(args) == batchSize*nucleusCols {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// CountNuclei reports how many nuclei are stored for a slide.
func (db *DB) CountNuclei(ctx context.Context, slideID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nuclei WHERE slide_id = ?`, slideID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nuclei: %w", err)
	}
	return n, nil
}
