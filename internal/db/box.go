package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slidekick-data/slidekick/internal/transform"
)

// CellTypeTally is a per-class slice of an analysis box summary.
type CellTypeTally struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

type AnalysisBox struct {
	ID              string                   `json:"id"`
	SlideID         string                   `json:"slide_id"`
	Label           string                   `json:"label"`
	Bounds          transform.Bounds         `json:"bounds"`
	TotalNuclei     int64                    `json:"total_nuclei"`
	AreaMM2         float64                  `json:"area_mm2"`
	DensityPerMM2   float64                  `json:"density_per_mm2"`
	NeoplasticRatio float64                  `json:"neoplastic_ratio"`
	CellTypeCounts  map[string]CellTypeTally `json:"cell_type_counts"`
	CreatedAt       time.Time                `json:"created_at"`
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NextAnalysisLabel returns "Analysis N" for the smallest positive N
// not already used by an "Analysis N" label on the slide. Deleted
// numbers are reused.
func (db *DB) NextAnalysisLabel(ctx context.Context, slideID string) (string, error) {
	return nextAnalysisLabel(ctx, db, slideID)
}

// NextAnalysisLabelTx picks the label inside the caller's transaction,
// so the read and the insert using it cannot interleave with another
// analysis committing the same number.
func NextAnalysisLabelTx(ctx context.Context, tx *sql.Tx, slideID string) (string, error) {
	return nextAnalysisLabel(ctx, tx, slideID)
}

func nextAnalysisLabel(ctx context.Context, q querier, slideID string) (string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT label FROM analysis_boxes WHERE slide_id = ? AND label LIKE 'Analysis %'`, slideID)
	if err != nil {
		return "", fmt.Errorf("query analysis labels: %w", err)
	}
	defer rows.Close()

	var used []int
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimPrefix(label, "Analysis "))
		if err != nil || n < 1 {
			continue
		}
		used = append(used, n)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	sort.Ints(used)
	next := 1
	for _, n := range used {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return fmt.Sprintf("Analysis %d", next), nil
}

// InsertAnalysisBoxTx writes a completed analysis box inside the
// caller's transaction, so box and nuclei land atomically.
func InsertAnalysisBoxTx(ctx context.Context, tx *sql.Tx, box AnalysisBox) error {
	if box.ID == "" {
		return errors.New("analysis box id is required")
	}
	counts, err := json.Marshal(box.CellTypeCounts)
	if err != nil {
		return fmt.Errorf("marshal cell type counts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_boxes
			(id, slide_id, label, x_min, y_min, x_max, y_max,
			 total_nuclei, area_mm2, density_per_mm2, neoplastic_ratio, cell_type_counts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		box.ID, box.SlideID, box.Label,
		box.Bounds.XMin, box.Bounds.YMin, box.Bounds.XMax, box.Bounds.YMax,
		box.TotalNuclei, box.AreaMM2, box.DensityPerMM2, box.NeoplasticRatio,
		string(counts), box.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis box: %w", err)
	}
	return nil
}

// NewBoxID returns a fresh analysis box id.
func NewBoxID() string { return uuid.NewString() }

// ListBoxes returns every analysis box on a slide, newest first.
func (db *DB) ListBoxes(ctx context.Context, slideID string) ([]AnalysisBox, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, slide_id, label, x_min, y_min, x_max, y_max,
		       total_nuclei, area_mm2, density_per_mm2, neoplastic_ratio, cell_type_counts, created_at
		FROM analysis_boxes WHERE slide_id = ?
		ORDER BY created_at DESC, id`, slideID)
	if err != nil {
		return nil, fmt.Errorf("query analysis boxes: %w", err)
	}
	defer rows.Close()

	var boxes []AnalysisBox
	for rows.Next() {
		box, err := scanBox(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, rows.Err()
}

// GetBox returns a single analysis box, or ErrNotFound.
func (db *DB) GetBox(ctx context.Context, id string) (AnalysisBox, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, slide_id, label, x_min, y_min, x_max, y_max,
		       total_nuclei, area_mm2, density_per_mm2, neoplastic_ratio, cell_type_counts, created_at
		FROM analysis_boxes WHERE id = ?`, id)
	return scanBox(row)
}

// DeleteBox removes an analysis box and, through the cascade, the
// nuclei attributed to it. Returns ErrNotFound if the id is unknown.
func (db *DB) DeleteBox(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM analysis_boxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete analysis box: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBox(row rowScanner) (AnalysisBox, error) {
	var box AnalysisBox
	var counts string
	err := row.Scan(&box.ID, &box.SlideID, &box.Label,
		&box.Bounds.XMin, &box.Bounds.YMin, &box.Bounds.XMax, &box.Bounds.YMax,
		&box.TotalNuclei, &box.AreaMM2, &box.DensityPerMM2, &box.NeoplasticRatio,
		&counts, &box.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisBox{}, ErrNotFound
	}
	if err != nil {
		return AnalysisBox{}, fmt.Errorf("scan analysis box: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &box.CellTypeCounts); err != nil {
		return AnalysisBox{}, fmt.Errorf("unmarshal cell type counts: %w", err)
	}
	return box, nil
}
