package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Slide struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	Filepath  string            `json:"filepath"`
	MPP       float64           `json:"mpp"`
	WidthPx   int64             `json:"width_px"`
	HeightPx  int64             `json:"height_px"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CreateSlide registers a slide file and returns the stored record with
// its generated id.
func (db *DB) CreateSlide(ctx context.Context, s Slide) (Slide, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return Slide{}, fmt.Errorf("marshal slide metadata: %w", err)
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err = db.ExecContext(ctx, `
		INSERT INTO slides (id, filename, filepath, mpp, width_px, height_px, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Filename, s.Filepath, s.MPP, s.WidthPx, s.HeightPx, string(metadata), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return Slide{}, fmt.Errorf("insert slide: %w", err)
	}
	return s, nil
}

// GetSlide returns the slide with the given id, or ErrNotFound.
func (db *DB) GetSlide(ctx context.Context, id string) (Slide, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, filename, filepath, mpp, width_px, height_px, metadata, created_at, updated_at
		FROM slides WHERE id = ?`, id)
	return scanSlide(row)
}

// GetSlideByPath returns the slide registered for a filesystem path, or
// ErrNotFound. Used to keep ingestion idempotent per path.
func (db *DB) GetSlideByPath(ctx context.Context, path string) (Slide, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, filename, filepath, mpp, width_px, height_px, metadata, created_at, updated_at
		FROM slides WHERE filepath = ?`, path)
	return scanSlide(row)
}

// ListSlides returns all registered slides, newest first.
func (db *DB) ListSlides(ctx context.Context) ([]Slide, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, filename, filepath, mpp, width_px, height_px, metadata, created_at, updated_at
		FROM slides ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query slides: %w", err)
	}
	defer rows.Close()

	var slides []Slide
	for rows.Next() {
		s, err := scanSlide(rows)
		if err != nil {
			return nil, err
		}
		slides = append(slides, s)
	}
	return slides, rows.Err()
}

// DeleteSlide removes a slide. Analysis boxes and nuclei under it go
// with it through the foreign key cascades, and the delete triggers
// keep the R-tree in step. Returns ErrNotFound if the id is unknown.
func (db *DB) DeleteSlide(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM slides WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete slide: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlide(row rowScanner) (Slide, error) {
	var s Slide
	var metadata string
	err := row.Scan(&s.ID, &s.Filename, &s.Filepath, &s.MPP, &s.WidthPx, &s.HeightPx, &metadata, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Slide{}, ErrNotFound
	}
	if err != nil {
		return Slide{}, fmt.Errorf("scan slide: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
		return Slide{}, fmt.Errorf("unmarshal slide metadata: %w", err)
	}
	return s, nil
}
