package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/transform"
	"github.com/slidekick-data/slidekick/internal/wsi"
)

// slideExtensions is the allow-list of file types accepted for
// ingestion.
var slideExtensions = map[string]bool{
	".raw":  true,
	".svs":  true,
	".tif":  true,
	".tiff": true,
	".ndpi": true,
	".mrxs": true,
}

func (s *Server) slidesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSlides(w, r)
	case http.MethodPost:
		s.ingestSlide(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listSlides(w http.ResponseWriter, r *http.Request) {
	slides, err := s.db.ListSlides(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list slides: %v", err))
		return
	}
	if slides == nil {
		slides = []db.Slide{}
	}
	s.writeJSON(w, slides)
}

// ingestSlide registers a slide file from the configured slides
// directory. The filename is flattened to its base so a request can
// never walk outside the directory. Registering the same file twice
// returns the existing record.
func (s *Server) ingestSlide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string  `json:"filename"`
		MPP      float64 `json:"mpp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Filename == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'filename'")
		return
	}

	base := filepath.Base(req.Filename)
	ext := strings.ToLower(filepath.Ext(base))
	if !slideExtensions[ext] {
		s.writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Unsupported slide format %q", ext))
		return
	}
	path := filepath.Join(s.slidesDir, base)

	if existing, err := s.db.GetSlideByPath(r.Context(), path); err == nil {
		s.writeJSON(w, existing)
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to look up slide: %v", err))
		return
	}

	info, err := s.pool.SlideInfo(r.Context(), path)
	if err != nil {
		s.writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Failed to open slide: %v", err))
		return
	}

	mpp := info.MPP
	if req.MPP > 0 {
		mpp = req.MPP
	}
	if mpp <= 0 {
		mpp = s.tuning.DefaultMPP
	}

	slide, err := s.db.CreateSlide(r.Context(), db.Slide{
		Filename: base,
		Filepath: path,
		MPP:      mpp,
		WidthPx:  int64(info.Width),
		HeightPx: int64(info.Height),
		Metadata: info.Properties,
	})
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to register slide: %v", err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, slide)
}

// slideResource routes /api/slides/{id}[/...] by hand: detail and
// delete on the bare id, tiles and the scale bar below it.
func (s *Server) slideResource(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/slides/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, http.StatusNotFound, "Slide id required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getSlide(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.deleteSlide(w, r, id)
	case len(parts) == 1:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	case len(parts) == 5 && parts[1] == "tile" && r.Method == http.MethodGet:
		s.serveTile(w, r, id, parts[2], parts[3], parts[4])
	case len(parts) == 2 && parts[1] == "scale-bar" && r.Method == http.MethodGet:
		s.scaleBar(w, r, id)
	case len(parts) == 2 && parts[1] == "dzi" && r.Method == http.MethodGet:
		s.dziDescriptor(w, r, id)
	case len(parts) == 4 && parts[1] == "dzi_files" && r.Method == http.MethodGet:
		s.serveDZITile(w, r, id, parts[2], parts[3])
	case len(parts) == 2 && parts[1] == "thumbnail" && r.Method == http.MethodGet:
		s.thumbnail(w, r, id)
	default:
		s.writeJSONError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) getSlide(w http.ResponseWriter, r *http.Request, id string) {
	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}
	s.writeJSON(w, slide)
}

// deleteSlide removes the record, everything cascaded under it, and
// every pooled decoder handle for the file.
func (s *Server) deleteSlide(w http.ResponseWriter, r *http.Request, id string) {
	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}
	if err := s.db.DeleteSlide(r.Context(), id); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete slide: %v", err))
		return
	}
	s.pool.Invalidate(slide.Filepath)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request, id, levelStr, colStr, rowStr string) {
	level, err1 := strconv.Atoi(levelStr)
	col, err2 := strconv.Atoi(colStr)
	row, err3 := strconv.Atoi(rowStr)
	if err1 != nil || err2 != nil || err3 != nil || level < 0 || col < 0 || row < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid tile coordinates")
		return
	}

	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}

	tile, err := s.pool.ReadTile(r.Context(), slide.Filepath, level, col, row)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Failed to read tile: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(tile)
}

// scaleBar reports how many on-screen pixels a physical length spans
// at a pyramid level, for the viewer's virtual micrometer.
func (s *Server) scaleBar(w http.ResponseWriter, r *http.Request, id string) {
	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}

	targetUm := 100.0
	if v := r.URL.Query().Get("target_um"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'target_um' parameter")
			return
		}
		targetUm = parsed
	}
	level := 0
	if v := r.URL.Query().Get("level"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'level' parameter")
			return
		}
		level = parsed
	}

	tr := transform.New(slide.MPP, int(slide.WidthPx), int(slide.HeightPx))
	s.writeJSON(w, map[string]any{
		"target_um": targetUm,
		"level":     level,
		"pixels":    tr.ScaleBarPx(targetUm, level),
	})
}

// dziMaxLevel returns the topmost Deep Zoom level: the smallest L with
// 2^L covering the largest slide dimension. Deep Zoom counts levels the
// other way round from the pyramid, level 0 being a single pixel.
func dziMaxLevel(width, height int64) int {
	level := 0
	for d := int64(1); d < max(width, height); d <<= 1 {
		level++
	}
	return level
}

// dziDescriptor serves the Deep Zoom XML descriptor OpenSeadragon
// bootstraps from.
func (s *Server) dziDescriptor(w http.ResponseWriter, r *http.Request, id string) {
	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Image xmlns="http://schemas.microsoft.com/deepzoom/2008" Format="png" Overlap="0" TileSize="%d"><Size Width="%d" Height="%d"/></Image>`,
		wsi.TileSize, slide.WidthPx, slide.HeightPx)
}

// serveDZITile maps a Deep Zoom tile address onto the pyramid and
// serves it. The file component is "{col}_{row}.png".
func (s *Server) serveDZITile(w http.ResponseWriter, r *http.Request, id, levelStr, fileStr string) {
	name, ok := strings.CutSuffix(fileStr, ".png")
	if !ok {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid tile name")
		return
	}
	colStr, rowStr, ok := strings.Cut(name, "_")
	if !ok {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid tile name")
		return
	}
	dziLevel, err1 := strconv.Atoi(levelStr)
	col, err2 := strconv.Atoi(colStr)
	row, err3 := strconv.Atoi(rowStr)
	if err1 != nil || err2 != nil || err3 != nil || dziLevel < 0 || col < 0 || row < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid tile coordinates")
		return
	}

	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}

	level := dziMaxLevel(slide.WidthPx, slide.HeightPx) - dziLevel
	if level < 0 {
		s.writeJSONError(w, http.StatusNotFound, "Level beyond full resolution")
		return
	}
	tile, err := s.pool.ReadTile(r.Context(), slide.Filepath, level, col, row)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Failed to read tile: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(tile)
}

// thumbnail renders a small preview of the whole slide, cached to disk
// under the slides directory so repeat requests skip the decoder.
func (s *Server) thumbnail(w http.ResponseWriter, r *http.Request, id string) {
	maxSize := 200
	if v := r.URL.Query().Get("max_size"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 2048 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'max_size' parameter")
			return
		}
		maxSize = parsed
	}

	slide, err := s.db.GetSlide(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Slide not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load slide: %v", err))
		return
	}

	cacheDir := filepath.Join(s.slidesDir, ".thumbnails")
	cachePath := filepath.Join(cacheDir, fmt.Sprintf("%s_%d.png", slide.ID, maxSize))
	if cached, err := os.ReadFile(cachePath); err == nil {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(cached)
		return
	}

	info, err := s.pool.SlideInfo(r.Context(), slide.Filepath)
	if err != nil {
		s.writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Failed to open slide: %v", err))
		return
	}
	// The coarsest level fits in one tile, so it is the whole slide.
	tile, err := s.pool.ReadTile(r.Context(), slide.Filepath, info.LevelCount-1, 0, 0)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read slide overview: %v", err))
		return
	}
	img, err := png.Decode(bytes.NewReader(tile))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to decode slide overview: %v", err))
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, shrinkToFit(img, maxSize)); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to encode thumbnail: %v", err))
		return
	}
	// Cache writes are best effort; a miss just re-renders.
	if err := os.MkdirAll(cacheDir, 0o755); err == nil {
		os.WriteFile(cachePath, buf.Bytes(), 0o644)
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(buf.Bytes())
}

// shrinkToFit downsamples an image so neither dimension exceeds
// maxSize, by nearest-neighbour sampling. Images already small enough
// pass through untouched.
func shrinkToFit(src image.Image, maxSize int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSize && h <= maxSize {
		return src
	}
	scale := float64(maxSize) / float64(max(w, h))
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			dst.Set(x, y, src.At(b.Min.X+x*w/nw, b.Min.Y+y*h/nh))
		}
	}
	return dst
}
