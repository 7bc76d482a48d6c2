package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/inference"
	"github.com/slidekick-data/slidekick/internal/wsi"
)

type testServer struct {
	server    *Server
	mux       *http.ServeMux
	db        *db.DB
	slidesDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp(); err != nil {
		t.Fatal(err)
	}

	tuning := config.Defaults()
	tuning.PatchInputSize = 32
	tuning.PatchOutputSize = 16
	tuning.BatchSize = 4
	tuning.ProgressInterval = 5 * time.Millisecond

	pool := wsi.NewPool(wsi.OpenRaw, 2)
	t.Cleanup(pool.Close)

	orchestrator := &inference.Orchestrator{
		Pool: pool,
		Model: &inference.BlobModel{
			InputSize:  tuning.PatchInputSize,
			OutputSize: tuning.PatchOutputSize,
			Threshold:  110,
			MinPixels:  4,
		},
		DB:     database,
		Tuning: tuning,
	}

	server := NewServer(database, pool, orchestrator, tuning, dir)
	return &testServer{
		server:    server,
		mux:       server.ServeMux(),
		db:        database,
		slidesDir: dir,
	}
}

// writeSlideFile paints dark reddish 6x6 blobs on a white 128x128
// slide inside the test slides directory.
func (ts *testServer) writeSlideFile(t *testing.T, name string, blobs [][2]int) {
	t.Helper()
	const size = 128
	pix := make([]uint8, size*size*3)
	for i := range pix {
		pix[i] = 255
	}
	for _, b := range blobs {
		for y := b[1]; y < b[1]+6; y++ {
			for x := b[0]; x < b[0]+6; x++ {
				i := (y*size + x) * 3
				pix[i], pix[i+1], pix[i+2] = 90, 20, 20
			}
		}
	}
	if err := wsi.WriteRaw(filepath.Join(ts.slidesDir, name), size, size, 0.25, pix); err != nil {
		t.Fatal(err)
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) ingest(t *testing.T, name string) db.Slide {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/slides", map[string]string{"filename": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	return decode[db.Slide](t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}

func TestSlideLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)

	slide := ts.ingest(t, "sample.raw")
	if slide.WidthPx != 128 || slide.HeightPx != 128 {
		t.Errorf("slide extent = %dx%d, want 128x128", slide.WidthPx, slide.HeightPx)
	}
	if slide.MPP != 0.25 {
		t.Errorf("mpp = %g, want 0.25", slide.MPP)
	}

	// Ingesting the same file again returns the existing record.
	rec := ts.do(t, http.MethodPost, "/api/slides", map[string]string{"filename": "sample.raw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("re-ingest returned %d", rec.Code)
	}
	if again := decode[db.Slide](t, rec); again.ID != slide.ID {
		t.Errorf("re-ingest created a new slide: %s vs %s", again.ID, slide.ID)
	}

	rec = ts.do(t, http.MethodGet, "/api/slides", nil)
	if slides := decode[[]db.Slide](t, rec); len(slides) != 1 {
		t.Errorf("expected 1 slide, got %d", len(slides))
	}

	rec = ts.do(t, http.MethodGet, "/api/slides/"+slide.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get slide returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/api/slides/"+slide.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete slide returned %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/slides/"+slide.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted slide still readable: %d", rec.Code)
	}
}

func TestIngestRejectsUnknownFormat(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/slides", map[string]string{"filename": "notes.txt"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for .txt, got %d", rec.Code)
	}
}

func TestIngestFlattensPath(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)

	// Traversal components are stripped down to the base name.
	rec := ts.do(t, http.MethodPost, "/api/slides", map[string]string{"filename": "../../etc/sample.raw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	slide := decode[db.Slide](t, rec)
	if filepath.Dir(slide.Filepath) != ts.slidesDir {
		t.Errorf("slide path escaped the slides dir: %s", slide.Filepath)
	}
}

func TestIngestMissingFile(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/slides", map[string]string{"filename": "absent.raw"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a missing file, got %d", rec.Code)
	}
}

func TestTileServing(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/tile/0/0/0", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tile returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("tile content type = %q", ct)
	}

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/tile/0/99/99", slide.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("out-of-range tile returned %d", rec.Code)
	}
}

func TestScaleBar(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/scale-bar?target_um=100&level=0", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scale-bar returned %d", rec.Code)
	}
	body := decode[map[string]float64](t, rec)
	// 100 um at 0.25 um/px is 400 px.
	if body["pixels"] != 400 {
		t.Errorf("pixels = %g, want 400", body["pixels"])
	}
}

func TestSlideThumbnail(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/thumbnail?max_size=50", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("thumbnail returned %d: %s", rec.Code, rec.Body.String())
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("thumbnail is not a PNG: %v", err)
	}
	if img.Bounds().Dx() > 50 || img.Bounds().Dy() > 50 {
		t.Errorf("thumbnail %dx%d exceeds max_size 50", img.Bounds().Dx(), img.Bounds().Dy())
	}

	// The rendered thumbnail lands in the disk cache and repeat
	// requests serve from it.
	cachePath := filepath.Join(ts.slidesDir, ".thumbnails", fmt.Sprintf("%s_50.png", slide.ID))
	if _, err := os.Stat(cachePath); err != nil {
		t.Errorf("thumbnail not cached: %v", err)
	}
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/thumbnail?max_size=50", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("cached thumbnail returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/thumbnail?max_size=0", slide.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid max_size returned %d", rec.Code)
	}
}

func TestSlideDZI(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/dzi", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dzi descriptor returned %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("descriptor content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `TileSize="256"`) || !strings.Contains(body, `Width="128"`) {
		t.Errorf("unexpected descriptor: %s", body)
	}

	// The topmost Deep Zoom level for a 128px slide is 7 and maps to
	// the full-resolution pyramid level.
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/dzi_files/7/0_0.png", slide.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dzi tile returned %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("dzi tile is not a PNG: %v", err)
	}

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/dzi_files/9/0_0.png", slide.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("beyond-full-resolution level returned %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/slides/%s/dzi_files/7/0_0.jpeg", slide.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("wrong tile extension returned %d", rec.Code)
	}
}

// sseEvents parses a server-sent event stream body into typed events.
func sseEvents(t *testing.T, body string) []inference.Event {
	t.Helper()
	var events []inference.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev inference.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("bad event payload %q: %v", data, err)
			}
			events = append(events, ev)
		}
	}
	return events
}

func TestViewportStream(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", [][2]int{{4, 4}, {36, 20}})
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodPost, "/api/inference/viewport-stream", map[string]any{
		"slide_id": slide.ID,
		"x":        0, "y": 0, "width": 128, "height": 128,
		"level": 0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("no events on stream")
	}
	last := events[len(events)-1]
	if last.Type != "complete" {
		t.Fatalf("last event = %q (%s)", last.Type, last.Message)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type != "progress" {
			t.Errorf("non-progress event before terminal: %q", ev.Type)
		}
	}
	if last.Count != 2 || len(last.Nuclei) != 2 {
		t.Errorf("terminal count = %d with %d nuclei, want 2", last.Count, len(last.Nuclei))
	}
	if last.Box == nil || last.Box.Label != "Analysis 1" {
		t.Errorf("terminal box = %+v", last.Box)
	}
}

func TestViewportStreamValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", nil)
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodPost, "/api/inference/viewport-stream", map[string]any{
		"slide_id": "missing", "x": 0, "y": 0, "width": 10, "height": 10,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown slide returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/inference/viewport-stream", map[string]any{
		"slide_id": slide.ID, "x": 1000, "y": 1000, "width": 10, "height": 10,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty viewport returned %d", rec.Code)
	}
}

func TestROIEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", [][2]int{{4, 4}, {36, 20}, {70, 70}})
	slide := ts.ingest(t, "sample.raw")

	// Populate nuclei through the pipeline.
	rec := ts.do(t, http.MethodPost, "/api/inference/viewport-stream", map[string]any{
		"slide_id": slide.ID, "x": 0, "y": 0, "width": 128, "height": 128,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/roi/stats", map[string]any{
		"slide_id": slide.ID, "x": 0, "y": 0, "width": 128, "height": 128,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("roi stats returned %d: %s", rec.Code, rec.Body.String())
	}
	stats := decode[db.ROIStats](t, rec)
	if stats.TotalNuclei != 3 {
		t.Errorf("roi total = %d, want 3", stats.TotalNuclei)
	}
	if len(stats.Breakdown) != config.CellTypeCount {
		t.Errorf("breakdown has %d classes, want %d", len(stats.Breakdown), config.CellTypeCount)
	}

	// A sub-region holding one blob.
	rec = ts.do(t, http.MethodPost, "/api/roi/nuclei", map[string]any{
		"slide_id": slide.ID, "x": 0, "y": 0, "width": 16, "height": 16,
	})
	res := decode[db.ViewportResult](t, rec)
	if res.Count != 1 || res.Truncated {
		t.Errorf("sub-region read = %+v", res)
	}

	// An empty region is a valid request.
	rec = ts.do(t, http.MethodPost, "/api/roi/stats", map[string]any{
		"slide_id": slide.ID, "x": 100, "y": 100, "width": 4, "height": 4,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("empty region stats returned %d", rec.Code)
	}
}

func TestBoxEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.writeSlideFile(t, "sample.raw", [][2]int{{4, 4}, {36, 20}})
	slide := ts.ingest(t, "sample.raw")

	rec := ts.do(t, http.MethodPost, "/api/inference/viewport-stream", map[string]any{
		"slide_id": slide.ID, "x": 0, "y": 0, "width": 128, "height": 128,
	})
	if rec.Code != http.StatusOK {
		t.Fatal("stream failed")
	}

	rec = ts.do(t, http.MethodGet, "/api/boxes?slide_id="+slide.ID, nil)
	boxes := decode[[]db.AnalysisBox](t, rec)
	if len(boxes) != 1 {
		t.Fatalf("expected 1 box, got %d", len(boxes))
	}

	rec = ts.do(t, http.MethodGet, "/api/boxes/"+boxes[0].ID, nil)
	detail := decode[boxDetail](t, rec)
	if detail.TotalNuclei != 2 {
		t.Errorf("detail total = %d", detail.TotalNuclei)
	}
	// Both blobs are neoplastic: one class, zero entropy, full viability.
	if detail.ShannonEntropyBits != 0 {
		t.Errorf("entropy = %g, want 0", detail.ShannonEntropyBits)
	}
	if detail.ViabilityRatio != 1 {
		t.Errorf("viability = %g, want 1", detail.ViabilityRatio)
	}

	rec = ts.do(t, http.MethodGet, "/api/boxes/"+boxes[0].ID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cell composition") {
		t.Error("report missing chart title")
	}

	rec = ts.do(t, http.MethodDelete, "/api/boxes/"+boxes[0].ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete box returned %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/boxes/"+boxes[0].ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted box still readable: %d", rec.Code)
	}
}

func TestDescribeBoxEntropy(t *testing.T) {
	box := db.AnalysisBox{
		TotalNuclei: 4,
		CellTypeCounts: map[string]db.CellTypeTally{
			"1": {Count: 2, Name: "Neoplastic"},
			"4": {Count: 2, Name: "Dead"},
		},
	}
	detail := describeBox(box)
	// Two equal classes: exactly one bit of diversity.
	if math.Abs(detail.ShannonEntropyBits-1) > 1e-9 {
		t.Errorf("entropy = %g, want 1", detail.ShannonEntropyBits)
	}
	if detail.ViabilityRatio != 0.5 {
		t.Errorf("viability = %g, want 0.5", detail.ViabilityRatio)
	}
	if detail.InflammatoryIndex != 0 {
		t.Errorf("inflammatory index = %g, want 0", detail.InflammatoryIndex)
	}
}

func TestDescribeBoxRatios(t *testing.T) {
	box := db.AnalysisBox{
		TotalNuclei: 8,
		CellTypeCounts: map[string]db.CellTypeTally{
			"0": {Count: 2, Name: "Background"},
			"1": {Count: 4, Name: "Neoplastic"},
			"2": {Count: 2, Name: "Inflammatory"},
		},
	}
	detail := describeBox(box)

	// Inflammatory over the 6 non-background nuclei.
	if math.Abs(detail.InflammatoryIndex-2.0/6.0) > 1e-9 {
		t.Errorf("inflammatory index = %g, want %g", detail.InflammatoryIndex, 2.0/6.0)
	}
	if detail.ImmuneTumourRatio == nil || *detail.ImmuneTumourRatio != 0.5 {
		t.Errorf("immune/tumour ratio = %v, want 0.5", detail.ImmuneTumourRatio)
	}
	// Neoplastic present but no epithelial: the ratio is undefined.
	if detail.NeoplasticEpithelialRatio != nil {
		t.Errorf("ne/epithelial ratio = %v, want null", detail.NeoplasticEpithelialRatio)
	}
	if detail.ViabilityRatio != 1 {
		t.Errorf("viability = %g, want 1", detail.ViabilityRatio)
	}

	// No nuclei at all: every ratio defined as zero.
	empty := describeBox(db.AnalysisBox{})
	if empty.ImmuneTumourRatio == nil || *empty.ImmuneTumourRatio != 0 {
		t.Errorf("empty immune/tumour ratio = %v, want 0", empty.ImmuneTumourRatio)
	}
	if empty.NeoplasticEpithelialRatio == nil || *empty.NeoplasticEpithelialRatio != 0 {
		t.Errorf("empty ne/epithelial ratio = %v, want 0", empty.NeoplasticEpithelialRatio)
	}
}

func TestLoopbackOnlyMiddleware(t *testing.T) {
	handler := LoopbackOnlyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback request rejected: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.7:54321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("routable request allowed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "[::1]:54321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("IPv6 loopback rejected: %d", rec.Code)
	}
}
