// Package api is the HTTP surface of slidekick: slide management,
// tile serving, viewport inference with a streamed progress channel,
// and spatial reads over stored nuclei. The service is single-tenant
// and refuses non-loopback clients.
package api

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/inference"
	"github.com/slidekick-data/slidekick/internal/wsi"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db           *db.DB
	pool         *wsi.Pool
	orchestrator *inference.Orchestrator
	tuning       config.Tuning
	slidesDir    string
}

func NewServer(database *db.DB, pool *wsi.Pool, orchestrator *inference.Orchestrator, tuning config.Tuning, slidesDir string) *Server {
	return &Server{
		db:           database,
		pool:         pool,
		orchestrator: orchestrator,
		tuning:       tuning,
		slidesDir:    slidesDir,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// LoopbackOnlyMiddleware rejects requests that do not originate from
// the local machine. The service holds patient imagery and has no
// authentication layer, so nothing routable may reach it.
func LoopbackOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/api/slides", s.slidesCollection)
	mux.HandleFunc("/api/slides/", s.slideResource)
	mux.HandleFunc("/api/inference/viewport-stream", s.viewportStream)
	mux.HandleFunc("/api/roi/stats", s.roiStats)
	mux.HandleFunc("/api/roi/nuclei", s.roiNuclei)
	mux.HandleFunc("/api/boxes", s.boxesCollection)
	mux.HandleFunc("/api/boxes/", s.boxResource)
	s.db.AttachAdminRoutes(mux)
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
