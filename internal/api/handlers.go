// Package api implements the HTTP handlers for the metadata and download
// endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"streampull/internal/cache"
	"streampull/internal/download"
	"streampull/internal/extract"
	"streampull/internal/observability/metrics"
	"streampull/internal/transcode"
)

const (
	// DefaultCacheTTL bounds how long resolved metadata is reused.
	DefaultCacheTTL = 5 * time.Minute
)

// Handler serves the API endpoints. All fields are set at construction and
// never mutated afterwards.
type Handler struct {
	Resolver   *extract.Resolver
	Transcoder *transcode.Manager
	Downloader *download.Downloader
	Cache      cache.Store
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	CacheTTL   time.Duration
	ChunkSize  int

	infoGroup singleflight.Group
}

// NewHandler constructs a Handler with defaults filled in.
func NewHandler(resolver *extract.Resolver, transcoder *transcode.Manager, downloader *download.Downloader) *Handler {
	return &Handler{
		Resolver:   resolver,
		Transcoder: transcoder,
		Downloader: downloader,
		Metrics:    metrics.Default(),
		Logger:     slog.Default(),
		CacheTTL:   DefaultCacheTTL,
		ChunkSize:  transcode.DefaultChunkSize,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) chunkSize() int {
	if h.ChunkSize > 0 {
		return h.ChunkSize
	}
	return transcode.DefaultChunkSize
}

func (h *Handler) cacheTTL() time.Duration {
	if h.CacheTTL > 0 {
		return h.CacheTTL
	}
	return DefaultCacheTTL
}

// Health reports service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDetail emits the API's error document shape.
func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
