package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// DownloadLabel identifies a download lifecycle event by delivery mode
// (pipe or save), media kind (audio or video), and terminal status.
type DownloadLabel struct {
	Mode   string
	Kind   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// download lifecycle events, extraction attempts, and streamed byte totals.
// It coordinates concurrent writers via a RWMutex while exposing a
// thread-safe gauge for active download tracking.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	downloadEvents     map[DownloadLabel]uint64
	extractionAttempts map[string]uint64
	extractionFailures map[string]uint64
	activeDownloads    atomic.Int64
	bytesStreamed      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		downloadEvents:     make(map[DownloadLabel]uint64),
		extractionAttempts: make(map[string]uint64),
		extractionFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// DownloadStarted records a download start and increments the active
// download gauge atomically so concurrent requests remain consistent.
func (r *Recorder) DownloadStarted(mode, kind string) {
	r.observeDownload(mode, kind, "started")
	r.activeDownloads.Add(1)
}

// DownloadCompleted records a clean completion and releases the gauge slot.
func (r *Recorder) DownloadCompleted(mode, kind string) {
	r.observeDownload(mode, kind, "completed")
	r.decrementGauge(&r.activeDownloads)
}

// DownloadFailed records a failed download and releases the gauge slot.
func (r *Recorder) DownloadFailed(mode, kind string) {
	r.observeDownload(mode, kind, "failed")
	r.decrementGauge(&r.activeDownloads)
}

// DownloadCanceled records a client-aborted download and releases the gauge slot.
func (r *Recorder) DownloadCanceled(mode, kind string) {
	r.observeDownload(mode, kind, "canceled")
	r.decrementGauge(&r.activeDownloads)
}

func (r *Recorder) observeDownload(mode, kind, status string) {
	label := DownloadLabel{
		Mode:   normalizeName(mode),
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.downloadEvents[label]++
	r.mu.Unlock()
}

// ObserveExtractionAttempt records a metadata resolution attempt keyed by
// outcome source (e.g. "resolve", "cache_hit").
func (r *Recorder) ObserveExtractionAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.extractionAttempts[op]++
	r.mu.Unlock()
}

// ObserveExtractionFailure records a failed metadata resolution.
func (r *Recorder) ObserveExtractionFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.extractionFailures[op]++
	r.mu.Unlock()
}

// AddBytesStreamed accumulates the number of payload bytes relayed to clients.
func (r *Recorder) AddBytesStreamed(n int64) {
	if n > 0 {
		r.bytesStreamed.Add(n)
	}
}

// ActiveDownloads reports the current number of in-flight downloads.
func (r *Recorder) ActiveDownloads() int64 {
	return r.activeDownloads.Load()
}

// Handler exposes the recorder in the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.render()))
	})
}

func (r *Recorder) render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP streampull_http_requests_total Total HTTP requests by method, path, and status.\n")
	b.WriteString("# TYPE streampull_http_requests_total counter\n")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(&b, "streampull_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	b.WriteString("# HELP streampull_http_request_duration_seconds_sum Cumulative request duration by method, path, and status.\n")
	b.WriteString("# TYPE streampull_http_request_duration_seconds_sum counter\n")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(&b, "streampull_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %.6f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	b.WriteString("# HELP streampull_downloads_total Download lifecycle events by mode, kind, and status.\n")
	b.WriteString("# TYPE streampull_downloads_total counter\n")
	for _, label := range r.sortedDownloadLabels() {
		fmt.Fprintf(&b, "streampull_downloads_total{mode=%q,kind=%q,status=%q} %d\n",
			label.Mode, label.Kind, label.Status, r.downloadEvents[label])
	}

	b.WriteString("# HELP streampull_active_downloads In-flight downloads.\n")
	b.WriteString("# TYPE streampull_active_downloads gauge\n")
	fmt.Fprintf(&b, "streampull_active_downloads %d\n", r.activeDownloads.Load())

	b.WriteString("# HELP streampull_extraction_attempts_total Metadata resolution attempts by operation.\n")
	b.WriteString("# TYPE streampull_extraction_attempts_total counter\n")
	for _, op := range r.sortedExtractionOperations() {
		fmt.Fprintf(&b, "streampull_extraction_attempts_total{operation=%q} %d\n", op, r.extractionAttempts[op])
	}

	b.WriteString("# HELP streampull_extraction_failures_total Failed metadata resolutions by operation.\n")
	b.WriteString("# TYPE streampull_extraction_failures_total counter\n")
	for _, op := range r.sortedExtractionOperations() {
		if count, ok := r.extractionFailures[op]; ok {
			fmt.Fprintf(&b, "streampull_extraction_failures_total{operation=%q} %d\n", op, count)
		}
	}

	b.WriteString("# HELP streampull_streamed_bytes_total Payload bytes relayed to clients.\n")
	b.WriteString("# TYPE streampull_streamed_bytes_total counter\n")
	fmt.Fprintf(&b, "streampull_streamed_bytes_total %d\n", r.bytesStreamed.Load())

	return b.String()
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDownloadLabels() []DownloadLabel {
	labels := make([]DownloadLabel, 0, len(r.downloadEvents))
	for label := range r.downloadEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Mode != labels[j].Mode {
			return labels[i].Mode < labels[j].Mode
		}
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedExtractionOperations() []string {
	seen := make(map[string]struct{}, len(r.extractionAttempts)+len(r.extractionFailures))
	for op := range r.extractionAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.extractionFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.HasSuffix(path, "/") && len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
