package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"streampull/internal/cache"
	"streampull/internal/download"
	"streampull/internal/extract"
	"streampull/internal/observability/metrics"
	"streampull/internal/transcode"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeStub(t *testing.T, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub binaries require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

// resolverStub prints the given JSON document regardless of arguments.
func resolverStub(t *testing.T, doc string) *extract.Resolver {
	t.Helper()
	stub := writeStub(t, "fake-ytdlp", "cat <<'EOF'\n"+doc+"\nEOF\n")
	return extract.NewResolver(extract.Config{BinaryPath: stub, Logger: testLogger()})
}

func transcoderStub(t *testing.T, script string) *transcode.Manager {
	t.Helper()
	stub := writeStub(t, "fake-ffmpeg", script)
	manager, err := transcode.NewManager(transcode.Config{BinaryPath: stub, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func newTestHandler(t *testing.T, resolver *extract.Resolver, transcoder *transcode.Manager) *Handler {
	t.Helper()
	h := NewHandler(resolver, transcoder, nil)
	h.Logger = testLogger()
	h.Metrics = metrics.New()
	return h
}

func decodeDetail(t *testing.T, body []byte) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error document %q: %v", body, err)
	}
	return payload["detail"]
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, nil, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload["ok"] {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestInfoMissingURL(t *testing.T) {
	h := newTestHandler(t, nil, nil)
	rec := httptest.NewRecorder()
	h.Info(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "url") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestInfoAudioOnlyDescriptor(t *testing.T) {
	doc := `{"title": "Test Video", "acodec": "aac", "vcodec": "none", "duration": 42}`
	h := newTestHandler(t, resolverStub(t, doc), nil)

	rec := httptest.NewRecorder()
	h.Info(rec, httptest.NewRequest(http.MethodGet, "/info?q=https://example.com/watch?v=abc123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["title"] != "Test Video" {
		t.Fatalf("title = %v", payload["title"])
	}
	if payload["duration"] != float64(42) {
		t.Fatalf("duration = %v", payload["duration"])
	}
	if live, present := payload["isLive"]; !present || live != nil {
		t.Fatalf("isLive = %v (present=%v)", live, present)
	}
	if payload["acodec"] != "aac" {
		t.Fatalf("acodec = %v", payload["acodec"])
	}
}

func TestInfoExtractionFailure(t *testing.T) {
	stub := writeStub(t, "fake-ytdlp", "echo 'ERROR: Unsupported URL: https://example.com/x' >&2\nexit 1\n")
	resolver := extract.NewResolver(extract.Config{BinaryPath: stub, Logger: testLogger()})
	h := newTestHandler(t, resolver, nil)

	rec := httptest.NewRecorder()
	h.Info(rec, httptest.NewRequest(http.MethodGet, "/info?url=https://example.com/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "Unsupported URL") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestInfoUsesCache(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "calls")
	script := "echo x >> " + marker + "\ncat <<'EOF'\n{\"title\": \"Cached\", \"acodec\": \"aac\", \"vcodec\": \"none\"}\nEOF\n"
	stub := writeStub(t, "fake-ytdlp", script)
	resolver := extract.NewResolver(extract.Config{BinaryPath: stub, Logger: testLogger()})

	h := newTestHandler(t, resolver, nil)
	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	h.Cache = store

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Info(rec, httptest.NewRequest(http.MethodGet, "/info?q=https://example.com/cached", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	calls, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if got := len(strings.Fields(string(calls))); got != 1 {
		t.Fatalf("extractor invoked %d times, want 1", got)
	}
}

func TestDownloadMissingURL(t *testing.T) {
	h := newTestHandler(t, nil, nil)
	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDownloadUnknownMode(t *testing.T) {
	h := newTestHandler(t, nil, nil)
	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/x&mode=ftp", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "mode") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestDownloadRejectsPlaylist(t *testing.T) {
	doc := `{"title": "Mix", "entries": [{"id": "1", "title": "One"}, {"id": "2", "title": "Two"}]}`
	h := newTestHandler(t, resolverStub(t, doc), transcoderStub(t, "exit 0\n"))

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/playlist", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "playlists") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestDownloadRejectsVideoWithoutAudio(t *testing.T) {
	doc := `{"title": "Silent", "acodec": "none", "vcodec": "avc1", "url": "https://cdn.example/v"}`
	h := newTestHandler(t, resolverStub(t, doc), transcoderStub(t, "exit 0\n"))

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/silent", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "no audio") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestDownloadAudioPipe(t *testing.T) {
	doc := `{"title": "Song", "acodec": "aac", "vcodec": "none", "url": "https://cdn.example/a.m4a"}`
	h := newTestHandler(t, resolverStub(t, doc), transcoderStub(t, "printf 'encoded-bytes'\n"))

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/song&kind=audio&audio_format=mp3", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("content type = %q", got)
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, "attachment") || !strings.Contains(disposition, ".mp3") {
		t.Fatalf("disposition = %q", disposition)
	}
	if rec.Body.String() != "encoded-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestDownloadPipeClientDisconnectKillsTranscoder(t *testing.T) {
	doc := `{"title": "Long", "acodec": "aac", "vcodec": "none", "url": "https://cdn.example/long"}`
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := "echo $$ > " + pidFile + "\nprintf 'x'\nexec sleep 30\n"
	h := newTestHandler(t, resolverStub(t, doc), transcoderStub(t, script))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/long&kind=audio", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Download(rec, req)
		close(done)
	}()

	// Wait for the transcoder stub to start before simulating the disconnect.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(pidFile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transcoder stub never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client disconnected")
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse pid %q: %v", raw, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		t.Fatalf("find process: %v", err)
	}
	if sigErr := proc.Signal(syscall.Signal(0)); sigErr == nil {
		t.Fatalf("transcoder process %d still running", pid)
	}

	metricsRec := httptest.NewRecorder()
	h.Metrics.Handler().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(metricsRec.Body.String(), `streampull_downloads_total{mode="pipe",kind="audio",status="canceled"} 1`) {
		t.Fatalf("canceled download not recorded:\n%s", metricsRec.Body.String())
	}
}

func TestDownloadTranscodeFailureBeforeOutput(t *testing.T) {
	doc := `{"title": "Broken", "acodec": "aac", "vcodec": "none", "url": "https://cdn.example/a"}`
	h := newTestHandler(t, resolverStub(t, doc), transcoderStub(t, "echo 'input error' >&2\nexit 1\n"))

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/broken&kind=audio", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadExtractionFailure(t *testing.T) {
	stub := writeStub(t, "fake-ytdlp", "echo 'ERROR: Unsupported URL' >&2\nexit 1\n")
	resolver := extract.NewResolver(extract.Config{BinaryPath: stub, Logger: testLogger()})
	h := newTestHandler(t, resolver, transcoderStub(t, "exit 0\n"))

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec.Body.Bytes()); !strings.Contains(detail, "Unsupported URL") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestDownloadSaveMode(t *testing.T) {
	doc := `{"title": "Saved", "acodec": "aac", "vcodec": "none"}`
	resolver := resolverStub(t, doc)

	script := `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
dir=$(dirname "$out")
printf 'saved-bytes' > "$dir/Track [x1].mp3"
`
	stub := writeStub(t, "fake-ytdlp-dl", script)
	downloader, err := download.NewDownloader(download.Config{BinaryPath: stub, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	h := newTestHandler(t, resolver, nil)
	h.Downloader = downloader

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/download?url=https://example.com/save&kind=audio&mode=save", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "saved-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("content type = %q", got)
	}
}
