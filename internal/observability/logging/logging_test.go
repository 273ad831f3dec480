package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Writer: &buf})
	logger.Info("hello", "key", "value")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["msg"] != "hello" || record["key"] != "value" {
		t.Fatalf("record = %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf})
	logger.Info("suppressed")
	logger.Warn("emitted")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info not filtered: %q", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "extract")
	logger.Info("ready")
	if !strings.Contains(buf.String(), `"component":"extract"`) {
		t.Fatalf("output = %q", buf.String())
	}
	if WithComponent(nil, "extract") != nil {
		t.Fatal("nil logger must stay nil")
	}
}

func TestContextIDPlumbing(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithDownloadID(ctx, "dl-1")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("request id = %q, %v", id, ok)
	}
	if id, ok := DownloadIDFromContext(ctx); !ok || id != "dl-1" {
		t.Fatalf("download id = %q, %v", id, ok)
	}

	var buf bytes.Buffer
	WithContext(ctx, New(Config{Writer: &buf})).Info("tagged")
	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) || !strings.Contains(out, `"download_id":"dl-1"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestContextWithRequestIDIgnoresBlank(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("blank id should not be stored")
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	base := New(Config{Writer: &bytes.Buffer{}})
	ctx := ContextWithLogger(context.Background(), base)
	if LoggerFromContext(ctx) != base {
		t.Fatal("logger not returned from context")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil for a bare context")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v (output %q)", err, buf.String())
	}
	if record["method"] != "GET" || record["path"] != "/info" {
		t.Fatalf("record = %v", record)
	}
	if record["status"] != float64(http.StatusAccepted) {
		t.Fatalf("status = %v", record["status"])
	}
}
