// Package extract resolves stream metadata for a media URL by invoking the
// yt-dlp extractor binary and decoding its JSON document into typed values.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultRetries matches the bounded outbound retry count the extractor is
// asked to perform per request.
const DefaultRetries = 10

// DefaultTimeout bounds a single metadata resolution round trip.
const DefaultTimeout = 60 * time.Second

// Error describes a failed extractor invocation. The message carries the
// extractor's own diagnostic verbatim so callers can pass it through.
type Error struct {
	URL     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "extraction failed"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config controls how the resolver invokes the extractor binary.
type Config struct {
	BinaryPath string
	Retries    int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Resolver queries the extractor for stream metadata without downloading
// media. It holds no per-request state and is safe for concurrent use.
type Resolver struct {
	binary  string
	retries int
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver constructs a Resolver from the provided configuration,
// applying defaults for unset values.
func NewResolver(cfg Config) *Resolver {
	binary := strings.TrimSpace(cfg.BinaryPath)
	if binary == "" {
		binary = "yt-dlp"
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{binary: binary, retries: retries, timeout: timeout, logger: logger}
}

// Resolve fetches the metadata document for rawURL using the extractor's
// default format ranking. It never writes media to disk and never expands
// playlists beyond the entry listing the extractor already returns;
// collection handling is the caller's decision.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Info, error) {
	return r.resolve(ctx, rawURL, "")
}

// ResolveFormat fetches the metadata document for rawURL with the provided
// format expression applied, so the descriptor's resolved URL and
// requested-format pair reflect the caller's selection.
func (r *Resolver) ResolveFormat(ctx context.Context, rawURL, format string) (*Info, error) {
	return r.resolve(ctx, rawURL, format)
}

func (r *Resolver) resolve(ctx context.Context, rawURL, format string) (*Info, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || strings.HasPrefix(rawURL, "-") {
		return nil, &Error{URL: rawURL, Message: "a media URL is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{
		"--ignore-config",
		"--no-warnings",
		"--no-cache-dir",
		"--skip-download",
		"--retries", strconv.Itoa(r.retries),
	}
	if format = strings.TrimSpace(format); format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-J", rawURL)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{URL: rawURL, Message: "metadata resolution timed out", Err: ctxErr}
		}
		message := diagnosticFromStderr(stderr.String())
		r.logger.Warn("extractor failed",
			"url", rawURL,
			"error", runErr,
			"detail", message,
			"duration_ms", time.Since(start).Milliseconds())
		return nil, &Error{URL: rawURL, Message: message, Err: runErr}
	}

	var info Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, &Error{URL: rawURL, Message: fmt.Sprintf("decode extractor output: %v", err), Err: err}
	}

	r.logger.Debug("metadata resolved",
		"url", rawURL,
		"title", info.Title,
		"formats", len(info.Formats),
		"entries", len(info.Entries),
		"duration_ms", time.Since(start).Milliseconds())

	return &info, nil
}

// diagnosticFromStderr extracts the most useful line from the extractor's
// stderr. yt-dlp prefixes fatal diagnostics with "ERROR:".
func diagnosticFromStderr(stderr string) string {
	lines := strings.Split(stderr, "\n")
	var lastNonEmpty string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lastNonEmpty = line
		if rest, found := strings.CutPrefix(line, "ERROR:"); found {
			return strings.TrimSpace(rest)
		}
	}
	if lastNonEmpty != "" {
		return lastNonEmpty
	}
	return "extraction failed"
}
