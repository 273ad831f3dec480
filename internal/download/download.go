// Package download runs the extractor in full-download mode into a private
// workspace directory, then hands the finished media file back for serving.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"streampull/internal/format"
)

const (
	// DefaultRetries matches the extractor retry budget used elsewhere.
	DefaultRetries = 10

	workspacePrefix = "streampull-"
	outputTemplate  = "%(title).200B [%(id)s].%(ext)s"
)

// Error describes a failed download run. Message is safe to surface to
// clients; Err carries the underlying cause for logs.
type Error struct {
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
	return "download failed"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config controls how the downloader invokes the extractor binary.
type Config struct {
	BinaryPath string
	Retries    int
	Logger     *slog.Logger
}

// Downloader runs full downloads into per-request workspaces.
type Downloader struct {
	binary  string
	retries int
	logger  *slog.Logger
}

// NewDownloader constructs a Downloader, verifying the extractor binary can
// be located at startup.
func NewDownloader(cfg Config) (*Downloader, error) {
	binary := strings.TrimSpace(cfg.BinaryPath)
	if binary == "" {
		binary = "yt-dlp"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("locate downloader binary %q: %w", binary, err)
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{binary: resolved, retries: retries, logger: logger}, nil
}

// Result is a completed download: the media file path and the workspace that
// owns it. Cleanup must be called on every exit path once the file has been
// served or abandoned.
type Result struct {
	Path      string
	Workspace string

	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup removes the workspace directory and everything in it. It is
// idempotent.
func (r *Result) Cleanup() error {
	r.cleanupOnce.Do(func() {
		if r.Workspace != "" {
			r.cleanupErr = os.RemoveAll(r.Workspace)
		}
	})
	return r.cleanupErr
}

// Run performs a full download of rawURL into a fresh workspace and returns
// the finished media file. On any failure the workspace is removed before
// returning.
func (d *Downloader) Run(ctx context.Context, rawURL string, req format.Request) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || strings.HasPrefix(rawURL, "-") {
		return nil, &Error{Message: "a media URL is required"}
	}
	workspace, err := os.MkdirTemp("", workspacePrefix)
	if err != nil {
		return nil, &Error{Message: "create download workspace", Err: err}
	}
	result, runErr := d.runInto(ctx, workspace, rawURL, req)
	if runErr != nil {
		if removeErr := os.RemoveAll(workspace); removeErr != nil {
			d.logger.Warn("remove failed download workspace", "workspace", workspace, "error", removeErr)
		}
		return nil, runErr
	}
	return result, nil
}

func (d *Downloader) runInto(ctx context.Context, workspace, rawURL string, req format.Request) (*Result, error) {
	args := d.buildArgs(workspace, rawURL, req)
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	d.logger.Debug("downloader starting", "url", rawURL, "kind", string(req.Kind), "workspace", workspace)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Message: "download canceled", Err: ctxErr}
		}
		message := diagnosticFromStderr(stderr.String())
		if message == "" {
			message = "download failed"
		}
		d.logger.Warn("downloader failed", "url", rawURL, "error", err, "detail", message)
		return nil, &Error{Message: message, Err: err}
	}

	path, err := PickFile(workspace, req)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("downloader finished", "url", rawURL, "file", filepath.Base(path))
	return &Result{Path: path, Workspace: workspace}, nil
}

func (d *Downloader) buildArgs(workspace, rawURL string, req format.Request) []string {
	args := []string{
		"--ignore-config",
		"--no-warnings",
		"--no-cache-dir",
		"--no-playlist",
		"--restrict-filenames",
		"--retries", strconv.Itoa(d.retries),
	}
	if req.Kind == format.KindAudio {
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", req.AudioFormat,
			"--audio-quality", "192K",
		)
	} else {
		args = append(args,
			"-f", "bv*+ba/b",
			"--merge-output-format", req.VideoFormat,
		)
	}
	// The URL is caller input; "--" keeps it from ever being read as an
	// option.
	return append(args, "-o", filepath.Join(workspace, outputTemplate), "--", rawURL)
}

// diagnosticFromStderr extracts the extractor's own error line when present.
func diagnosticFromStderr(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "ERROR:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(stderr)
}

// sidecarExtensions are auxiliary files the extractor may leave alongside
// the media file. They are never served.
var sidecarExtensions = map[string]bool{
	".part":        true,
	".ytdl":        true,
	".json":        true,
	".xml":         true,
	".vtt":         true,
	".srt":         true,
	".description": true,
	".jpg":         true,
	".jpeg":        true,
	".png":         true,
	".webp":        true,
}

var preferredAudioExts = []string{".mp3", ".m4a", ".opus", ".ogg", ".flac", ".wav", ".aac"}

var preferredVideoExts = []string{".mp4", ".mkv", ".webm", ".mov", ".avi"}

// preferredExtensions puts the requested target container first, followed by
// the common extensions for the requested kind.
func preferredExtensions(req format.Request) []string {
	base := preferredVideoExts
	target := strings.ToLower(strings.TrimSpace(req.VideoFormat))
	if req.Kind == format.KindAudio {
		base = preferredAudioExts
		target = strings.ToLower(strings.TrimSpace(req.AudioFormat))
	}
	if target == "" {
		return base
	}
	out := []string{"." + target}
	for _, ext := range base {
		if ext != "."+target {
			out = append(out, ext)
		}
	}
	return out
}

// PickFile selects the finished media file in a workspace, skipping sidecar
// files. The requested target extension is preferred first, then common
// container extensions for the requested kind. Among remaining candidates
// the largest file wins.
func PickFile(workspace string, req format.Request) (string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return "", &Error{Message: "read download workspace", Err: err}
	}

	preferred := preferredExtensions(req)

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if isSidecar(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", &Error{Message: "download produced no media file"}
	}

	for _, ext := range preferred {
		for _, name := range candidates {
			if strings.EqualFold(filepath.Ext(name), ext) {
				return filepath.Join(workspace, name), nil
			}
		}
	}

	best := ""
	var bestSize int64 = -1
	for _, name := range candidates {
		info, err := os.Stat(filepath.Join(workspace, name))
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = name
			bestSize = info.Size()
		}
	}
	if best == "" {
		return "", &Error{Message: "download produced no media file"}
	}
	return filepath.Join(workspace, best), nil
}

func isSidecar(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if sidecarExtensions[ext] {
		return true
	}
	// .info.json is two suffixes deep; the .json check above already
	// catches it, but partial downloads like "file.mp4.part" land here.
	return strings.HasSuffix(strings.ToLower(name), ".info.json")
}
