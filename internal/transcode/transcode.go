// Package transcode builds and supervises ffmpeg invocations that pipe one
// or two remote stream URLs into a single streamable output on stdout.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"streampull/internal/format"
)

// DefaultChunkSize bounds a single read relayed to the HTTP response.
const DefaultChunkSize = 1 << 20

// Error describes a transcoder process failure.
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
	return "transcode failed"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config controls how the manager launches the transcoder binary.
type Config struct {
	BinaryPath string
	Logger     *slog.Logger
}

// Manager launches transcoder processes. The binary path is resolved once at
// startup and shared read-only across requests.
type Manager struct {
	binary string
	logger *slog.Logger
}

// NewManager constructs a Manager, verifying the transcoder binary can be
// located. A missing binary is a startup-time failure, not a request error.
func NewManager(cfg Config) (*Manager, error) {
	binary := strings.TrimSpace(cfg.BinaryPath)
	if binary == "" {
		binary = "ffmpeg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("locate transcoder binary %q: %w", binary, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{binary: resolved, logger: logger}, nil
}

// BuildArgs translates a format decision into the transcoder argument
// vector: per-input header injection and input clauses, then encoding and
// container flags, then stdout output.
func BuildArgs(d format.Decision) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	for _, source := range d.Sources {
		if blob := headerBlob(source.Headers); blob != "" {
			args = append(args, "-headers", blob)
		}
		args = append(args, "-i", source.URL)
	}
	if d.Kind == format.KindAudio {
		args = append(args, "-vn", "-acodec", "libmp3lame", "-f", "mp3")
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-acodec", "aac",
			"-movflags", "frag_keyframe+empty_moov",
			"-f", "mp4",
		)
	}
	return append(args, "-")
}

// headerBlob renders a header map as the transcoder's expected CRLF-joined
// "Name: value" block, sorted for deterministic argument vectors.
func headerBlob(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, headers[name])
	}
	return b.String()
}

// Start launches the transcoder for the given decision. The returned Job's
// output must be drained and Close called on every exit path; cancelling ctx
// also terminates the process.
func (m *Manager) Start(ctx context.Context, d format.Decision) (*Job, error) {
	if len(d.Sources) == 0 {
		return nil, &Error{Message: "no transcoder inputs"}
	}

	ctx, cancel := context.WithCancel(ctx)
	args := BuildArgs(d)
	cmd := exec.CommandContext(ctx, m.binary, args...)

	tail := newStderrTail(m.logger)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &Error{Message: "open transcoder output", Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &Error{Message: "start transcoder", Err: err}
	}

	m.logger.Debug("transcoder started", "pid", cmd.Process.Pid, "inputs", len(d.Sources), "kind", string(d.Kind))

	return &Job{
		cmd:    cmd,
		stdout: stdout,
		cancel: cancel,
		tail:   tail,
		logger: m.logger,
	}, nil
}

// Job is a running or completed transcoder process. The manager retains
// lifecycle ownership; consumers only read output and must Close when done.
type Job struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	tail   *stderrTail
	logger *slog.Logger

	closeOnce sync.Once
	waitErr   error
}

// Read relays the next chunk of transcoder output, returning io.EOF when the
// process closes its stdout.
func (j *Job) Read(p []byte) (int, error) {
	return j.stdout.Read(p)
}

// Close terminates the process if it is still running and reaps it. It is
// idempotent and safe to call from a deferred finalizer on every exit path.
func (j *Job) Close() error {
	j.closeOnce.Do(func() {
		j.cancel()
		j.waitErr = j.cmd.Wait()
		if j.waitErr != nil {
			j.logger.Warn("transcoder exited abnormally",
				"error", j.waitErr,
				"stderr", j.tail.String())
		} else {
			j.logger.Debug("transcoder completed")
		}
	})
	return j.waitErr
}

// ExitError reports the process termination error recorded by Close, if any.
func (j *Job) ExitError() error {
	return j.waitErr
}

// StderrTail returns the retained tail of the process diagnostics. It is
// never surfaced to clients, only logged and kept for error wrapping.
func (j *Job) StderrTail() string {
	return j.tail.String()
}

// stderrTail splits process stderr into lines, forwards each to the logger,
// and retains the last few lines for diagnostics.
type stderrTail struct {
	mu     sync.Mutex
	logger *slog.Logger
	lines  []string
	rest   []byte
}

const tailLines = 8

func newStderrTail(logger *slog.Logger) *stderrTail {
	return &stderrTail{logger: logger}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := len(p)
	buf := append(t.rest, p...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx == -1 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		t.appendLine(string(line))
	}
	t.rest = append(t.rest[:0], buf...)
	return total, nil
}

func (t *stderrTail) appendLine(line string) {
	t.logger.Debug("transcoder stderr", "line", line)
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rest) > 0 {
		if line := strings.TrimSpace(string(t.rest)); line != "" {
			return strings.Join(append(append([]string{}, t.lines...), line), "\n")
		}
	}
	return strings.Join(t.lines, "\n")
}
