package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"streampull/internal/format"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPickFilePrefersRequestedKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Song [abc123].mp3", "audio")
	writeFile(t, dir, "Song [abc123].info.json", "{}")
	writeFile(t, dir, "Song [abc123].webp", "thumb")

	path, err := PickFile(dir, format.Request{Kind: format.KindAudio, AudioFormat: "mp3"})
	if err != nil {
		t.Fatalf("PickFile: %v", err)
	}
	if filepath.Base(path) != "Song [abc123].mp3" {
		t.Fatalf("picked %q", path)
	}
}

func TestPickFilePrefersTargetExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Song [abc123].mp3", "stray")
	writeFile(t, dir, "Song [abc123].m4a", "requested")

	path, err := PickFile(dir, format.Request{Kind: format.KindAudio, AudioFormat: "m4a"})
	if err != nil {
		t.Fatalf("PickFile: %v", err)
	}
	if filepath.Base(path) != "Song [abc123].m4a" {
		t.Fatalf("picked %q", path)
	}
}

func TestPickFileSkipsPartialDownloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Clip [xyz].mp4.part", "partial")
	writeFile(t, dir, "Clip [xyz].mp4", "full")

	path, err := PickFile(dir, format.Request{Kind: format.KindVideo, VideoFormat: "mp4"})
	if err != nil {
		t.Fatalf("PickFile: %v", err)
	}
	if filepath.Base(path) != "Clip [xyz].mp4" {
		t.Fatalf("picked %q", path)
	}
}

func TestPickFileFallsBackToLargest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.unknown", "x")
	writeFile(t, dir, "b.unknown", "larger contents")

	path, err := PickFile(dir, format.Request{Kind: format.KindVideo, VideoFormat: "mp4"})
	if err != nil {
		t.Fatalf("PickFile: %v", err)
	}
	if filepath.Base(path) != "b.unknown" {
		t.Fatalf("picked %q", path)
	}
}

func TestPickFileEmptyWorkspace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "only.json", "{}")
	if _, err := PickFile(dir, format.Request{Kind: format.KindAudio, AudioFormat: "mp3"}); err == nil {
		t.Fatal("expected an error when only sidecar files remain")
	}
}

func TestResultCleanupIdempotent(t *testing.T) {
	dir, err := os.MkdirTemp("", "streampull-test-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	writeFile(t, dir, "media.mp3", "audio")

	result := &Result{Path: filepath.Join(dir, "media.mp3"), Workspace: dir}
	if err := result.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}
	if err := result.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestBuildArgsAudio(t *testing.T) {
	d := &Downloader{binary: "yt-dlp", retries: 10, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	req := format.Request{Kind: format.KindAudio, AudioFormat: "mp3", VideoFormat: "mp4"}
	args := d.buildArgs("/tmp/ws", "https://example.com/watch?v=1", req)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-f bestaudio/best",
		"-x",
		"--audio-format mp3",
		"--audio-quality 192K",
		"--no-playlist",
		"--restrict-filenames",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %q", want, joined)
		}
	}
	if args[len(args)-1] != "https://example.com/watch?v=1" {
		t.Fatalf("url must be the final argument, got %q", args[len(args)-1])
	}
	if args[len(args)-2] != "--" {
		t.Fatalf("url must be preceded by an option terminator, got %q", args[len(args)-2])
	}
}

func TestRunRejectsOptionLikeURL(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub binaries require a POSIX shell")
	}
	marker := filepath.Join(t.TempDir(), "invoked")
	stub := filepath.Join(t.TempDir(), "fake-ytdlp")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	d, err := NewDownloader(Config{BinaryPath: stub, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	req := format.Request{Kind: format.KindAudio, AudioFormat: "mp3", VideoFormat: "mp4"}
	for _, raw := range []string{"", "   ", "--exec=touch /tmp/x", "-rf"} {
		if _, err := d.Run(context.Background(), raw, req); err == nil {
			t.Fatalf("expected an error for %q", raw)
		}
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("downloader binary was invoked for a rejected URL")
	}
}

func TestBuildArgsVideo(t *testing.T) {
	d := &Downloader{binary: "yt-dlp", retries: 3, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	req := format.Request{Kind: format.KindVideo, AudioFormat: "mp3", VideoFormat: "mkv"}
	args := d.buildArgs("/tmp/ws", "https://example.com/watch?v=2", req)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-f bv*+ba/b",
		"--merge-output-format mkv",
		"--retries 3",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %q", want, joined)
		}
	}
}

func TestRunFailureRemovesWorkspace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub binaries require a POSIX shell")
	}
	stub := filepath.Join(t.TempDir(), "fake-ytdlp")
	script := "#!/bin/sh\necho 'ERROR: unsupported url' >&2\nexit 1\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	d, err := NewDownloader(Config{BinaryPath: stub, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	_, err = d.Run(context.Background(), "https://example.com/bad", format.Request{Kind: format.KindAudio, AudioFormat: "mp3", VideoFormat: "mp4"})
	if err == nil {
		t.Fatal("expected an error from a failing downloader")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *download.Error, got %T", err)
	}
	if derr.Message != "unsupported url" {
		t.Fatalf("unexpected message %q", derr.Message)
	}

	leftovers, globErr := filepath.Glob(filepath.Join(os.TempDir(), "streampull-*"))
	if globErr != nil {
		t.Fatalf("glob: %v", globErr)
	}
	for _, leftover := range leftovers {
		t.Errorf("workspace not removed after failure: %s", leftover)
	}
}
