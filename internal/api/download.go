package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"streampull/internal/download"
	"streampull/internal/extract"
	"streampull/internal/format"
	"streampull/internal/observability/logging"
	"streampull/internal/transcode"
)

// Download modes. Pipe feeds remote stream URLs through the transcoder and
// streams its stdout; save downloads the finished file into a workspace
// first and then serves it.
const (
	ModePipe = "pipe"
	ModeSave = "save"
)

type downloadParams struct {
	URL     string
	Mode    string
	Request format.Request
}

func parseDownloadParams(r *http.Request) (downloadParams, error) {
	query := r.URL.Query()
	rawURL := strings.TrimSpace(query.Get("url"))
	if rawURL == "" {
		return downloadParams{}, errors.New("missing url parameter")
	}

	mode := strings.ToLower(strings.TrimSpace(query.Get("mode")))
	switch mode {
	case "":
		mode = ModePipe
	case ModePipe, ModeSave:
	default:
		return downloadParams{}, fmt.Errorf("unknown mode %q", mode)
	}

	kind := strings.ToLower(strings.TrimSpace(query.Get("kind")))
	switch kind {
	case "", "audio", "video":
	default:
		return downloadParams{}, fmt.Errorf("unknown kind %q", kind)
	}

	req := format.Request{
		Expression:  query.Get("f"),
		Kind:        format.Kind(kind),
		AudioFormat: query.Get("audio_format"),
		VideoFormat: query.Get("video_format"),
	}.Normalize()

	return downloadParams{URL: rawURL, Mode: mode, Request: req}, nil
}

// Download streams a single media file for the given URL. Errors are only
// reportable until the first body byte; after that a failure truncates the
// stream.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	params, err := parseDownloadParams(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	downloadID := uuid.NewString()
	ctx := logging.ContextWithDownloadID(r.Context(), downloadID)
	logger := logging.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger()
	}
	logger = logger.With("download_id", downloadID, "mode", params.Mode)

	kind := string(params.Request.Kind)
	if kind == "" {
		kind = "video"
	}
	rec := h.recorder()
	rec.DownloadStarted(params.Mode, kind)

	var outcome string
	defer func() {
		switch outcome {
		case "completed":
			rec.DownloadCompleted(params.Mode, kind)
		case "canceled":
			rec.DownloadCanceled(params.Mode, kind)
		default:
			rec.DownloadFailed(params.Mode, kind)
		}
	}()

	if params.Mode == ModeSave {
		outcome = h.downloadSave(ctx, w, logger, params)
		return
	}
	outcome = h.downloadPipe(ctx, w, logger, params)
}

func (h *Handler) downloadPipe(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, params downloadParams) string {
	rec := h.recorder()
	rec.ObserveExtractionAttempt("download")
	info, err := h.Resolver.ResolveFormat(ctx, params.URL, params.Request.Expression)
	if err != nil {
		rec.ObserveExtractionFailure("download")
		var xerr *extract.Error
		if errors.As(err, &xerr) {
			writeDetail(w, http.StatusInternalServerError, xerr.Message)
		} else {
			writeDetail(w, http.StatusInternalServerError, err.Error())
		}
		return "failed"
	}

	decision, err := format.Select(info, params.Request)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return "failed"
	}

	job, err := h.Transcoder.Start(ctx, decision)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return "failed"
	}
	defer job.Close()

	setDownloadHeaders(w, decision.Filename, decision.ContentType)

	written, streamErr := h.streamChunks(ctx, w, job)
	rec.AddBytesStreamed(written)
	job.Close()

	if streamErr != nil {
		if ctx.Err() != nil {
			logger.Info("download canceled by client", "bytes", written)
			return "canceled"
		}
		if written == 0 {
			message := "transcode failed"
			var terr *transcode.Error
			if errors.As(streamErr, &terr) {
				message = terr.Error()
			}
			writeDetail(w, http.StatusInternalServerError, message)
			logger.Warn("transcode produced no output", "error", streamErr)
			return "failed"
		}
		logger.Warn("download truncated", "bytes", written, "error", streamErr)
		return "failed"
	}
	if written == 0 {
		writeDetail(w, http.StatusInternalServerError, transcodeFailureDetail(job))
		logger.Warn("transcode produced no output", "exit", job.ExitError())
		return "failed"
	}
	if exitErr := job.ExitError(); exitErr != nil {
		// Too late to change the status; the stream is simply shorter
		// than a clean run would have produced.
		logger.Warn("transcoder exited abnormally after streaming", "bytes", written, "error", exitErr)
	}
	logger.Info("download completed", "bytes", written)
	return "completed"
}

func transcodeFailureDetail(job *transcode.Job) string {
	if tail := job.StderrTail(); tail != "" {
		return tail
	}
	if err := job.ExitError(); err != nil {
		return err.Error()
	}
	return "transcode failed"
}

func (h *Handler) downloadSave(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, params downloadParams) string {
	result, err := h.Downloader.Run(ctx, params.URL, params.Request)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("download canceled by client")
			return "canceled"
		}
		var derr *download.Error
		if errors.As(err, &derr) {
			writeDetail(w, http.StatusInternalServerError, derr.Message)
		} else {
			writeDetail(w, http.StatusInternalServerError, err.Error())
		}
		return "failed"
	}
	defer func() {
		if cleanupErr := result.Cleanup(); cleanupErr != nil {
			logger.Warn("workspace cleanup failed", "workspace", result.Workspace, "error", cleanupErr)
		}
	}()

	file, err := os.Open(result.Path)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "open downloaded file")
		logger.Error("open downloaded file failed", "path", result.Path, "error", err)
		return "failed"
	}
	defer file.Close()

	name := filepath.Base(result.Path)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	setDownloadHeaders(w, name, format.ContentType(ext, params.Request.Kind))
	if info, statErr := file.Stat(); statErr == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	}

	written, streamErr := h.streamChunks(ctx, w, file)
	h.recorder().AddBytesStreamed(written)
	if streamErr != nil {
		if ctx.Err() != nil {
			logger.Info("download canceled by client", "bytes", written)
			return "canceled"
		}
		logger.Warn("download truncated", "bytes", written, "error", streamErr)
		return "failed"
	}
	logger.Info("download completed", "bytes", written, "file", name)
	return "completed"
}

func setDownloadHeaders(w http.ResponseWriter, filename, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}

// streamChunks copies src to the response in bounded chunks, flushing after
// every write so bytes reach slow clients promptly.
func (h *Handler) streamChunks(ctx context.Context, w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, h.chunkSize())
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
