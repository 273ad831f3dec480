package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"streampull/internal/extract"
	"streampull/internal/observability/logging"
)

type infoThumbnail struct {
	ID     string `json:"id,omitempty"`
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type infoFormat struct {
	FormatID   string  `json:"formatId"`
	FormatNote string  `json:"formatNote,omitempty"`
	Ext        string  `json:"ext,omitempty"`
	Protocol   string  `json:"protocol,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	URL        string  `json:"url,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	ABR        float64 `json:"abr,omitempty"`
	VBR        float64 `json:"vbr,omitempty"`
	TBR        float64 `json:"tbr,omitempty"`
	Filesize   int64   `json:"filesize,omitempty"`
}

type infoEntry struct {
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title"`
	WebpageURL string  `json:"webpageUrl,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
}

type infoResponse struct {
	Title            string          `json:"title"`
	Uploader         string          `json:"uploader,omitempty"`
	WebpageURL       string          `json:"webpageUrl,omitempty"`
	Duration         float64         `json:"duration"`
	IsLive           *bool           `json:"isLive"`
	Thumbnail        string          `json:"thumbnail,omitempty"`
	Thumbnails       []infoThumbnail `json:"thumbnails,omitempty"`
	Formats          []infoFormat    `json:"formats,omitempty"`
	ACodec           string          `json:"acodec,omitempty"`
	VCodec           string          `json:"vcodec,omitempty"`
	RequestedFormats []infoFormat    `json:"requestedFormats,omitempty"`
	URL              string          `json:"url,omitempty"`
	Entries          []infoEntry     `json:"entries,omitempty"`
}

func buildInfoResponse(info *extract.Info) infoResponse {
	resp := infoResponse{
		Title:      info.Title,
		Uploader:   info.Uploader,
		WebpageURL: info.WebpageURL,
		Duration:   info.Duration,
		IsLive:     info.IsLive,
		Thumbnail:  info.Thumbnail,
		ACodec:     info.ACodec,
		VCodec:     info.VCodec,
		URL:        info.URL,
	}
	for _, t := range info.Thumbnails {
		resp.Thumbnails = append(resp.Thumbnails, infoThumbnail{ID: t.ID, URL: t.URL, Width: t.Width, Height: t.Height})
	}
	resp.Formats = convertFormats(info.Formats)
	resp.RequestedFormats = convertFormats(info.RequestedFormats)
	for _, e := range info.Entries {
		resp.Entries = append(resp.Entries, infoEntry{ID: e.ID, Title: e.Title, WebpageURL: e.WebpageURL, Duration: e.Duration})
	}
	return resp
}

func convertFormats(formats []extract.Format) []infoFormat {
	out := make([]infoFormat, 0, len(formats))
	for _, f := range formats {
		out = append(out, infoFormat{
			FormatID:   f.FormatID,
			FormatNote: f.FormatNote,
			Ext:        f.Ext,
			Protocol:   f.Protocol,
			ACodec:     f.ACodec,
			VCodec:     f.VCodec,
			URL:        f.URL,
			Width:      f.Width,
			Height:     f.Height,
			ABR:        f.ABR,
			VBR:        f.VBR,
			TBR:        f.TBR,
			Filesize:   f.Filesize,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Info resolves metadata for a media URL. Concurrent lookups for the same
// URL are coalesced and successful results are cached briefly.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rawURL := strings.TrimSpace(r.URL.Query().Get("q"))
	if rawURL == "" {
		rawURL = strings.TrimSpace(r.URL.Query().Get("url"))
	}
	if rawURL == "" {
		writeDetail(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	ctx := r.Context()
	logger := logging.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger()
	}

	if h.Cache != nil {
		if cached, ok, err := h.Cache.Get(ctx, infoCacheKey(rawURL)); err != nil {
			logger.Warn("metadata cache read failed", "error", err)
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	h.recorder().ObserveExtractionAttempt("info")
	payload, err, _ := h.infoGroup.Do(rawURL, func() (interface{}, error) {
		info, err := h.Resolver.Resolve(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(buildInfoResponse(info))
	})
	if err != nil {
		h.recorder().ObserveExtractionFailure("info")
		var xerr *extract.Error
		if errors.As(err, &xerr) {
			writeDetail(w, http.StatusInternalServerError, xerr.Message)
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := payload.([]byte)
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, infoCacheKey(rawURL), body, h.cacheTTL()); err != nil {
			logger.Warn("metadata cache write failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func infoCacheKey(rawURL string) string {
	return "info:" + rawURL
}
