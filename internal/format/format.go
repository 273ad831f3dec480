// Package format classifies a resolved stream descriptor into a concrete
// download decision: the media kind, the source URL(s) to feed the
// transcoder, and the output filename and content type.
package format

import (
	"errors"
	"mime"
	"strings"

	"streampull/internal/extract"
)

// Kind is the media class of a download target.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Selection errors map to 400 responses at the handler boundary.
var (
	ErrPlaylistNotSupported = errors.New("this endpoint does not support playlists")
	ErrVideoWithoutAudio    = errors.New("only video, no audio is not supported")
	ErrNoSourceURL          = errors.New("no valid source URL found for this media")
)

// DefaultExpression is the format expression applied when the caller
// provides none.
const DefaultExpression = "bestvideo+bestaudio/best"

// AudioExpression selects the best audio-only stream.
const AudioExpression = "bestaudio/best"

// Request is the caller's format selection, either a raw expression or a
// kind with target containers.
type Request struct {
	Expression  string
	Kind        Kind
	AudioFormat string
	VideoFormat string
}

// Normalize fills defaults and derives the effective format expression.
func (r Request) Normalize() Request {
	out := r
	out.Expression = strings.TrimSpace(out.Expression)
	out.Kind = Kind(strings.ToLower(strings.TrimSpace(string(out.Kind))))
	out.AudioFormat = strings.ToLower(strings.TrimSpace(out.AudioFormat))
	out.VideoFormat = strings.ToLower(strings.TrimSpace(out.VideoFormat))
	if out.AudioFormat == "" {
		out.AudioFormat = "mp3"
	}
	if out.VideoFormat == "" {
		out.VideoFormat = "mp4"
	}
	if out.Expression == "" {
		switch out.Kind {
		case KindAudio:
			out.Expression = AudioExpression
		default:
			out.Expression = DefaultExpression
		}
	}
	return out
}

// Source is one transcoder input: a remote stream URL plus the request
// headers the source site requires to serve it.
type Source struct {
	URL     string
	Headers map[string]string
}

// Decision is the resolved download plan for a single descriptor.
type Decision struct {
	Kind        Kind
	Sources     []Source
	Filename    string
	ContentType string
	Ext         string
}

// Select inspects the descriptor and produces a Decision, or one of the
// selection errors. Headers required by the source are always carried
// forward per input.
func Select(info *extract.Info, req Request) (Decision, error) {
	if info == nil {
		return Decision{}, ErrNoSourceURL
	}
	if info.IsCollection() {
		return Decision{}, ErrPlaylistNotSupported
	}
	if info.HasVideo() && !info.HasAudio() {
		return Decision{}, ErrVideoWithoutAudio
	}

	if info.HasAudio() && !info.HasVideo() {
		source, ok := primarySource(info)
		if !ok {
			return Decision{}, ErrNoSourceURL
		}
		return buildDecision(KindAudio, info.Title, "mp3", []Source{source}), nil
	}

	// Combined video+audio. Two inputs only when the descriptor carries a
	// pair of independently resolvable requested formats to mux.
	sources, ok := videoSources(info)
	if !ok {
		return Decision{}, ErrNoSourceURL
	}
	return buildDecision(KindVideo, info.Title, "mp4", sources), nil
}

func primarySource(info *extract.Info) (Source, bool) {
	if info.URL != "" {
		return Source{URL: info.URL, Headers: info.HTTPHeaders}, true
	}
	if len(info.RequestedFormats) > 0 && info.RequestedFormats[0].URL != "" {
		f := info.RequestedFormats[0]
		return Source{URL: f.URL, Headers: headersFor(f, info)}, true
	}
	return Source{}, false
}

func videoSources(info *extract.Info) ([]Source, bool) {
	if len(info.RequestedFormats) > 1 {
		first := info.RequestedFormats[0]
		second := info.RequestedFormats[1]
		if first.URL != "" && second.URL != "" {
			return []Source{
				{URL: first.URL, Headers: headersFor(first, info)},
				{URL: second.URL, Headers: headersFor(second, info)},
			}, true
		}
	}
	source, ok := primarySource(info)
	if !ok {
		return nil, false
	}
	return []Source{source}, true
}

func headersFor(f extract.Format, info *extract.Info) map[string]string {
	if len(f.HTTPHeaders) > 0 {
		return f.HTTPHeaders
	}
	return info.HTTPHeaders
}

func buildDecision(kind Kind, title, ext string, sources []Source) Decision {
	return Decision{
		Kind:        kind,
		Sources:     sources,
		Filename:    Filename(title, ext),
		ContentType: ContentType(ext, kind),
		Ext:         ext,
	}
}

// maxFilenameBytes caps the title portion of generated filenames; the
// extractor applies the same bound to its own output templates.
const maxFilenameBytes = 200

// Filename derives a safe attachment filename from a media title, replacing
// path separators and appending the target extension.
func Filename(title, ext string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "download"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	title = replacer.Replace(title)
	if len(title) > maxFilenameBytes {
		title = strings.ToValidUTF8(title[:maxFilenameBytes], "")
	}
	return title + "." + ext
}

// ContentType resolves the response content type for the given extension,
// defaulting to audio/mpeg for audio targets and video/mp4 for video.
func ContentType(ext string, kind Kind) string {
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	if kind == KindAudio {
		return "audio/mpeg"
	}
	return "video/mp4"
}
