package extract

// Info is the typed projection of the extractor's single-item JSON document.
// Only the fields the service consumes are declared; anything else the
// extractor emits is dropped during decoding.
type Info struct {
	ID               string            `json:"id"`
	Extractor        string            `json:"extractor"`
	Title            string            `json:"title"`
	Uploader         string            `json:"uploader"`
	WebpageURL       string            `json:"webpage_url"`
	Duration         float64           `json:"duration"`
	IsLive           *bool             `json:"is_live"`
	Thumbnail        string            `json:"thumbnail"`
	Thumbnails       []Thumbnail       `json:"thumbnails"`
	Formats          []Format          `json:"formats"`
	RequestedFormats []Format          `json:"requested_formats"`
	URL              string            `json:"url"`
	Ext              string            `json:"ext"`
	ACodec           string            `json:"acodec"`
	VCodec           string            `json:"vcodec"`
	HTTPHeaders      map[string]string `json:"http_headers"`
	Entries          []Entry           `json:"entries"`
}

// Format describes one stream variant offered by the source site.
type Format struct {
	FormatID    string            `json:"format_id"`
	FormatNote  string            `json:"format_note"`
	Ext         string            `json:"ext"`
	Protocol    string            `json:"protocol"`
	ACodec      string            `json:"acodec"`
	VCodec      string            `json:"vcodec"`
	URL         string            `json:"url"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	ABR         float64           `json:"abr"`
	VBR         float64           `json:"vbr"`
	TBR         float64           `json:"tbr"`
	Filesize    int64             `json:"filesize"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

// Thumbnail is a preview image advertised by the source site.
type Thumbnail struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Entry is a single item inside a multi-item (playlist) result. The service
// rejects downloads for such descriptors, so only identification fields are
// retained.
type Entry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	WebpageURL string  `json:"webpage_url"`
	Duration   float64 `json:"duration"`
}

// IsCollection reports whether the descriptor represents a multi-item result
// rather than a single playable item.
func (i *Info) IsCollection() bool {
	return len(i.Entries) > 0
}

// HasAudio reports whether the selected stream carries an audio track.
func (i *Info) HasAudio() bool {
	return codecPresent(i.ACodec)
}

// HasVideo reports whether the selected stream carries a video track.
func (i *Info) HasVideo() bool {
	return codecPresent(i.VCodec)
}

func codecPresent(codec string) bool {
	return codec != "" && codec != "none"
}
