package domain

// AnalyzeKind classifies what a URL points at, upstream of engine selection
type AnalyzeKind string

const (
	AnalyzeUnknown   AnalyzeKind = "unknown"
	AnalyzeDirect    AnalyzeKind = "direct"
	AnalyzeHLSMedia  AnalyzeKind = "hls-media"
	AnalyzeHLSMaster AnalyzeKind = "hls-master"
	AnalyzeYtdlp     AnalyzeKind = "ytdlp"
	AnalyzePlaylist  AnalyzeKind = "playlist"
)

// Resolution is a parsed WxH pair from a manifest attribute
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HLSVariant is one rendition from a master manifest
type HLSVariant struct {
	Bandwidth  *int64      `json:"bandwidth"`
	Resolution *Resolution `json:"resolution"`
	URL        string      `json:"url"`
}

// ExtractFormat is one downloadable format reported by the extraction tool
type ExtractFormat struct {
	FormatID    string `json:"formatId"`
	Ext         string `json:"ext"`
	Resolution  string `json:"resolution"`
	Filesize    *int64 `json:"filesize"`
	Description string `json:"description"`

	// sort keys, kept out of the wire format
	Height int     `json:"-"`
	TBR    float64 `json:"-"`
}

// PlaylistItem is one entry of an extractable collection
type PlaylistItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// AnalyzeResult is the classification of a candidate URL. Only the fields
// relevant to Kind are populated.
type AnalyzeResult struct {
	Kind      AnalyzeKind     `json:"kind"`
	URL       string          `json:"url,omitempty"`
	Variants  []HLSVariant    `json:"variants,omitempty"`
	Title     string          `json:"title,omitempty"`
	Thumbnail string          `json:"thumbnail,omitempty"`
	Formats   []ExtractFormat `json:"formats,omitempty"`
	Items     []PlaylistItem  `json:"items,omitempty"`
}
