package domain

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusMerging     TaskStatus = "merging"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
	StatusCanceled    TaskStatus = "canceled"
)

// EngineKind selects the execution strategy for a task
type EngineKind string

const (
	EngineAuto   EngineKind = "auto" // resolved at admission, never stored
	EngineDirect EngineKind = "direct"
	EngineFFmpeg EngineKind = "ffmpeg"
	EngineYtdlp  EngineKind = "ytdlp"
)

// TargetFormat is the requested output container
type TargetFormat string

const (
	FormatMP4 TargetFormat = "mp4"
	FormatMP3 TargetFormat = "mp3"
)

var (
	urlSchemeRe    = regexp.MustCompile(`(?i)^https?://`)
	m3u8Re         = regexp.MustCompile(`\.m3u8(\?|$)`)
	extractableRe  = regexp.MustCompile(`youtu\.?be|facebook|instagram`)
	illegalNameRe  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
	trailingDotsRe = regexp.MustCompile(`\.[^.]+$`)
)

// Task is the unit of work tracked end-to-end. The field layout doubles as
// the persisted wire format, so tags stay camelCase.
type Task struct {
	ID               string       `json:"id"`
	URL              string       `json:"url"`
	Directory        string       `json:"directory"`
	Filename         string       `json:"filename"`
	FilePath         string       `json:"filePath"`
	Engine           EngineKind   `json:"engine"`
	TargetFormat     TargetFormat `json:"targetFormat"`
	Status           TaskStatus   `json:"status"`
	TotalBytes       *int64       `json:"totalBytes"`
	DownloadedBytes  int64        `json:"downloadedBytes"`
	SpeedBytesPerSec *float64     `json:"speedBytesPerSec"`
	ErrorMessage     *string      `json:"errorMessage"`
	CreatedAtMs      int64        `json:"createdAtMs"`
	UpdatedAtMs      int64        `json:"updatedAtMs"`
	Title            string       `json:"title,omitempty"`
	Thumbnail        string       `json:"thumbnail,omitempty"`
	CookieBrowser    string       `json:"cookieBrowser,omitempty"`
	CookieFile       string       `json:"cookieFile,omitempty"`
	Username         string       `json:"username,omitempty"`
	Password         string       `json:"password,omitempty"`
	YtdlpFormatID    string       `json:"ytdlpFormatId,omitempty"`
}

// AddSpec is the input for creating a new task
type AddSpec struct {
	URL           string       `json:"url" binding:"required"`
	Directory     string       `json:"directory" binding:"required"`
	Filename      string       `json:"filename,omitempty"`
	Engine        EngineKind   `json:"engine,omitempty"`
	TargetFormat  TargetFormat `json:"targetFormat,omitempty"`
	YtdlpFormatID string       `json:"ytdlpFormatId,omitempty"`
	Title         string       `json:"title,omitempty"`
	Thumbnail     string       `json:"thumbnail,omitempty"`
	CookieBrowser string       `json:"cookieBrowser,omitempty"`
	CookieFile    string       `json:"cookieFile,omitempty"`
	Username      string       `json:"username,omitempty"`
	Password      string       `json:"password,omitempty"`
}

// NewTask validates a spec and builds a queued task from it. The engine
// selector and filename are resolved here so the record is immutable after
// creation.
func NewTask(spec AddSpec) (*Task, error) {
	if !urlSchemeRe.MatchString(spec.URL) {
		return nil, ErrInvalidInput
	}
	if spec.Directory == "" {
		return nil, ErrInvalidInput
	}

	format := spec.TargetFormat
	if format == "" {
		format = FormatMP4
	}
	if format != FormatMP4 && format != FormatMP3 {
		return nil, ErrInvalidInput
	}

	engine := ResolveEngine(spec.Engine, spec.URL, format)
	filename := SanitizeFilename(firstNonEmpty(spec.Filename, spec.Title), format)
	now := NowMs()

	return &Task{
		ID:              uuid.New().String(),
		URL:             spec.URL,
		Directory:       spec.Directory,
		Filename:        filename,
		FilePath:        filepath.Join(spec.Directory, filename),
		Engine:          engine,
		TargetFormat:    format,
		Status:          StatusQueued,
		TotalBytes:      nil,
		DownloadedBytes: 0,
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
		Title:           spec.Title,
		Thumbnail:       spec.Thumbnail,
		CookieBrowser:   spec.CookieBrowser,
		CookieFile:      spec.CookieFile,
		Username:        spec.Username,
		Password:        spec.Password,
		YtdlpFormatID:   spec.YtdlpFormatID,
	}, nil
}

// ResolveEngine maps an "auto" selector onto a concrete engine.
// HLS manifests and audio extraction need the transcoder; known
// platform-extractable hosts go to the extraction tool; everything else is a
// plain range-resumable fetch.
func ResolveEngine(requested EngineKind, url string, format TargetFormat) EngineKind {
	if requested != "" && requested != EngineAuto {
		return requested
	}
	lower := strings.ToLower(url)
	if m3u8Re.MatchString(lower) || format == FormatMP3 {
		return EngineFFmpeg
	}
	if extractableRe.MatchString(lower) {
		return EngineYtdlp
	}
	return EngineDirect
}

// SanitizeFilename strips filesystem-illegal characters and forces an
// extension matching the target format.
func SanitizeFilename(name string, format TargetFormat) string {
	name = strings.TrimSpace(illegalNameRe.ReplaceAllString(name, "_"))
	if name == "" {
		name = "download"
	}

	ext := filepath.Ext(name)
	switch {
	case ext == "":
		if format == FormatMP3 {
			name += ".mp3"
		} else {
			name += ".mp4"
		}
	case format == FormatMP3 && !strings.HasSuffix(name, ".mp3"):
		name = trailingDotsRe.ReplaceAllString(name, ".mp3")
	}
	return name
}

// Touch bumps the last-update timestamp
func (t *Task) Touch() {
	t.UpdatedAtMs = NowMs()
}

// SetError records a human-readable failure message
func (t *Task) SetError(msg string) {
	t.ErrorMessage = &msg
}

// ClearError drops any recorded failure message
func (t *Task) ClearError() {
	t.ErrorMessage = nil
}

// SetSpeed records instantaneous throughput in bytes per second
func (t *Task) SetSpeed(bytesPerSec float64) {
	t.SpeedBytesPerSec = &bytesPerSec
}

// ClearSpeed drops the throughput sample (a task at rest has no speed)
func (t *Task) ClearSpeed() {
	t.SpeedBytesPerSec = nil
}

// SetTotalBytes records the discovered total size
func (t *Task) SetTotalBytes(n int64) {
	t.TotalBytes = &n
}

// IsTerminal checks if the task is in a terminal state for scheduling
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCanceled
}

// IsActive checks if the task is being executed or waiting to be
func (t *Task) IsActive() bool {
	switch t.Status {
	case StatusQueued, StatusDownloading, StatusMerging:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand to observers
func (t *Task) Clone() *Task {
	c := *t
	if t.TotalBytes != nil {
		v := *t.TotalBytes
		c.TotalBytes = &v
	}
	if t.SpeedBytesPerSec != nil {
		v := *t.SpeedBytesPerSec
		c.SpeedBytesPerSec = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// NowMs returns the current wall clock in milliseconds, matching the
// persisted timestamp format.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
