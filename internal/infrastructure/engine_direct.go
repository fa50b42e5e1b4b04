package infrastructure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/cortexdl/cortexdl/internal/domain"
	"go.uber.org/zap"
)

var contentRangeRe = regexp.MustCompile(`bytes \d+-\d+/(\d+)`)

// DirectEngine fetches a URL over plain HTTP with range-based resume.
// An existing partial file is continued from its current size; if the
// server ignores the range header the file is truncated and the fetch
// restarts from zero.
type DirectEngine struct {
	client *http.Client
	logger *zap.Logger
}

// NewDirectEngine creates a direct HTTP download engine
func NewDirectEngine(logger *zap.Logger) *DirectEngine {
	return &DirectEngine{
		client: &http.Client{},
		logger: logger,
	}
}

func (e *DirectEngine) Kind() domain.EngineKind {
	return domain.EngineDirect
}

// Run streams the task URL to its file path, reporting progress through
// the update callback.
func (e *DirectEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	existing := int64(0)
	if info, err := os.Stat(task.FilePath); err == nil && !info.IsDir() {
		existing = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return domain.NewFatal(fmt.Errorf("failed to build request: %w", err))
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var total int64
	var downloaded int64
	var flags int

	switch resp.StatusCode {
	case http.StatusPartialContent:
		downloaded = existing
		total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if total == 0 && resp.ContentLength > 0 {
			total = existing + resp.ContentLength
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case http.StatusOK:
		// Server ignored the range header, start over
		downloaded = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(task.FilePath), 0755); err != nil {
		return domain.NewFatal(fmt.Errorf("failed to create directory: %w", err))
	}

	file, err := os.OpenFile(task.FilePath, flags, 0644)
	if err != nil {
		return domain.NewFatal(fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	update(func(t *domain.Task) {
		t.DownloadedBytes = downloaded
		if total > 0 {
			t.SetTotalBytes(total)
		}
	})

	e.logger.Info("Direct download started",
		zap.String("taskId", task.ID),
		zap.String("url", task.URL),
		zap.Int64("resumeFrom", downloaded),
		zap.Int64("total", total))

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return domain.NewFatal(fmt.Errorf("failed to write file: %w", writeErr))
			}
			downloaded += int64(n)

			progress := downloaded
			speed, ok := rt.SampleSpeed(time.Now(), downloaded)
			update(func(t *domain.Task) {
				t.DownloadedBytes = progress
				if ok {
					t.SetSpeed(speed)
				}
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("download interrupted: %w", readErr)
		}
	}

	final := downloaded
	update(func(t *domain.Task) {
		t.DownloadedBytes = final
		t.ClearSpeed()
	})

	return nil
}

func parseContentRangeTotal(header string) int64 {
	m := contentRangeRe.FindStringSubmatch(header)
	if m == nil {
		return 0
	}
	total, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return total
}
