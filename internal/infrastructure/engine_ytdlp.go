package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cortexdl/cortexdl/internal/domain"
	"go.uber.org/zap"
)

// YtdlpEngine drives the platform extraction tool as a subprocess, parsing
// its newline progress stream into task updates.
type YtdlpEngine struct {
	runner     *ProcessRunner
	binary     string
	ffmpegPath string
	denoPath   string
	logger     *zap.Logger
}

// NewYtdlpEngine creates an extraction engine backed by the given binary.
// ffmpegPath locates the merger; denoPath, if set, supplies a JS runtime
// for signature solving.
func NewYtdlpEngine(runner *ProcessRunner, binary, ffmpegPath, denoPath string, logger *zap.Logger) *YtdlpEngine {
	return &YtdlpEngine{
		runner:     runner,
		binary:     binary,
		ffmpegPath: ffmpegPath,
		denoPath:   denoPath,
		logger:     logger,
	}
}

func (e *YtdlpEngine) Kind() domain.EngineKind {
	return domain.EngineYtdlp
}

// Run downloads the task URL via the extraction tool, streaming progress
// from its stdout. Distinct fragment sizes are folded by keeping the
// largest total seen, so the progress bar never jumps backwards.
func (e *YtdlpEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	args := e.buildArgs(task)

	proc, err := e.runner.Start(e.binary, args...)
	if err != nil {
		return err
	}
	rt.SetProcess(proc)

	var maxTotal int64
	lines := proc.Lines()
	for line := range lines {
		// Fold whatever else is already buffered into this batch so a
		// burst of output yields one event, not one per line
		batch := []string{line}
		for draining := true; draining; {
			select {
			case next, open := <-lines:
				if !open {
					draining = false
					break
				}
				batch = append(batch, next)
			default:
				draining = false
			}
		}

		merging := false
		var progress ProgressUpdate
		for _, l := range batch {
			p, ok := ParseYtdlpLine(l)
			if !ok {
				continue
			}
			if p.Merging {
				merging = true
				continue
			}
			if p.HasProgress {
				progress.HasProgress = true
				progress.Percent = p.Percent
				progress.Downloaded = p.Downloaded
				if p.TotalBytes > maxTotal {
					maxTotal = p.TotalBytes
				}
			}
			if p.HasSpeed {
				progress.HasSpeed = true
				progress.Speed = p.Speed
			}
		}

		if merging {
			update(func(t *domain.Task) {
				t.Status = domain.StatusMerging
				t.ClearSpeed()
			})
		}
		if !progress.HasProgress && !progress.HasSpeed {
			continue
		}
		total := maxTotal
		update(func(t *domain.Task) {
			// Fragment downloads keep reporting after the merge step
			// starts; those lines must not flip the state back
			if t.Status != domain.StatusMerging {
				t.Status = domain.StatusDownloading
			}
			if progress.HasProgress {
				t.SetTotalBytes(total)
				t.DownloadedBytes = progress.Downloaded
			}
			if progress.HasSpeed {
				t.SetSpeed(progress.Speed)
			}
		})
	}

	waitErr := proc.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		stderr := proc.Stderr()
		code := proc.ExitCode()
		e.logger.Error("Extraction tool failed",
			zap.String("taskId", task.ID),
			zap.Int("exitCode", code),
			zap.String("stderr", tailString(stderr, 500)))
		return fmt.Errorf("%s", classifyYtdlpFailure(stderr, code))
	}

	// The progress stream estimates totals; the file on disk is
	// authoritative once the tool exits cleanly.
	if info, err := os.Stat(task.FilePath); err == nil {
		size := info.Size()
		update(func(t *domain.Task) {
			t.SetTotalBytes(size)
			t.DownloadedBytes = size
			t.ClearSpeed()
		})
	}

	return nil
}

func (e *YtdlpEngine) buildArgs(task *domain.Task) []string {
	args := []string{
		"--no-playlist",
		"--progress",
		"--newline",
		"--no-check-certificate",
		"--concurrent-fragments", "8",
		"--resize-buffer",
		"--output", task.FilePath,
	}

	if task.TargetFormat == domain.FormatMP3 {
		args = append(args,
			"--extract-audio",
			"--audio-format", "mp3",
			"--audio-quality", "0",
		)
	} else {
		selector := "bestvideo[fps>=50]+bestaudio/bestvideo+bestaudio/best"
		if task.YtdlpFormatID != "" {
			selector = task.YtdlpFormatID + "+bestaudio/best"
		}
		args = append(args,
			"-f", selector,
			"--merge-output-format", "mp4",
		)
	}

	// A cookie file wins over browser extraction when both are given
	if task.CookieFile != "" {
		args = append(args, "--cookies", task.CookieFile)
	} else if task.CookieBrowser != "" {
		args = append(args, "--cookies-from-browser", task.CookieBrowser)
	}

	if task.Username != "" {
		args = append(args, "--username", task.Username)
	}
	if task.Password != "" {
		args = append(args, "--password", task.Password)
	}

	if e.denoPath != "" {
		args = append(args, "--js-runtimes", "deno:"+e.denoPath)
	}
	if e.ffmpegPath != "" {
		args = append(args, "--ffmpeg-location", filepath.Dir(e.ffmpegPath))
	}

	return args
}

// classifyYtdlpFailure maps known stderr signatures onto actionable
// messages. Anything unrecognized keeps the first chunk of stderr for
// diagnosis.
func classifyYtdlpFailure(stderr string, code int) string {
	if strings.Contains(stderr, "HTTP Error 403") {
		return "Access Forbidden (403) - Try refreshing cookies"
	}
	if strings.Contains(stderr, "Sign in to confirm") {
		return "Authentication required - Bot detection triggered"
	}
	snippet := strings.TrimSpace(stderr)
	if len(snippet) > 100 {
		snippet = snippet[:100] + "..."
	}
	return fmt.Sprintf("Engine failed with code %d: %s", code, snippet)
}
