package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cortexdl/cortexdl/internal/domain"
	"go.uber.org/zap"
)

// FFmpegEngine hands the URL to the transcoder and lets it own the whole
// transfer. Used for HLS manifests and audio extraction, where the stream
// has to be remuxed or re-encoded rather than copied byte-for-byte.
type FFmpegEngine struct {
	runner *ProcessRunner
	binary string
	logger *zap.Logger
}

// NewFFmpegEngine creates a transcoding engine backed by the given binary
func NewFFmpegEngine(runner *ProcessRunner, binary string, logger *zap.Logger) *FFmpegEngine {
	return &FFmpegEngine{runner: runner, binary: binary, logger: logger}
}

func (e *FFmpegEngine) Kind() domain.EngineKind {
	return domain.EngineFFmpeg
}

// Run transcodes the task URL into its output file. The transcoder reports
// no byte-level progress, so the task only moves between states.
func (e *FFmpegEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	if err := os.MkdirAll(filepath.Dir(task.FilePath), 0755); err != nil {
		return domain.NewFatal(fmt.Errorf("failed to create directory: %w", err))
	}

	args := buildFFmpegArgs(task)

	proc, err := e.runner.Start(e.binary, args...)
	if err != nil {
		return domain.NewFatal(err)
	}
	rt.SetProcess(proc)

	for range proc.Lines() {
		// Transcoder progress goes to stderr; stdout is drained to
		// keep the pipe from blocking.
	}

	waitErr := proc.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		code := proc.ExitCode()
		e.logger.Error("Transcoder failed",
			zap.String("taskId", task.ID),
			zap.Int("exitCode", code),
			zap.String("stderr", tailString(proc.Stderr(), 500)))
		// A transcoder failure is not transient, retrying replays the
		// same input into the same failure.
		return domain.NewFatal(fmt.Errorf("ffmpeg exited with code %d", code))
	}

	return nil
}

func buildFFmpegArgs(task *domain.Task) []string {
	if task.TargetFormat == domain.FormatMP3 {
		return []string{
			"-y",
			"-i", task.URL,
			"-vn",
			"-acodec", "libmp3lame",
			"-q:a", "2",
			task.FilePath,
		}
	}
	return []string{
		"-y",
		"-i", task.URL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		task.FilePath,
	}
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
