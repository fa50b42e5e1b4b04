package infrastructure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/internal/domain"
)

func newFFmpegTask(t *testing.T, dir string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.AddSpec{
		URL:       "https://cdn.example.com/stream.m3u8",
		Directory: dir,
	})
	require.NoError(t, err)
	return task
}

func TestFFmpegEngineCleanExitCompletes(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ffmpeg", "exit 0\n")

	engine := NewFFmpegEngine(NewProcessRunner(zap.NewNop()), script, zap.NewNop())
	task := newFFmpegTask(t, dir)
	rt := domain.NewRuntime()

	err := engine.Run(context.Background(), task, rt, func(func(*domain.Task)) {})
	require.NoError(t, err)
}

func TestFFmpegEngineNonzeroExitIsFatal(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ffmpeg",
		"echo 'Invalid data found when processing input' >&2\nexit 1\n")

	engine := NewFFmpegEngine(NewProcessRunner(zap.NewNop()), script, zap.NewNop())
	task := newFFmpegTask(t, dir)
	rt := domain.NewRuntime()

	err := engine.Run(context.Background(), task, rt, func(func(*domain.Task)) {})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "ffmpeg exited with code 1")
}

func TestBuildFFmpegArgs(t *testing.T) {
	mp3, err := domain.NewTask(domain.AddSpec{
		URL:          "https://example.com/a.mp4",
		Directory:    "/tmp",
		TargetFormat: domain.FormatMP3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-y", "-i", "https://example.com/a.mp4",
		"-vn", "-acodec", "libmp3lame", "-q:a", "2",
		"/tmp/download.mp3",
	}, buildFFmpegArgs(mp3))

	mp4, err := domain.NewTask(domain.AddSpec{
		URL:       "https://cdn.example.com/stream.m3u8",
		Directory: "/tmp",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-y", "-i", "https://cdn.example.com/stream.m3u8",
		"-c", "copy", "-bsf:a", "aac_adtstoasc",
		"/tmp/download.mp4",
	}, buildFFmpegArgs(mp4))
}
