package infrastructure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYtdlpLineProgress(t *testing.T) {
	update, ok := ParseYtdlpLine("  25.0% of ~10.00MiB")
	require.True(t, ok)

	assert.True(t, update.HasProgress)
	assert.Equal(t, 25.0, update.Percent)
	assert.Equal(t, int64(10_485_760), update.TotalBytes)
	assert.Equal(t, int64(2_621_440), update.Downloaded)
	assert.False(t, update.HasSpeed)
	assert.False(t, update.Merging)
}

func TestParseYtdlpLineWithSpeed(t *testing.T) {
	update, ok := ParseYtdlpLine("[download]  50.0% of 4.00MiB at 2.00MiB/s ETA 00:01")
	require.True(t, ok)

	assert.Equal(t, int64(4_194_304), update.TotalBytes)
	assert.Equal(t, int64(2_097_152), update.Downloaded)
	require.True(t, update.HasSpeed)
	assert.Equal(t, float64(2_097_152), update.Speed)
}

func TestParseYtdlpLineSpeedOnly(t *testing.T) {
	// The speed marker stands on its own; a line without the percent
	// pattern still carries a throughput update
	update, ok := ParseYtdlpLine("[download] Got fragment at 2.00MiB/s")
	require.True(t, ok)

	assert.False(t, update.HasProgress)
	require.True(t, update.HasSpeed)
	assert.Equal(t, float64(2_097_152), update.Speed)
}

func TestParseYtdlpLineMerger(t *testing.T) {
	update, ok := ParseYtdlpLine(`[Merger] Merging formats into "out.mp4"`)
	require.True(t, ok)
	assert.True(t, update.Merging)
}

func TestParseYtdlpLineUnits(t *testing.T) {
	tests := []struct {
		line string
		want int64
	}{
		{"100% of 512B", 512},
		{"100% of 2.00KiB", 2048},
		{"100% of 1.00GiB", 1_073_741_824},
		// The regex is case-insensitive, mixed-case units still parse
		{"100% of 2.00kib", 2048},
		{"100% of 2.00Kib", 2048},
		{"100% of ~3.50mib", 3_670_016},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			update, ok := ParseYtdlpLine(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.want, update.TotalBytes)
		})
	}
}

func TestParseYtdlpLineIgnoresNoise(t *testing.T) {
	lines := []string{
		"",
		"[youtube] x: Downloading webpage",
		"[download] Destination: out.mp4",
		"WARNING: unable to extract channel id",
	}

	for _, line := range lines {
		_, ok := ParseYtdlpLine(line)
		assert.False(t, ok, "line should be ignored: %q", line)
	}
}

func TestClassifyYtdlpFailure(t *testing.T) {
	assert.Equal(t,
		"Access Forbidden (403) - Try refreshing cookies",
		classifyYtdlpFailure("ERROR: unable to download video data: HTTP Error 403: Forbidden", 1))

	assert.Equal(t,
		"Authentication required - Bot detection triggered",
		classifyYtdlpFailure("ERROR: Sign in to confirm you're not a bot", 1))

	generic := classifyYtdlpFailure("ERROR: something unexpected happened", 2)
	assert.Contains(t, generic, "Engine failed with code 2")
	assert.Contains(t, generic, "something unexpected")
}
