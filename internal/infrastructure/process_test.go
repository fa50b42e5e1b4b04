package infrastructure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeScript drops an executable shell script standing in for an external
// tool binary
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestProcessRunnerStreamsOutput(t *testing.T) {
	script := writeScript(t, t.TempDir(), "tool",
		"echo one\necho two\necho oops >&2\nexit 0\n")

	runner := NewProcessRunner(zap.NewNop())
	proc, err := runner.Start(script)
	require.NoError(t, err)

	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, line)
	}
	require.NoError(t, proc.Wait())

	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Equal(t, 0, proc.ExitCode())
	assert.Contains(t, proc.Stderr(), "oops")
}

func TestProcessRunnerNonzeroExit(t *testing.T) {
	script := writeScript(t, t.TempDir(), "tool",
		"echo broken input >&2\nexit 3\n")

	runner := NewProcessRunner(zap.NewNop())
	proc, err := runner.Start(script)
	require.NoError(t, err)

	for range proc.Lines() {
	}
	require.Error(t, proc.Wait())

	assert.Equal(t, 3, proc.ExitCode())
	assert.Contains(t, proc.Stderr(), "broken input")
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	runner := NewProcessRunner(zap.NewNop())
	_, err := runner.Start(filepath.Join(t.TempDir(), "no-such-tool"))
	require.Error(t, err)
}

func TestProcessKillTerminates(t *testing.T) {
	script := writeScript(t, t.TempDir(), "tool", "sleep 10\n")

	runner := NewProcessRunner(zap.NewNop())
	proc, err := runner.Start(script)
	require.NoError(t, err)

	require.NoError(t, proc.Kill())
	for range proc.Lines() {
	}
	assert.Error(t, proc.Wait())
}
