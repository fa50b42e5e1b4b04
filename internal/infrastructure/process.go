package infrastructure

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// ProcessRunner spawns external tool subprocesses and hands back a narrow
// handle over them. Engines depend on this instead of os/exec so a live
// process can be killed from the scheduler's cancel path.
type ProcessRunner struct {
	logger *zap.Logger
}

// NewProcessRunner creates a new process runner
func NewProcessRunner(logger *zap.Logger) *ProcessRunner {
	return &ProcessRunner{logger: logger}
}

// Start spawns a subprocess and begins streaming its standard output
// line-by-line. Standard error is captured in full for post-mortem
// inspection.
func (r *ProcessRunner) Start(binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)

	p := &Process{
		cmd:   cmd,
		lines: make(chan string, 64),
	}
	cmd.Stderr = &p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	if r.logger != nil {
		r.logger.Debug("Subprocess started",
			zap.String("binary", binary),
			zap.Int("pid", cmd.Process.Pid),
			zap.String("command", ShellEscapeCommand(binary, args...)))
	}

	p.scanDone.Add(1)
	go func() {
		defer p.scanDone.Done()
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()

	return p, nil
}

// Process is a handle over one running subprocess: read lines, kill, wait.
type Process struct {
	cmd      *exec.Cmd
	lines    chan string
	stderr   bytes.Buffer
	scanDone sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
}

// Lines streams standard output one line at a time. The channel is closed
// when the process closes its stdout.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Kill forcibly terminates the subprocess. Safe to call from another
// goroutine while Wait is in flight.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the subprocess exits and the output stream is fully
// drained. Callers must consume Lines before or concurrently with Wait.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.scanDone.Wait()
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// ExitCode returns the subprocess exit code, or -1 if it has not exited
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns everything the subprocess wrote to standard error.
// Only meaningful after Wait has returned.
func (p *Process) Stderr() string {
	return p.stderr.String()
}
