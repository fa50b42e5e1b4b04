package domain

import (
	"context"
	"sync"
	"time"
)

// ProcessHandle is the narrow surface the runtime needs to stop a live
// subprocess. Engines register their process here so pause/cancel can kill
// it without knowing which engine is running.
type ProcessHandle interface {
	Kill() error
}

// Runtime is the ephemeral per-task execution state. It is created when a
// task enters the store and destroyed on delete; it is never persisted, so
// after a restart every runtime starts empty.
type Runtime struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	proc    ProcessHandle
	aborted bool
	retries int

	lastSampleAt    time.Time
	lastSampleBytes int64
}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// Arm prepares the runtime for a fresh execution attempt.
func (r *Runtime) Arm(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	r.proc = nil
	r.aborted = false
	r.lastSampleAt = time.Time{}
	r.lastSampleBytes = 0
}

// SetProcess registers the live subprocess for the current attempt.
func (r *Runtime) SetProcess(p ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = p
	// Lost the race with Abort: the attempt is already dead, take the
	// process down with it.
	if r.aborted && p != nil {
		p.Kill()
	}
}

// Abort signals cancellation for the current attempt and kills any live
// subprocess. Once aborted, no further state mutation from the attempt is
// applied.
func (r *Runtime) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return
	}
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}
	if r.proc != nil {
		r.proc.Kill()
	}
}

// Aborted reports whether the current attempt has been canceled.
func (r *Runtime) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Retries returns the attempt counter for the retry classifier.
func (r *Runtime) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

// IncrementRetries bumps the attempt counter and returns the new value.
func (r *Runtime) IncrementRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
	return r.retries
}

// SampleSpeed converts a running byte count into smoothed throughput.
// Samples closer than one second apart are folded together, so callers can
// invoke it on every chunk.
func (r *Runtime) SampleSpeed(now time.Time, downloadedBytes int64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastSampleAt.IsZero() {
		r.lastSampleAt = now
		r.lastSampleBytes = downloadedBytes
		return 0, false
	}

	elapsed := now.Sub(r.lastSampleAt)
	if elapsed <= time.Second {
		return 0, false
	}

	speed := float64(downloadedBytes-r.lastSampleBytes) / elapsed.Seconds()
	r.lastSampleAt = now
	r.lastSampleBytes = downloadedBytes
	return speed, true
}
