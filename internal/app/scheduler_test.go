package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/internal/domain"
)

// memStore is an in-memory TaskStore for testing
type memStore struct {
	mu    sync.Mutex
	tasks []*domain.Task
	saves int
}

func (m *memStore) Load() ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks, nil
}

func (m *memStore) Save(tasks []*domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		snapshot = append(snapshot, t.Clone())
	}
	m.tasks = snapshot
	m.saves++
	return nil
}

// recordSink captures every emitted task snapshot
type recordSink struct {
	mu     sync.Mutex
	events []*domain.Task
}

func (r *recordSink) TaskUpdated(task *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, task)
}

func (r *recordSink) countFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.ID == id {
			n++
		}
	}
	return n
}

// blockingEngine holds every attempt until released, tracking peak
// concurrency
type blockingEngine struct {
	started chan string
	release chan struct{}

	mu         sync.Mutex
	running    int
	maxRunning int
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (e *blockingEngine) Kind() domain.EngineKind { return domain.EngineDirect }

func (e *blockingEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	e.mu.Lock()
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	e.started <- task.ID

	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hangingEngine ignores cancellation and blocks until released, holding
// its slot past abort
type hangingEngine struct {
	started chan string
	release chan struct{}
}

func newHangingEngine() *hangingEngine {
	return &hangingEngine{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (e *hangingEngine) Kind() domain.EngineKind { return domain.EngineDirect }

func (e *hangingEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	e.started <- task.ID
	<-e.release
	return nil
}

// failingEngine fails every attempt with a fixed error
type failingEngine struct {
	err   error
	mu    sync.Mutex
	calls int
}

func (e *failingEngine) Kind() domain.EngineKind { return domain.EngineDirect }

func (e *failingEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.err
}

func (e *failingEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// instantEngine completes every attempt immediately
type instantEngine struct{}

func (instantEngine) Kind() domain.EngineKind { return domain.EngineDirect }

func (instantEngine) Run(ctx context.Context, task *domain.Task, rt *domain.Runtime, update domain.UpdateFunc) error {
	update(func(t *domain.Task) {
		t.SetTotalBytes(100)
		t.DownloadedBytes = 100
	})
	return nil
}

func testConfig() *domain.DownloadConfig {
	return &domain.DownloadConfig{
		DefaultDir:    "/tmp",
		MaxConcurrent: 2,
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, engine domain.Engine) (*Scheduler, *recordSink, *memStore) {
	t.Helper()
	store := &memStore{}
	sink := &recordSink{}
	s := NewScheduler(store, []domain.Engine{engine}, sink, nil, nil, testConfig(), zap.NewNop(), nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, sink, store
}

func addTask(t *testing.T, s *Scheduler, url string) *domain.Task {
	t.Helper()
	task, err := s.Add(domain.AddSpec{
		URL:       url,
		Directory: "/tmp",
		Engine:    domain.EngineDirect,
	})
	require.NoError(t, err)
	return task
}

func waitForStatus(t *testing.T, s *Scheduler, id string, want domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task := s.Get(id)
		return task != nil && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func TestSchedulerCompletesTask(t *testing.T) {
	s, sink, store := newTestScheduler(t, instantEngine{})

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusCompleted)

	final := s.Get(task.ID)
	require.NotNil(t, final.TotalBytes)
	assert.Equal(t, int64(100), *final.TotalBytes)
	assert.Equal(t, int64(100), final.DownloadedBytes)
	assert.Nil(t, final.ErrorMessage)

	assert.Greater(t, sink.countFor(task.ID), 0)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.tasks, 1)
	assert.Equal(t, domain.StatusCompleted, store.tasks[0].Status)
}

func TestSchedulerConcurrencyCeiling(t *testing.T) {
	engine := newBlockingEngine()
	s, _, _ := newTestScheduler(t, engine)

	var ids []string
	for i := 0; i < 5; i++ {
		task := addTask(t, s, "https://example.com/a.mp4")
		ids = append(ids, task.ID)
	}

	// Exactly two attempts start, the rest stay queued
	<-engine.started
	<-engine.started
	time.Sleep(50 * time.Millisecond)

	engine.mu.Lock()
	running := engine.running
	engine.mu.Unlock()
	assert.Equal(t, 2, running)

	close(engine.release)
	for _, id := range ids {
		waitForStatus(t, s, id, domain.StatusCompleted)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.LessOrEqual(t, engine.maxRunning, 2)
}

func TestSchedulerRetryCeiling(t *testing.T) {
	engine := &failingEngine{err: errors.New("connection reset")}
	s, _, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusError)

	// Initial attempt plus exactly three retries
	assert.Equal(t, 4, engine.callCount())

	final := s.Get(task.ID)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "connection reset", *final.ErrorMessage)
}

func TestSchedulerRetryMessage(t *testing.T) {
	engine := &failingEngine{err: errors.New("timeout")}
	s, sink, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusError)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var retryMessages []string
	for _, e := range sink.events {
		if e.ID == task.ID && e.Status == domain.StatusQueued && e.ErrorMessage != nil {
			retryMessages = append(retryMessages, *e.ErrorMessage)
		}
	}
	require.Len(t, retryMessages, 3)
	assert.Equal(t, "Retrying (1/3)...", retryMessages[0])
	assert.Equal(t, "Retrying (3/3)...", retryMessages[2])
}

func TestSchedulerFatalErrorSkipsRetry(t *testing.T) {
	engine := &failingEngine{err: domain.NewFatal(errors.New("ffmpeg exited with code 1"))}
	s, _, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusError)

	assert.Equal(t, 1, engine.callCount())
}

func TestSchedulerCancelSuppressesLateEvents(t *testing.T) {
	engine := newBlockingEngine()
	s, sink, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	<-engine.started

	canceled := s.Cancel(task.ID)
	require.NotNil(t, canceled)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)

	eventsAtCancel := sink.countFor(task.ID)

	// Let the aborted engine attempt finish; its completion must not
	// overwrite the canceled status or emit further events
	close(engine.release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.StatusCanceled, s.Get(task.ID).Status)
	assert.Equal(t, eventsAtCancel, sink.countFor(task.ID))
}

func TestSchedulerCancelTerminalIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(t, instantEngine{})

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusCompleted)

	assert.Nil(t, s.Cancel(task.ID))
	assert.Equal(t, domain.StatusCompleted, s.Get(task.ID).Status)
}

func TestSchedulerPauseAndResume(t *testing.T) {
	engine := newBlockingEngine()
	s, _, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	<-engine.started

	paused := s.Pause(task.ID)
	require.NotNil(t, paused)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	resumed := s.Resume(task.ID)
	require.NotNil(t, resumed)
	assert.Equal(t, domain.StatusQueued, resumed.Status)

	// A fresh attempt is admitted
	<-engine.started
	close(engine.release)
	waitForStatus(t, s, task.ID, domain.StatusCompleted)
}

func TestSchedulerResumeClearsError(t *testing.T) {
	engine := &failingEngine{err: domain.NewFatal(errors.New("boom"))}
	s, _, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	waitForStatus(t, s, task.ID, domain.StatusError)

	resumed := s.Resume(task.ID)
	require.NotNil(t, resumed)
	assert.Equal(t, domain.StatusQueued, resumed.Status)
	assert.Nil(t, resumed.ErrorMessage)
}

func TestSchedulerClearCompleted(t *testing.T) {
	engine := newBlockingEngine()
	defer close(engine.release)
	s, _, _ := newTestScheduler(t, engine)

	completed := addTask(t, s, "https://example.com/completed.mp4")
	<-engine.started
	running := addTask(t, s, "https://example.com/running.mp4")
	<-engine.started
	pausedTask := addTask(t, s, "https://example.com/paused.mp4")
	canceledTask := addTask(t, s, "https://example.com/canceled.mp4")

	require.NotNil(t, s.Pause(pausedTask.ID))
	require.NotNil(t, s.Cancel(canceledTask.ID))

	require.NotNil(t, s.Cancel(running.ID))

	// Wait for the aborted attempt to exit so the release below can only
	// reach the remaining runner
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.running == 1
	}, 5*time.Second, 5*time.Millisecond)

	engine.release <- struct{}{}
	waitForStatus(t, s, completed.ID, domain.StatusCompleted)

	s.ClearCompleted()

	assert.Nil(t, s.Get(completed.ID))
	assert.Nil(t, s.Get(running.ID))
	assert.Nil(t, s.Get(canceledTask.ID))
	assert.NotNil(t, s.Get(pausedTask.ID))
}

func TestSchedulerDeleteAbortsRunningTask(t *testing.T) {
	engine := newBlockingEngine()
	s, _, store := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	<-engine.started

	s.Delete(task.ID, false)
	assert.Nil(t, s.Get(task.ID))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.tasks)
}

func TestSchedulerStopAfterDeleteOfRunningTask(t *testing.T) {
	engine := newHangingEngine()
	store := &memStore{}
	s := NewScheduler(store, []domain.Engine{engine}, nil, nil, nil, testConfig(), zap.NewNop(), nil)
	require.NoError(t, s.Start())

	task := addTask(t, s, "https://example.com/a.mp4")
	<-engine.started

	// The engine goroutine still holds its slot when the record and its
	// runtime go away
	s.Delete(task.ID, false)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(engine.release)
	}()
	require.NotPanics(t, s.Stop)
}

func TestSchedulerTerminalPathsDiscardedAfterCancel(t *testing.T) {
	engine := newBlockingEngine()
	s, _, _ := newTestScheduler(t, engine)

	task := addTask(t, s, "https://example.com/a.mp4")
	<-engine.started

	s.mu.Lock()
	rt := s.runtimes[task.ID]
	s.mu.Unlock()

	require.NotNil(t, s.Cancel(task.ID))

	// An engine outcome classified after cancellation must be discarded
	// in full: no requeue, no retry bump, no completion, no error state
	s.classifyFailure(task.ID, rt, errors.New("connection reset"))
	assert.Equal(t, domain.StatusCanceled, s.Get(task.ID).Status)
	assert.Equal(t, 0, rt.Retries())

	s.finishCompleted(task.ID, rt)
	assert.Equal(t, domain.StatusCanceled, s.Get(task.ID).Status)

	s.failTask(task.ID, rt, errors.New("boom"))
	assert.Equal(t, domain.StatusCanceled, s.Get(task.ID).Status)
}

func TestSchedulerAddCreatesDestinationDirectory(t *testing.T) {
	engine := newBlockingEngine()
	defer close(engine.release)
	s, _, _ := newTestScheduler(t, engine)

	dir := filepath.Join(t.TempDir(), "nested", "media")
	_, err := s.Add(domain.AddSpec{
		URL:       "https://example.com/a.mp4",
		Directory: dir,
		Engine:    domain.EngineDirect,
	})
	require.NoError(t, err)

	info, statErr := os.Stat(dir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestSchedulerListNewestFirst(t *testing.T) {
	store := &memStore{}
	now := domain.NowMs()
	for i, id := range []string{"first", "second", "third"} {
		task, err := domain.NewTask(domain.AddSpec{
			URL:       "https://example.com/a.mp4",
			Directory: "/tmp",
		})
		require.NoError(t, err)
		task.ID = id
		task.Status = domain.StatusPaused
		task.CreatedAtMs = now + int64(i)
		store.tasks = append(store.tasks, task)
	}

	s := NewScheduler(store, nil, nil, nil, nil, testConfig(), zap.NewNop(), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].ID)
	assert.Equal(t, "second", list[1].ID)
	assert.Equal(t, "first", list[2].ID)
}

func TestSchedulerPauseAllResumeAll(t *testing.T) {
	engine := newBlockingEngine()
	defer close(engine.release)
	s, _, _ := newTestScheduler(t, engine)

	var ids []string
	for i := 0; i < 3; i++ {
		task := addTask(t, s, "https://example.com/a.mp4")
		ids = append(ids, task.ID)
	}
	<-engine.started
	<-engine.started

	s.PauseAll()
	for _, id := range ids {
		waitForStatus(t, s, id, domain.StatusPaused)
	}

	s.ResumeAll()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			task := s.Get(id)
			if task.Status != domain.StatusQueued && task.Status != domain.StatusDownloading {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSchedulerStats(t *testing.T) {
	engine := newBlockingEngine()
	defer close(engine.release)
	s, _, _ := newTestScheduler(t, engine)

	for i := 0; i < 3; i++ {
		addTask(t, s, "https://example.com/a.mp4")
	}
	<-engine.started
	<-engine.started

	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats[domain.StatusDownloading] == 2 && stats[domain.StatusQueued] == 1
	}, 5*time.Second, 5*time.Millisecond)
}
