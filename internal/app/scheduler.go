package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/internal/domain"
	"github.com/cortexdl/cortexdl/pkg/logger"
)

// Scheduler owns the task aggregate: the live task map, the per-task
// runtimes, and the executing set. All state mutation happens under one
// lock; engines run outside it and report back through an update closure.
type Scheduler struct {
	store       domain.TaskStore
	engines     map[domain.EngineKind]domain.Engine
	sink        domain.EventSink
	notifier    domain.Notifier
	history     domain.HistoryRepository
	config      *domain.DownloadConfig
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	runtimes map[string]*domain.Runtime
	active   map[string]struct{}
	deferred map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. history and notifier may be nil.
func NewScheduler(
	store domain.TaskStore,
	engines []domain.Engine,
	sink domain.EventSink,
	notifier domain.Notifier,
	history domain.HistoryRepository,
	config *domain.DownloadConfig,
	zapLogger *zap.Logger,
	multiLogger *logger.MultiLogger,
) *Scheduler {
	byKind := make(map[domain.EngineKind]domain.Engine, len(engines))
	for _, e := range engines {
		byKind[e.Kind()] = e
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Scheduler{
		store:       store,
		engines:     byKind,
		sink:        sink,
		notifier:    notifier,
		history:     history,
		config:      config,
		logger:      zapLogger,
		multiLogger: multiLogger,
		tasks:       make(map[string]*domain.Task),
		runtimes:    make(map[string]*domain.Runtime),
		active:      make(map[string]struct{}),
		deferred:    make(map[string]struct{}),
	}
}

// Start loads the persisted task list and begins admitting queued tasks.
// Tasks recovered mid-flight come back paused and are not auto-resumed.
func (s *Scheduler) Start() error {
	tasks, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load task store: %w", err)
	}

	s.mu.Lock()
	for _, task := range tasks {
		s.tasks[task.ID] = task
		s.runtimes[task.ID] = domain.NewRuntime()
	}
	s.mu.Unlock()

	s.logger.Info("Scheduler started",
		zap.Int("tasks", len(tasks)),
		zap.Int("maxConcurrent", s.config.MaxConcurrent))

	s.processQueue()
	return nil
}

// Stop aborts all in-flight work and waits for engine goroutines to drain
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	var runtimes []*domain.Runtime
	for id := range s.active {
		// A deleted task can linger in the active set until its engine
		// goroutine unwinds; it no longer has a runtime entry
		if rt := s.runtimes[id]; rt != nil {
			runtimes = append(runtimes, rt)
		}
	}
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.Abort()
	}
	s.wg.Wait()

	if s.multiLogger != nil {
		s.multiLogger.LogQueueEvent("scheduler_stopped")
	}
}

// Running reports whether the scheduler is accepting admissions
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Add validates a spec, creates the task and queues it for execution
func (s *Scheduler) Add(spec domain.AddSpec) (*domain.Task, error) {
	task, err := domain.NewTask(spec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(spec.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.runtimes[task.ID] = domain.NewRuntime()
	snapshot := task.Clone()
	s.persistLocked()
	s.mu.Unlock()

	s.sink.TaskUpdated(snapshot)
	if s.multiLogger != nil {
		s.multiLogger.LogQueueEvent("task_added",
			zap.String("id", task.ID),
			zap.String("url", task.URL),
			zap.String("engine", string(task.Engine)))
	}

	s.processQueue()
	return snapshot, nil
}

// Get returns a snapshot of one task, or nil if unknown
func (s *Scheduler) Get(id string) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return task.Clone()
}

// List returns snapshots of all tasks, newest-created first
func (s *Scheduler) List() []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Stats summarizes the queue by status
func (s *Scheduler) Stats() map[domain.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[domain.TaskStatus]int)
	for _, task := range s.tasks {
		stats[task.Status]++
	}
	return stats
}

// Pause stops a queued or executing task, preserving partial output.
// Returns the updated snapshot, or nil if the task is unknown or not
// pausable.
func (s *Scheduler) Pause(id string) *domain.Task {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || !task.IsActive() {
		s.mu.Unlock()
		return nil
	}

	// Abort before the status change so no late engine update can
	// overwrite it
	s.runtimes[id].Abort()
	task.Status = domain.StatusPaused
	task.ClearSpeed()
	task.Touch()
	snapshot := task.Clone()
	s.persistLocked()
	s.mu.Unlock()

	s.sink.TaskUpdated(snapshot)
	s.processQueue()
	return snapshot
}

// Resume re-queues a paused or errored task. A manual resume clears the
// error message but keeps the retry counter; the ceiling guards total
// attempts, not attempts per resume.
func (s *Scheduler) Resume(id string) *domain.Task {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || (task.Status != domain.StatusPaused && task.Status != domain.StatusError) {
		s.mu.Unlock()
		return nil
	}

	task.Status = domain.StatusQueued
	task.ClearError()
	task.Touch()
	snapshot := task.Clone()
	s.persistLocked()
	s.mu.Unlock()

	s.sink.TaskUpdated(snapshot)
	s.processQueue()
	return snapshot
}

// Cancel aborts a task irreversibly and best-effort deletes its partial
// file. Returns the updated snapshot, or nil if the task is unknown or
// already terminal.
func (s *Scheduler) Cancel(id string) *domain.Task {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	s.runtimes[id].Abort()
	task.Status = domain.StatusCanceled
	task.ClearSpeed()
	task.ClearError()
	task.Touch()
	snapshot := task.Clone()
	filePath := task.FilePath
	s.persistLocked()
	s.recordHistoryLocked(task)
	s.mu.Unlock()

	// Give the killed process a moment to release its file handle
	time.AfterFunc(100*time.Millisecond, func() {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove canceled file",
				zap.String("taskId", id),
				zap.String("path", filePath),
				zap.Error(err))
		}
	})

	s.sink.TaskUpdated(snapshot)
	s.processQueue()
	return snapshot
}

// Delete removes a task record entirely, aborting it first if needed
func (s *Scheduler) Delete(id string, deleteFile bool) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	rt := s.runtimes[id]
	filePath := task.FilePath
	delete(s.tasks, id)
	delete(s.runtimes, id)
	delete(s.deferred, id)
	s.persistLocked()
	s.mu.Unlock()

	rt.Abort()

	if deleteFile {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove file on delete",
				zap.String("taskId", id),
				zap.String("path", filePath),
				zap.Error(err))
		}
	}

	s.processQueue()
}

// ClearCompleted removes every task in a terminal state
func (s *Scheduler) ClearCompleted() {
	s.mu.Lock()
	for id, task := range s.tasks {
		if task.IsTerminal() {
			delete(s.tasks, id)
			delete(s.runtimes, id)
			delete(s.deferred, id)
		}
	}
	s.persistLocked()
	s.mu.Unlock()
}

// PauseAll pauses every queued or executing task
func (s *Scheduler) PauseAll() {
	for _, task := range s.List() {
		if task.IsActive() {
			s.Pause(task.ID)
		}
	}
}

// ResumeAll re-queues every paused or errored task
func (s *Scheduler) ResumeAll() {
	for _, task := range s.List() {
		if task.Status == domain.StatusPaused || task.Status == domain.StatusError {
			s.Resume(task.ID)
		}
	}
}

// processQueue admits queued tasks into free slots, oldest first. Safe to
// call from any goroutine after any state-affecting event.
func (s *Scheduler) processQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for len(s.active) < s.config.MaxConcurrent {
		task := s.nextAdmittableLocked()
		if task == nil {
			return
		}
		s.admitLocked(task)
	}
}

// nextAdmittableLocked picks the oldest queued task that is neither
// executing nor sitting out a retry backoff.
func (s *Scheduler) nextAdmittableLocked() *domain.Task {
	var oldest *domain.Task
	for id, task := range s.tasks {
		if task.Status != domain.StatusQueued {
			continue
		}
		if _, executing := s.active[id]; executing {
			continue
		}
		if _, waiting := s.deferred[id]; waiting {
			continue
		}
		if oldest == nil || task.CreatedAtMs < oldest.CreatedAtMs {
			oldest = task
		}
	}
	return oldest
}

func (s *Scheduler) admitLocked(task *domain.Task) {
	engine, ok := s.engines[task.Engine]
	if !ok {
		task.Status = domain.StatusError
		task.SetError(fmt.Sprintf("No engine registered for %q", task.Engine))
		task.Touch()
		s.persistLocked()
		return
	}

	rt := s.runtimes[task.ID]
	ctx, cancel := context.WithCancel(context.Background())
	rt.Arm(cancel)

	s.active[task.ID] = struct{}{}
	task.Status = domain.StatusDownloading
	task.ClearError()
	task.Touch()
	snapshot := task.Clone()
	s.persistLocked()

	s.wg.Add(1)
	go s.execute(ctx, cancel, task.ID, engine, rt, snapshot)
}

// execute runs one engine attempt. The slot is released in a defer so no
// engine failure mode can starve the scheduler.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, id string, engine domain.Engine, rt *domain.Runtime, snapshot *domain.Task) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Engine panicked",
				zap.String("taskId", id),
				zap.Any("panic", r))
		}
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		s.processQueue()
	}()

	s.sink.TaskUpdated(snapshot)
	if s.multiLogger != nil {
		s.multiLogger.LogQueueEvent("task_started",
			zap.String("id", id),
			zap.String("engine", string(engine.Kind())))
	}

	update := s.updateFunc(id, rt)
	err := engine.Run(ctx, snapshot, rt, update)

	if rt.Aborted() {
		// Pause or cancel already set the authoritative status
		return
	}

	if err == nil {
		s.finishCompleted(id, rt)
		return
	}
	s.classifyFailure(id, rt, err)
}

// updateFunc builds the closure engines call to mutate their task. The
// mutation runs under the scheduler lock and is dropped entirely once the
// runtime is aborted.
func (s *Scheduler) updateFunc(id string, rt *domain.Runtime) domain.UpdateFunc {
	return func(mutate func(*domain.Task)) {
		if rt.Aborted() {
			return
		}
		s.mu.Lock()
		task, ok := s.tasks[id]
		if !ok || rt.Aborted() {
			s.mu.Unlock()
			return
		}
		mutate(task)
		task.Touch()
		snapshot := task.Clone()
		s.mu.Unlock()

		s.sink.TaskUpdated(snapshot)
	}
}

// finishCompleted records a successful attempt. Abort is set under the
// scheduler lock, so re-checking it here closes the window between the
// engine returning and the mutation landing: a cancel or pause that won the
// race keeps its status.
func (s *Scheduler) finishCompleted(id string, rt *domain.Runtime) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || rt.Aborted() {
		s.mu.Unlock()
		return
	}
	task.Status = domain.StatusCompleted
	task.ClearSpeed()
	task.ClearError()
	task.Touch()
	snapshot := task.Clone()
	s.persistLocked()
	s.recordHistoryLocked(task)
	s.mu.Unlock()

	s.logger.Info("Task completed",
		zap.String("taskId", id),
		zap.String("file", snapshot.FilePath))
	s.sink.TaskUpdated(snapshot)
	if s.notifier != nil {
		s.notifier.NotifyTaskCompleted(snapshot)
	}
}

// classifyFailure is the single decision point for engine errors: fatal
// errors and an exhausted retry ceiling end in error status; anything else
// re-queues after a backoff proportional to the attempt number.
func (s *Scheduler) classifyFailure(id string, rt *domain.Runtime, err error) {
	if domain.IsFatal(err) || rt.Retries() >= s.config.MaxRetries {
		s.failTask(id, rt, err)
		return
	}

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || rt.Aborted() {
		s.mu.Unlock()
		return
	}

	attempt := rt.IncrementRetries()
	backoff := time.Duration(attempt) * s.config.RetryBackoff
	task.Status = domain.StatusQueued
	task.ClearSpeed()
	task.SetError(fmt.Sprintf("Retrying (%d/%d)...", attempt, s.config.MaxRetries))
	task.Touch()
	s.deferred[id] = struct{}{}
	snapshot := task.Clone()
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Warn("Task failed, retrying",
		zap.String("taskId", id),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err))
	s.sink.TaskUpdated(snapshot)

	time.AfterFunc(backoff, func() {
		s.mu.Lock()
		delete(s.deferred, id)
		s.mu.Unlock()
		s.processQueue()
	})
}

func (s *Scheduler) failTask(id string, rt *domain.Runtime, err error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || rt.Aborted() {
		s.mu.Unlock()
		return
	}
	task.Status = domain.StatusError
	task.ClearSpeed()
	task.SetError(err.Error())
	task.Touch()
	snapshot := task.Clone()
	s.persistLocked()
	s.recordHistoryLocked(task)
	s.mu.Unlock()

	s.logger.Error("Task failed",
		zap.String("taskId", id),
		zap.Error(err))
	if s.multiLogger != nil {
		s.multiLogger.LogAppError("task_failed",
			zap.String("id", id),
			zap.Error(err))
	}
	s.sink.TaskUpdated(snapshot)
	if s.notifier != nil {
		s.notifier.NotifyTaskFailed(snapshot, err.Error())
	}
}

// persistLocked rewrites the store under the scheduler lock. Persistence
// failures are logged and swallowed; in-memory state stays authoritative
// and a later save will reconcile.
func (s *Scheduler) persistLocked() {
	tasks := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAtMs < tasks[j].CreatedAtMs
	})
	if err := s.store.Save(tasks); err != nil {
		s.logger.Error("Failed to persist task store", zap.Error(err))
	}
}

func (s *Scheduler) recordHistoryLocked(task *domain.Task) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(domain.NewHistoryEntry(task)); err != nil {
		s.logger.Warn("Failed to record history entry",
			zap.String("taskId", task.ID),
			zap.Error(err))
	}
}
