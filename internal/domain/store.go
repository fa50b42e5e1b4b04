package domain

// TaskStore persists the full task list. The scheduler owns the in-memory
// aggregate and writes it out wholesale on every mutation; implementations
// must serialize writes (single-writer).
type TaskStore interface {
	// Load reads the persisted task list, applying restart recovery:
	// tasks frozen mid-flight come back paused, malformed records are
	// dropped.
	Load() ([]*Task, error)

	// Save rewrites the persisted task list in full
	Save(tasks []*Task) error
}

// EventSink receives the full task record on every state or progress
// change. The concrete transport (websocket, callback, channel) lives
// outside the core.
type EventSink interface {
	TaskUpdated(task *Task)
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) TaskUpdated(*Task) {}

// Notifier surfaces user-facing notifications for terminal outcomes
type Notifier interface {
	NotifyTaskCompleted(task *Task)
	NotifyTaskFailed(task *Task, message string)
}
