package domain

// HistoryEntry is an immutable record of a finished task, written when a
// task reaches a terminal state. Unlike the live task list it survives
// clearCompleted.
type HistoryEntry struct {
	ID           uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID       string       `json:"taskId" gorm:"index;not null"`
	URL          string       `json:"url" gorm:"not null"`
	Filename     string       `json:"filename"`
	FilePath     string       `json:"filePath"`
	Engine       EngineKind   `json:"engine"`
	TargetFormat TargetFormat `json:"targetFormat"`
	FinalStatus  TaskStatus   `json:"finalStatus" gorm:"index"`
	TotalBytes   int64        `json:"totalBytes"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	CreatedAtMs  int64        `json:"createdAtMs"`
	FinishedAtMs int64        `json:"finishedAtMs" gorm:"index"`
}

// NewHistoryEntry snapshots a task into an archive row
func NewHistoryEntry(task *Task) *HistoryEntry {
	entry := &HistoryEntry{
		TaskID:       task.ID,
		URL:          task.URL,
		Filename:     task.Filename,
		FilePath:     task.FilePath,
		Engine:       task.Engine,
		TargetFormat: task.TargetFormat,
		FinalStatus:  task.Status,
		CreatedAtMs:  task.CreatedAtMs,
		FinishedAtMs: NowMs(),
	}
	if task.TotalBytes != nil {
		entry.TotalBytes = *task.TotalBytes
	}
	if task.ErrorMessage != nil {
		entry.ErrorMessage = *task.ErrorMessage
	}
	return entry
}

// HistoryRepository archives finished tasks
type HistoryRepository interface {
	Record(entry *HistoryEntry) error
	List(limit int) ([]*HistoryEntry, error)
	Close() error
}
