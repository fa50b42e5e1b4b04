package infrastructure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cortexdl/cortexdl/internal/domain"
	"go.uber.org/zap"
)

// JSONTaskStore persists the task list as a single JSON array file,
// rewritten in full on every mutation. A mutex serializes writers so
// concurrent saves cannot interleave.
type JSONTaskStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewJSONTaskStore creates a store backed by the given file path
func NewJSONTaskStore(path string, logger *zap.Logger) *JSONTaskStore {
	return &JSONTaskStore{path: path, logger: logger}
}

// Load reads the persisted task list. Records missing required fields are
// dropped silently, and any task frozen in an active state is demoted to
// paused: no subprocess or network stream survives a restart.
func (s *JSONTaskStore) Load() ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task store: %w", err)
	}

	var raw []*domain.Task
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("Task store is malformed, starting empty",
			zap.String("path", s.path),
			zap.Error(err))
		return nil, nil
	}

	tasks := make([]*domain.Task, 0, len(raw))
	for _, task := range raw {
		if task == nil || task.ID == "" || task.URL == "" {
			continue
		}
		if task.Status == domain.StatusDownloading || task.Status == domain.StatusMerging {
			task.Status = domain.StatusPaused
			task.ClearSpeed()
		}
		tasks = append(tasks, task)
	}

	s.logger.Info("Task store loaded",
		zap.String("path", s.path),
		zap.Int("tasks", len(tasks)))

	return tasks, nil
}

// Save rewrites the persisted task list in full
func (s *JSONTaskStore) Save(tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task store: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task store: %w", err)
	}

	return nil
}
