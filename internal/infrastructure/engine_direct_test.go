package infrastructure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/internal/domain"
)

// collectingUpdate applies mutations to a private task copy under a lock
// so assertions can read the end state.
type collectingUpdate struct {
	mu   sync.Mutex
	task *domain.Task
}

func (c *collectingUpdate) fn() domain.UpdateFunc {
	return func(mutate func(*domain.Task)) {
		c.mu.Lock()
		defer c.mu.Unlock()
		mutate(c.task)
	}
}

func newDirectTask(t *testing.T, url string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.AddSpec{
		URL:       url,
		Directory: t.TempDir(),
		Filename:  "out.bin",
		Engine:    domain.EngineDirect,
	})
	require.NoError(t, err)
	return task
}

func TestDirectEngineFreshDownload(t *testing.T) {
	payload := []byte("hello direct download")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Write(payload)
	}))
	defer server.Close()

	task := newDirectTask(t, server.URL)
	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())

	err := engine.Run(context.Background(), task, domain.NewRuntime(), collector.fn())
	require.NoError(t, err)

	data, err := os.ReadFile(task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), collector.task.DownloadedBytes)
	require.NotNil(t, collector.task.TotalBytes)
	assert.Equal(t, int64(len(payload)), *collector.task.TotalBytes)
}

func TestDirectEngineResumesWithRangeRequest(t *testing.T) {
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 1000-1999/2000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 1000))
	}))
	defer server.Close()

	task := newDirectTask(t, server.URL)
	require.NoError(t, os.WriteFile(task.FilePath, make([]byte, 1000), 0644))

	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())

	err := engine.Run(context.Background(), task, domain.NewRuntime(), collector.fn())
	require.NoError(t, err)

	assert.Equal(t, "bytes=1000-", gotRange)
	require.NotNil(t, collector.task.TotalBytes)
	assert.Equal(t, int64(2000), *collector.task.TotalBytes)
	assert.Equal(t, int64(2000), collector.task.DownloadedBytes)

	// Appended, not truncated
	info, err := os.Stat(task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Size())
}

func TestDirectEngineRestartsWhenRangeIgnored(t *testing.T) {
	payload := []byte("full body again")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 even though the client asked for a range
		w.Write(payload)
	}))
	defer server.Close()

	task := newDirectTask(t, server.URL)
	require.NoError(t, os.WriteFile(task.FilePath, make([]byte, 5000), 0644))

	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())

	err := engine.Run(context.Background(), task, domain.NewRuntime(), collector.fn())
	require.NoError(t, err)

	data, err := os.ReadFile(task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), collector.task.DownloadedBytes)
}

func TestDirectEngineErrorStatusIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	task := newDirectTask(t, server.URL)
	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())

	err := engine.Run(context.Background(), task, domain.NewRuntime(), collector.fn())
	require.Error(t, err)
	assert.False(t, domain.IsFatal(err))
}

func TestParseContentRangeTotal(t *testing.T) {
	assert.Equal(t, int64(2000), parseContentRangeTotal("bytes 1000-1999/2000"))
	assert.Equal(t, int64(0), parseContentRangeTotal("bytes */2000"))
	assert.Equal(t, int64(0), parseContentRangeTotal(""))
}

func TestDirectEngineCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1000))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	task := newDirectTask(t, server.URL)
	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx, task, domain.NewRuntime(), collector.fn())
	}()

	cancel()
	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectEngineWritesToTaskDirectory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	dir := t.TempDir()
	task, err := domain.NewTask(domain.AddSpec{
		URL:       server.URL,
		Directory: filepath.Join(dir, "nested", "deeper"),
		Filename:  "out.bin",
		Engine:    domain.EngineDirect,
	})
	require.NoError(t, err)

	collector := &collectingUpdate{task: task}
	engine := NewDirectEngine(zap.NewNop())
	require.NoError(t, engine.Run(context.Background(), task, domain.NewRuntime(), collector.fn()))

	_, err = os.Stat(task.FilePath)
	assert.NoError(t, err)
}
