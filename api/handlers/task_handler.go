package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/internal/app"
	"github.com/cortexdl/cortexdl/internal/domain"
)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	scheduler *app.Scheduler
	logger    *zap.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(scheduler *app.Scheduler, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// AddTask handles POST /api/v1/tasks
func (h *TaskHandler) AddTask(c *gin.Context) {
	var spec domain.AddSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.scheduler.Add(spec)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to add task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks
func (h *TaskHandler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.List())
}

// GetTask handles GET /api/v1/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task := h.scheduler.Get(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// GetStats handles GET /api/v1/tasks/stats
func (h *TaskHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stats())
}

// PauseTask handles POST /api/v1/tasks/:id/pause
func (h *TaskHandler) PauseTask(c *gin.Context) {
	task := h.scheduler.Pause(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or not pausable"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// ResumeTask handles POST /api/v1/tasks/:id/resume
func (h *TaskHandler) ResumeTask(c *gin.Context) {
	task := h.scheduler.Resume(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or not resumable"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// CancelTask handles POST /api/v1/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	task := h.scheduler.Cancel(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or already finished"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// DeleteTask handles DELETE /api/v1/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	deleteFile, _ := strconv.ParseBool(c.DefaultQuery("deleteFile", "false"))
	h.scheduler.Delete(c.Param("id"), deleteFile)

	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

// ClearCompleted handles POST /api/v1/tasks/clear-completed
func (h *TaskHandler) ClearCompleted(c *gin.Context) {
	h.scheduler.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"message": "terminal tasks cleared"})
}

// PauseAll handles POST /api/v1/tasks/pause-all
func (h *TaskHandler) PauseAll(c *gin.Context) {
	h.scheduler.PauseAll()
	c.JSON(http.StatusOK, gin.H{"message": "all active tasks paused"})
}

// ResumeAll handles POST /api/v1/tasks/resume-all
func (h *TaskHandler) ResumeAll(c *gin.Context) {
	h.scheduler.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"message": "all paused tasks resumed"})
}
