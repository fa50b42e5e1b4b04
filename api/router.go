package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cortexdl/cortexdl/api/handlers"
	"github.com/cortexdl/cortexdl/api/middleware"
	"github.com/cortexdl/cortexdl/internal/app"
	"github.com/cortexdl/cortexdl/internal/domain"
	"github.com/cortexdl/cortexdl/internal/infrastructure"
)

// SetupRouter sets up the HTTP router
func SetupRouter(
	scheduler *app.Scheduler,
	analyzer *infrastructure.Analyzer,
	history domain.HistoryRepository,
	eventHub *handlers.EventHub,
	log *zap.Logger,
) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(scheduler)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		taskHandler := handlers.NewTaskHandler(scheduler, log)
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", taskHandler.AddTask)
			tasks.GET("", taskHandler.ListTasks)
			tasks.GET("/stats", taskHandler.GetStats)
			tasks.POST("/clear-completed", taskHandler.ClearCompleted)
			tasks.POST("/pause-all", taskHandler.PauseAll)
			tasks.POST("/resume-all", taskHandler.ResumeAll)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.POST("/:id/pause", taskHandler.PauseTask)
			tasks.POST("/:id/resume", taskHandler.ResumeTask)
			tasks.POST("/:id/cancel", taskHandler.CancelTask)
			tasks.DELETE("/:id", taskHandler.DeleteTask)
		}

		analyzeHandler := handlers.NewAnalyzeHandler(analyzer, log)
		v1.POST("/analyze", analyzeHandler.Analyze)

		if history != nil {
			historyHandler := handlers.NewHistoryHandler(history, log)
			v1.GET("/history", historyHandler.ListHistory)
		}

		v1.GET("/events", eventHub.HandleWebSocket)
	}

	return router
}
