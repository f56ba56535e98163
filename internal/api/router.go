package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/storage"
	"github.com/ChaseRain/pptwizard/internal/service/workflow"
)

func NewRouter(reg *workflow.Registry, templates TemplateLister, files *storage.Service, opts Options, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	handler := NewHandler(reg, templates, files, opts, log)

	r.GET("/health", handler.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/templates", handler.ListTemplates)
		v1.GET("/files/:name", handler.DownloadFile)

		v1.POST("/sessions", handler.CreateSession)
		sessions := v1.Group("/sessions/:id")
		{
			sessions.GET("", handler.GetSession)
			sessions.DELETE("", handler.CloseSession)
			sessions.POST("/content", handler.GenerateContent)
			sessions.POST("/regenerate", handler.Regenerate)
			sessions.POST("/build", handler.Build)
			sessions.POST("/edit", handler.EditAgain)
			sessions.POST("/cancel", handler.Cancel)
			sessions.POST("/reset", handler.Reset)
			sessions.PUT("/slides/:index/elements/:elementId", handler.SetElementText)
			sessions.DELETE("/slides/:index/elements/:elementId", handler.ClearElementText)
		}
	}

	return r
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		log.Info("request started",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.Next()
		log.Info("request completed",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
