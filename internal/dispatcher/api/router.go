package api

import (
	"github.com/gin-gonic/gin"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
)

// SetupRoutes configures the dispatcher's routes on the given gin engine.
func SetupRoutes(r *gin.Engine, h *Handler, apiKey string, log *logger.Logger) {
	r.Use(Recovery(log))
	r.Use(RequestLogger(log))
	r.Use(CORS())
	r.Use(OtelTracing("dispatcher"))

	api := r.Group("/api")
	api.Use(APIKeyAuth(apiKey))
	{
		api.POST("/start-build", h.StartBuild)
		api.GET("/health", h.Health)
		api.GET("/builds", h.ListBuilds)
		api.POST("/builds/:id/preview", h.StartPreview)
		api.DELETE("/builds/:id/preview", h.StopPreview)
		api.GET("/builds/:id/logs/stream", h.StreamLogs)
	}
}
