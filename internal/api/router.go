// Package api exposes the engine-facing HTTP contract described in §6:
// resume and cancel for suspended flow steps, plus a health and metrics
// endpoint. Everything else windmill's own API surface covers (auth,
// workspaces, UI, git-sync, ...) is an explicit Non-goal.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/engine/internal/logging"
)

type RouterConfig struct {
	JobHandler *JobHandler
	Log        *logging.Logger
}

// NewRouter wires the gin engine the same way the reference app's
// internal/http.NewRouter does: a CORS-enabled engine with handlers bound
// directly to routes, no framework beyond gin itself.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Log))
	r.Use(cors.Default())

	r.GET("/healthz", healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobs := r.Group("/api/w/:workspace/jobs")
	{
		jobs.POST("/resume/:job_id", cfg.JobHandler.Resume)
		jobs.POST("/cancel/:job_id", cfg.JobHandler.Cancel)
		jobs.GET("/:job_id", cfg.JobHandler.Get)
	}

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			log.Warn("request error", "path", c.Request.URL.Path, "errors", c.Errors.String())
		}
	}
}
