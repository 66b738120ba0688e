// Package api is the HTTP boundary of the coordinator: request validation,
// the shared-secret auth gate, SSE encoding, and translation of domain
// errors onto status codes. Handlers stay thin; all semantics live in the
// state and scheduler packages.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/edgemesh/edgemesh/coordinator"
	"github.com/edgemesh/edgemesh/structs"
)

// Server binds HTTP handlers to a coordinator.
type Server struct {
	coord  *coordinator.Coordinator
	logger hclog.Logger
}

// NewRouter builds the gin engine with every route registered. The returned
// engine is ready for http.Server or httptest.
func NewRouter(coord *coordinator.Coordinator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		coord:  coord,
		logger: coord.Logger.Named("http"),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     coord.Config.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", secretHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", s.health)

	v1 := router.Group("/v1")
	{
		v1.POST("/agent/register", s.registerAgent)
		v1.POST("/agent/heartbeat", s.heartbeatAgent)

		v1.GET("/nodes", s.listNodes)
		v1.GET("/nodes/:node_id", s.getNode)
		v1.PUT("/nodes/:node_id/policy", s.updateNodePolicy)

		v1.POST("/jobs", s.createJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:job_id", s.getJob)
		v1.GET("/jobs/:job_id/tasks", s.listJobTasks)
		v1.POST("/jobs/:job_id/status", s.transitionJobStatus)

		tasks := v1.Group("/tasks", s.requireAgentSecret)
		{
			tasks.POST("/pull", s.pullTask)
			tasks.POST("/:task_id/result", s.submitTaskResult)
		}

		v1.GET("/cluster/summary", s.clusterSummary)
		v1.GET("/metrics/execution", s.executionMetrics)
		v1.POST("/simulate/schedule", s.simulateSchedule)

		v1.GET("/stream/nodes", s.streamNodes)
		v1.GET("/stream/jobs", s.streamJobs)

		v1.POST("/demo/jobs/create-embed-burst", s.createEmbedBurst)
	}

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError maps a domain error onto its HTTP status. Unknown errors are
// logged and surfaced as 500 without internals in the body.
func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, structs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, structs.ErrInvalidTransition),
		errors.Is(err, structs.ErrAssignmentMismatch),
		errors.Is(err, structs.ErrNotExecutable):
		status = http.StatusConflict
	case errors.Is(err, structs.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, structs.ErrUnauthorized):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindJSON decodes the request body, converting gin binding failures into
// the Validation error kind so they render as 422.
func (s *Server) bindJSON(c *gin.Context, dest any) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		return structs.NewValidationError(err.Error())
	}
	return nil
}
