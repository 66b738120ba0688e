package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) executionMetrics(c *gin.Context) {
	metrics, err := s.coord.Store.ExecutionMetrics()
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}
