package api

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/structs"
)

// secretHeader carries the shared secret agents present on task endpoints.
const secretHeader = "X-EdgeMesh-Secret"

// requireAgentSecret gates a route group behind the configured shared secret.
// An empty configured secret disables the check entirely. The comparison is
// constant-time so the header cannot be probed byte by byte.
func (s *Server) requireAgentSecret(c *gin.Context) {
	expected := s.coord.Config.SharedSecret
	if expected == "" {
		c.Next()
		return
	}

	presented := strings.TrimSpace(c.GetHeader(secretHeader))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		s.renderError(c, fmt.Errorf("invalid or missing shared secret: %w", structs.ErrUnauthorized))
		c.Abort()
		return
	}
	c.Next()
}
