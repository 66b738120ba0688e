package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/structs"
)

func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.coord.Store.ListNodes()
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) getNode(c *gin.Context) {
	nodeID := c.Param("node_id")

	node, err := s.coord.Store.GetNode(nodeID)
	if err != nil {
		s.renderError(c, err)
		return
	}

	detail := &structs.NodeDetail{Node: node}
	if c.Query("include_metrics_history") == "true" {
		limit := 0
		if raw := c.Query("history_limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				s.renderError(c, structs.NewValidationError("history_limit must be an integer"))
				return
			}
			limit = parsed
		}
		detail.MetricsHistory = s.coord.History.Recent(nodeID, limit)
	}

	c.JSON(http.StatusOK, detail)
}

// policyRequest mirrors structs.NodePolicy on the wire but takes the task
// allowlist as raw strings so aliases resolve before validation.
type policyRequest struct {
	Enabled        bool     `json:"enabled"`
	CPUCapPercent  int      `json:"cpu_cap_percent"`
	GPUCapPercent  *int     `json:"gpu_cap_percent"`
	RAMCapPercent  int      `json:"ram_cap_percent"`
	TaskAllowlist  []string `json:"task_allowlist"`
	RolePreference string   `json:"role_preference"`
}

func (s *Server) updateNodePolicy(c *gin.Context) {
	nodeID := c.Param("node_id")

	var req policyRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	policy := &structs.NodePolicy{
		Enabled:        req.Enabled,
		CPUCapPercent:  req.CPUCapPercent,
		GPUCapPercent:  req.GPUCapPercent,
		RAMCapPercent:  req.RAMCapPercent,
		RolePreference: structs.RolePreference(req.RolePreference),
	}
	for _, raw := range req.TaskAllowlist {
		tt, err := structs.ParseTaskType(raw)
		if err != nil {
			s.renderError(c, err)
			return
		}
		policy.TaskAllowlist = append(policy.TaskAllowlist, tt)
	}

	node, err := s.coord.Store.UpdateNodePolicy(nodeID, policy)
	if err != nil {
		s.renderError(c, err)
		return
	}

	s.logger.Info("node policy updated", "node_id", nodeID, "enabled", policy.Enabled)
	c.JSON(http.StatusOK, node)
}
