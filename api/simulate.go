package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/scheduler"
	"github.com/edgemesh/edgemesh/structs"
)

// simulateRequest asks where a task of the given type would be placed.
type simulateRequest struct {
	TaskType string `json:"task_type" binding:"required"`
}

// simulateSchedule runs the ranking pipeline without leasing anything, so
// operators can see why the scheduler prefers or rejects each node.
func (s *Server) simulateSchedule(c *gin.Context) {
	var req simulateRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	taskType, err := structs.ParseTaskType(req.TaskType)
	if err != nil {
		s.renderError(c, err)
		return
	}

	nodes, err := s.coord.Store.ListNodes()
	if err != nil {
		s.renderError(c, err)
		return
	}

	ranked := scheduler.RankNodes(nodes, taskType)
	chosen := scheduler.PickNode(ranked)

	var reason *string
	if chosen == nil {
		msg := "No eligible nodes found"
		reason = &msg
	}

	c.JSON(http.StatusOK, gin.H{
		"task_type":         taskType,
		"chosen_node_id":    chosen,
		"reason":            reason,
		"ranked_candidates": ranked,
	})
}
