package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/structs"
)

// pullRequest asks for the best queued task the node may lease.
type pullRequest struct {
	NodeID string `json:"node_id" binding:"required"`
}

func (s *Server) pullTask(c *gin.Context) {
	var req pullRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	task, err := s.coord.Store.PullTaskForNode(req.NodeID, s.coord.Config.TaskLeaseSeconds)
	if err != nil {
		s.renderError(c, err)
		return
	}

	if task != nil {
		job, err := s.coord.Store.GetJob(task.JobID)
		if err != nil {
			s.renderError(c, err)
			return
		}
		s.coord.PublishJobUpdate(job)
		s.logger.Debug("task leased", "task_id", task.ID, "job_id", task.JobID, "node_id", req.NodeID)
	}

	// task is null when nothing is eligible; agents back off and retry.
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// resultRequest reports the outcome of executing a leased task.
type resultRequest struct {
	NodeID     string          `json:"node_id" binding:"required"`
	Success    bool            `json:"success"`
	Output     structs.Payload `json:"output"`
	DurationMS int64           `json:"duration_ms"`
}

func (s *Server) submitTaskResult(c *gin.Context) {
	var req resultRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	task, job, err := s.coord.Store.SubmitTaskResult(&structs.TaskResult{
		TaskID:     c.Param("task_id"),
		NodeID:     req.NodeID,
		Success:    req.Success,
		Output:     req.Output,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	s.coord.PublishJobUpdate(job)
	s.logger.Debug("task result recorded",
		"task_id", task.ID,
		"node_id", req.NodeID,
		"success", req.Success,
		"status", task.Status)

	c.JSON(http.StatusOK, gin.H{"task": task, "job": job})
}
