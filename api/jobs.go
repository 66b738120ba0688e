package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edgemesh/edgemesh/scheduler"
	"github.com/edgemesh/edgemesh/state"
	"github.com/edgemesh/edgemesh/structs"
)

// newID returns a prefixed random identifier like job-3f2a1b9c0d4e.
func newID(prefix string) string {
	u := uuid.New()
	return prefix + "-" + hex.EncodeToString(u[:])[:12]
}

// jobCreateRequest fans a job out into tasks: either one task per
// payload_items entry, or task_count uniform tasks.
type jobCreateRequest struct {
	TaskType       string   `json:"task_type" binding:"required"`
	PayloadRef     *string  `json:"payload_ref"`
	TaskCount      *int     `json:"task_count"`
	PayloadItems   []string `json:"payload_items"`
	MaxTaskRetries *int     `json:"max_task_retries"`
}

const (
	maxTaskCount     = 500
	maxPayloadRefLen = 512
)

// buildTaskPayloads expands the request into one payload per task. Each
// payload carries its index and the job-level payload_ref so agents can
// locate their slice of the input.
func buildTaskPayloads(req *jobCreateRequest, taskType structs.TaskType, count int) []structs.Payload {
	if len(req.PayloadItems) > 0 {
		payloads := make([]structs.Payload, 0, len(req.PayloadItems))
		for i, item := range req.PayloadItems {
			payloads = append(payloads, structs.Payload{
				"task_index":  i,
				"task_type":   string(taskType),
				"item":        item,
				"payload_ref": refValue(req.PayloadRef),
			})
		}
		return payloads
	}

	payloads := make([]structs.Payload, 0, count)
	for i := 0; i < count; i++ {
		payloads = append(payloads, structs.Payload{
			"task_index":  i,
			"task_type":   string(taskType),
			"payload_ref": refValue(req.PayloadRef),
		})
	}
	return payloads
}

func refValue(ref *string) any {
	if ref == nil {
		return nil
	}
	return *ref
}

func (s *Server) createJob(c *gin.Context) {
	var req jobCreateRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	taskType, err := structs.ParseTaskType(req.TaskType)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if req.PayloadRef != nil && len(*req.PayloadRef) > maxPayloadRefLen {
		s.renderError(c, structs.NewValidationError(fmt.Sprintf("payload_ref must be at most %d characters", maxPayloadRefLen)))
		return
	}

	taskCount := 1
	if req.TaskCount != nil {
		taskCount = *req.TaskCount
	}
	if taskCount < 1 || taskCount > maxTaskCount {
		s.renderError(c, structs.NewValidationError(fmt.Sprintf("task_count must be 1-%d", maxTaskCount)))
		return
	}

	maxRetries := structs.DefaultTaskMaxRetries
	if req.MaxTaskRetries != nil {
		maxRetries = *req.MaxTaskRetries
	}
	// Checked here so a bad budget never commits the job row.
	if maxRetries < 0 || maxRetries > structs.MaxTaskRetries {
		s.renderError(c, structs.NewValidationError(fmt.Sprintf("max_task_retries must be 0-%d", structs.MaxTaskRetries)))
		return
	}

	job, err := s.coord.Store.CreateJob(&structs.Job{
		ID:         newID("job"),
		Type:       taskType,
		Status:     structs.JobStatusQueued,
		PayloadRef: req.PayloadRef,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	payloads := buildTaskPayloads(&req, taskType, taskCount)
	ids := make([]string, len(payloads))
	for i := range ids {
		ids[i] = newID("task")
	}
	if _, err := s.coord.Store.CreateTasks(job.ID, taskType, payloads, maxRetries, ids); err != nil {
		s.renderError(c, err)
		return
	}

	refreshed, err := s.coord.Store.GetJob(job.ID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.coord.PublishJobUpdate(refreshed)

	s.logger.Info("job created", "job_id", job.ID, "type", taskType, "tasks", len(payloads))
	c.JSON(http.StatusCreated, refreshed)
}

func (s *Server) listJobs(c *gin.Context) {
	var filter state.JobListFilter

	if raw := c.Query("status"); raw != "" {
		status, err := structs.ParseJobStatus(raw)
		if err != nil {
			s.renderError(c, err)
			return
		}
		filter.Status = &status
	}
	if raw := c.Query("task_type"); raw != "" {
		tt, err := structs.ParseTaskType(raw)
		if err != nil {
			s.renderError(c, err)
			return
		}
		filter.TaskType = &tt
	}
	if raw := c.Query("node_id"); raw != "" {
		filter.NodeID = &raw
	}

	jobs, err := s.coord.Store.ListJobs(filter)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.coord.Store.GetJob(c.Param("job_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobTasks(c *gin.Context) {
	tasks, err := s.coord.Store.ListTasks(c.Param("job_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// jobStatusRequest is a manual FSM transition.
type jobStatusRequest struct {
	Status string  `json:"status" binding:"required"`
	Error  *string `json:"error"`
}

func (s *Server) transitionJobStatus(c *gin.Context) {
	var req jobStatusRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	status, err := structs.ParseJobStatus(req.Status)
	if err != nil {
		s.renderError(c, err)
		return
	}

	job, err := s.coord.Store.TransitionJobStatus(c.Param("job_id"), status, req.Error)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.coord.PublishJobUpdate(job)
	c.JSON(http.StatusOK, job)
}

// createEmbedBurst floods the cluster with embedding jobs for load demos.
// Each job is fanned into tasks and pre-assigned to the best currently
// eligible node.
func (s *Server) createEmbedBurst(c *gin.Context) {
	count, err := queryIntDefault(c, "count", 20, 1, 200)
	if err != nil {
		s.renderError(c, err)
		return
	}
	tasksPerJob, err := queryIntDefault(c, "tasks_per_job", 6, 1, 64)
	if err != nil {
		s.renderError(c, err)
		return
	}

	nodes, err := s.coord.Store.ListNodes()
	if err != nil {
		s.renderError(c, err)
		return
	}
	ranked := scheduler.RankNodes(nodes, structs.TaskTypeEmbeddings)
	chosen := scheduler.PickNode(ranked)

	var jobs []*structs.Job
	assigned := 0
	for i := 0; i < count; i++ {
		ref := fmt.Sprintf("demo://embed/%04d", i)
		job, err := s.coord.Store.CreateJob(&structs.Job{
			ID:         newID("job"),
			Type:       structs.TaskTypeEmbeddings,
			Status:     structs.JobStatusQueued,
			PayloadRef: &ref,
		})
		if err != nil {
			s.renderError(c, err)
			return
		}

		payloads := make([]structs.Payload, 0, tasksPerJob)
		ids := make([]string, 0, tasksPerJob)
		for j := 0; j < tasksPerJob; j++ {
			payloads = append(payloads, structs.Payload{
				"task_index":  j,
				"task_type":   string(structs.TaskTypeEmbeddings),
				"payload_ref": ref,
				"text":        fmt.Sprintf("demo chunk %04d-%02d", i, j),
			})
			ids = append(ids, newID("task"))
		}
		if _, err := s.coord.Store.CreateTasks(job.ID, structs.TaskTypeEmbeddings, payloads, structs.DefaultTaskMaxRetries, ids); err != nil {
			s.renderError(c, err)
			return
		}

		if chosen != nil {
			assigned++
			if _, err := s.coord.Store.AssignJob(job.ID, chosen); err != nil {
				s.renderError(c, err)
				return
			}
		}

		refreshed, err := s.coord.Store.GetJob(job.ID)
		if err != nil {
			s.renderError(c, err)
			return
		}
		jobs = append(jobs, refreshed)
		s.coord.PublishJobUpdate(refreshed)
	}

	counts := map[structs.JobStatus]int{}
	for _, job := range jobs {
		counts[job.Status]++
	}

	s.logger.Info("embed burst created", "jobs", count, "tasks_per_job", tasksPerJob, "assigned", assigned)
	c.JSON(http.StatusOK, gin.H{
		"created_count":   count,
		"assigned_count":  assigned,
		"queued_count":    counts[structs.JobStatusQueued],
		"running_count":   counts[structs.JobStatusRunning],
		"completed_count": counts[structs.JobStatusCompleted],
		"failed_count":    counts[structs.JobStatusFailed],
		"jobs":            jobs,
	})
}

// queryIntDefault parses an optional integer query parameter with bounds.
func queryIntDefault(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, structs.NewValidationError(fmt.Sprintf("%s must be an integer", name))
	}
	if parsed < lo || parsed > hi {
		return 0, structs.NewValidationError(fmt.Sprintf("%s must be %d-%d", name, lo, hi))
	}
	return parsed, nil
}
