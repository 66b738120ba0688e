package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// MaxTaskRetries caps the configurable retry budget for a task.
	MaxTaskRetries = 20

	// DefaultTaskMaxRetries is the retry budget applied when a job creation
	// request does not specify one.
	DefaultTaskMaxRetries = 2
)

// Task is an atomic executable unit owned by a job. A RUNNING task always
// carries its lessee node and a lease deadline; queued and failed tasks never
// hold a lease.
type Task struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Type           TaskType   `json:"type"`
	Payload        Payload    `json:"payload"`
	Status         TaskStatus `json:"status"`
	AssignedNodeID *string    `json:"assigned_node_id,omitempty"`
	Retries        int        `json:"retries"`
	MaxRetries     int        `json:"max_retries"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
}

// TaskResult is an append-only execution record submitted by an agent.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	Success    bool      `json:"success"`
	Output     Payload   `json:"output,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks result identifiers and ranges.
func (r *TaskResult) Validate() error {
	var mErr *multierror.Error
	if len(r.TaskID) == 0 || len(r.TaskID) > maxIDLen {
		mErr = multierror.Append(mErr, fmt.Errorf("task_id must be 1-%d characters", maxIDLen))
	}
	if len(r.NodeID) == 0 || len(r.NodeID) > maxIDLen {
		mErr = multierror.Append(mErr, fmt.Errorf("node_id must be 1-%d characters", maxIDLen))
	}
	if r.DurationMS < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("duration_ms must be >= 0"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// ExecutionMetrics aggregates the result table for the metrics endpoint.
type ExecutionMetrics struct {
	TotalResults             int                `json:"total_results"`
	SuccessResults           int                `json:"success_results"`
	FailedResults            int                `json:"failed_results"`
	AvgDurationMS            *float64           `json:"avg_duration_ms,omitempty"`
	ThroughputTasksPerMinute float64            `json:"throughput_tasks_per_minute"`
	NodeReliability          map[string]float64 `json:"node_reliability"`
}
