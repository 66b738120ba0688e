package structs

import "time"

// Job is a user-submitted unit of work fanned out into tasks. The aggregate
// fields are derived from the job's tasks and results on every job-touching
// transaction; they are never authoritative in storage.
type Job struct {
	ID             string    `json:"id"`
	Type           TaskType  `json:"type"`
	Status         JobStatus `json:"status"`
	PayloadRef     *string   `json:"payload_ref,omitempty"`
	AssignedNodeID *string   `json:"assigned_node_id,omitempty"`
	Attempts       int       `json:"attempts"`
	Error          *string   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Derived aggregates.
	TotalTasks               int      `json:"total_tasks"`
	QueuedTasks              int      `json:"queued_tasks"`
	RunningTasks             int      `json:"running_tasks"`
	CompletedTasks           int      `json:"completed_tasks"`
	FailedTasks              int      `json:"failed_tasks"`
	TotalRetries             int      `json:"total_retries"`
	AssignedNodes            []string `json:"assigned_nodes"`
	AvgTaskDurationMS        *float64 `json:"avg_task_duration_ms,omitempty"`
	ThroughputTasksPerMinute *float64 `json:"throughput_tasks_per_minute,omitempty"`
}

// JobUpdateEvent is published on the job bus whenever a job or one of its
// tasks changes state.
type JobUpdateEvent struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UpdateEvent builds the bus payload for the job's current state.
func (j *Job) UpdateEvent() *JobUpdateEvent {
	return &JobUpdateEvent{
		JobID:          j.ID,
		Status:         j.Status,
		TotalTasks:     j.TotalTasks,
		CompletedTasks: j.CompletedTasks,
		FailedTasks:    j.FailedTasks,
		UpdatedAt:      j.UpdatedAt,
	}
}
