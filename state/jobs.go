package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgemesh/edgemesh/helper/pointer"
	"github.com/edgemesh/edgemesh/structs"
)

type jobRow struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Status         string         `db:"status"`
	PayloadRef     sql.NullString `db:"payload_ref"`
	AssignedNodeID sql.NullString `db:"assigned_node_id"`
	Attempts       int            `db:"attempts"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Error          sql.NullString `db:"error"`
}

func getJobRowTx(tx *sqlx.Tx, jobID string) (*jobRow, error) {
	var row jobRow
	err := tx.Get(&row, `SELECT * FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return nil, structs.NewInternalError(err)
	}
	return &row, nil
}

func saveJobTx(tx *sqlx.Tx, row *jobRow) error {
	if _, err := tx.NamedExec(`UPDATE jobs SET
		type = :type,
		status = :status,
		payload_ref = :payload_ref,
		assigned_node_id = :assigned_node_id,
		attempts = :attempts,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at,
		error = :error
		WHERE id = :id`, row); err != nil {
		return structs.NewInternalError(err)
	}
	return nil
}

// jobAggregates is the fan-in summary of a job's tasks, recomputed from the
// task table rather than stored.
type jobAggregates struct {
	total, queued, running, completed, failed int
	totalRetries                              int
	assignedNodes                             []string
	earliestStart                             *time.Time
	latestComplete                            *time.Time
	anyStarted                                bool
}

func jobAggregatesTx(tx *sqlx.Tx, jobID string) (*jobAggregates, error) {
	var rows []taskRow
	if err := tx.Select(&rows, `SELECT * FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID); err != nil {
		return nil, structs.NewInternalError(err)
	}

	agg := &jobAggregates{}
	nodeSet := map[string]bool{}
	for i := range rows {
		row := &rows[i]
		agg.total++
		agg.totalRetries += row.Retries
		switch structs.TaskStatus(row.Status) {
		case structs.TaskStatusQueued:
			agg.queued++
		case structs.TaskStatusRunning:
			agg.running++
		case structs.TaskStatusCompleted:
			agg.completed++
		case structs.TaskStatusFailed:
			agg.failed++
		}
		if row.AssignedNodeID.Valid {
			nodeSet[row.AssignedNodeID.String] = true
		}
		if start := parseNullableTime(row.StartedAt); start != nil {
			agg.anyStarted = true
			if agg.earliestStart == nil || start.Before(*agg.earliestStart) {
				agg.earliestStart = start
			}
		}
		if done := parseNullableTime(row.CompletedAt); done != nil {
			if agg.latestComplete == nil || done.After(*agg.latestComplete) {
				agg.latestComplete = done
			}
		}
	}

	agg.assignedNodes = make([]string, 0, len(nodeSet))
	for id := range nodeSet {
		agg.assignedNodes = append(agg.assignedNodes, id)
	}
	sort.Strings(agg.assignedNodes)

	return agg, nil
}

// deriveJobStatus applies the aggregation rule: a job with tasks is
// COMPLETED when every task completed, FAILED when any task failed and none
// remain active, RUNNING when any task has started, else QUEUED.
func deriveJobStatus(agg *jobAggregates) structs.JobStatus {
	switch {
	case agg.completed == agg.total:
		return structs.JobStatusCompleted
	case agg.failed > 0 && agg.queued+agg.running == 0:
		return structs.JobStatusFailed
	case agg.anyStarted:
		return structs.JobStatusRunning
	default:
		return structs.JobStatusQueued
	}
}

// refreshJobTx recomputes the job's derived fields after a task-driven
// change and persists them. Manual status overrides are replaced here; that
// is the documented reconciliation point.
func (s *Store) refreshJobTx(tx *sqlx.Tx, jobID string) (*structs.Job, error) {
	row, err := getJobRowTx(tx, jobID)
	if err != nil {
		return nil, err
	}
	agg, err := jobAggregatesTx(tx, jobID)
	if err != nil {
		return nil, err
	}

	if agg.total > 0 {
		derived := deriveJobStatus(agg)
		row.Status = string(derived)

		if len(agg.assignedNodes) > 0 {
			row.AssignedNodeID = sql.NullString{String: agg.assignedNodes[0], Valid: true}
		}
		if agg.earliestStart != nil {
			row.StartedAt = formatNullableTime(agg.earliestStart)
		}
		if derived.Terminal() && agg.latestComplete != nil {
			row.CompletedAt = formatNullableTime(agg.latestComplete)
		} else {
			row.CompletedAt = sql.NullString{}
		}
		if derived == structs.JobStatusFailed {
			row.Error = sql.NullString{String: fmt.Sprintf("%d tasks failed", agg.failed), Valid: true}
		} else {
			row.Error = sql.NullString{}
		}
	}

	row.UpdatedAt = formatTime(s.now())
	if err := saveJobTx(tx, row); err != nil {
		return nil, err
	}
	return s.buildJobTx(tx, row, agg)
}

// buildJobTx assembles the API-facing job from its row and aggregates,
// attaching the result-derived duration and throughput figures.
func (s *Store) buildJobTx(tx *sqlx.Tx, row *jobRow, agg *jobAggregates) (*structs.Job, error) {
	if agg == nil {
		var err error
		agg, err = jobAggregatesTx(tx, row.ID)
		if err != nil {
			return nil, err
		}
	}

	job := &structs.Job{
		ID:             row.ID,
		Type:           structs.TaskType(row.Type),
		Status:         structs.JobStatus(row.Status),
		PayloadRef:     stringPtr(row.PayloadRef),
		AssignedNodeID: stringPtr(row.AssignedNodeID),
		Attempts:       row.Attempts,
		Error:          stringPtr(row.Error),
		CreatedAt:      parseTime(row.CreatedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
		StartedAt:      parseNullableTime(row.StartedAt),
		CompletedAt:    parseNullableTime(row.CompletedAt),
		TotalTasks:     agg.total,
		QueuedTasks:    agg.queued,
		RunningTasks:   agg.running,
		CompletedTasks: agg.completed,
		FailedTasks:    agg.failed,
		TotalRetries:   agg.totalRetries,
		AssignedNodes:  agg.assignedNodes,
	}

	var stats struct {
		Count       int             `db:"count"`
		AvgDuration sql.NullFloat64 `db:"avg_duration"`
	}
	err := tx.Get(&stats, `SELECT COUNT(*) AS count, AVG(r.duration_ms) AS avg_duration
		FROM results r JOIN tasks t ON t.id = r.task_id WHERE t.job_id = ?`, row.ID)
	if err != nil {
		return nil, structs.NewInternalError(err)
	}
	if stats.Count > 0 && stats.AvgDuration.Valid {
		job.AvgTaskDurationMS = pointer.Of(round3(stats.AvgDuration.Float64))

		var recent int
		cutoff := formatTime(s.now().Add(-5 * time.Minute))
		err = tx.Get(&recent, `SELECT COUNT(*) FROM results r JOIN tasks t ON t.id = r.task_id
			WHERE t.job_id = ? AND r.created_at >= ?`, row.ID, cutoff)
		if err != nil {
			return nil, structs.NewInternalError(err)
		}
		job.ThroughputTasksPerMinute = pointer.Of(round3(float64(recent) / 5.0))
	}

	return job, nil
}

// CreateJob persists a new job in QUEUED with zero attempts.
func (s *Store) CreateJob(job *structs.Job) (*structs.Job, error) {
	if job.ID == "" || len(job.ID) > 128 {
		return nil, structs.NewValidationError("job id must be 1-128 characters")
	}
	if _, err := structs.ParseTaskType(string(job.Type)); err != nil {
		return nil, err
	}
	if job.Status == "" {
		job.Status = structs.JobStatusQueued
	}

	var created *structs.Job
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		now := s.now()
		row := &jobRow{
			ID:         job.ID,
			Type:       string(job.Type),
			Status:     string(job.Status),
			PayloadRef: nullableString(job.PayloadRef),
			Attempts:   0,
			CreatedAt:  formatTime(now),
			UpdatedAt:  formatTime(now),
		}
		if _, err := tx.NamedExec(`INSERT INTO jobs
			(id, type, status, payload_ref, assigned_node_id, attempts, created_at, updated_at, started_at, completed_at, error)
			VALUES (:id, :type, :status, :payload_ref, :assigned_node_id, :attempts, :created_at, :updated_at, :started_at, :completed_at, :error)`,
			row); err != nil {
			return structs.NewInternalError(err)
		}
		var err error
		created, err = s.buildJobTx(tx, row, nil)
		return err
	})
	return created, err
}

// GetJob returns a job with fresh aggregates, or ErrNotFound.
func (s *Store) GetJob(jobID string) (*structs.Job, error) {
	var job *structs.Job
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		row, err := getJobRowTx(tx, jobID)
		if err != nil {
			return err
		}
		job, err = s.buildJobTx(tx, row, nil)
		return err
	})
	return job, err
}

// JobListFilter narrows ListJobs. Nil fields match everything.
type JobListFilter struct {
	Status   *structs.JobStatus
	TaskType *structs.TaskType
	NodeID   *string
}

// ListJobs returns jobs newest first, filtered by status, task type, and
// assigned node.
func (s *Store) ListJobs(filter JobListFilter) ([]*structs.Job, error) {
	query := `SELECT * FROM jobs`
	var clauses []string
	var args []any
	if filter.Status != nil {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(*filter.Status))
	}
	if filter.TaskType != nil {
		clauses = append(clauses, `type = ?`)
		args = append(args, string(*filter.TaskType))
	}
	if filter.NodeID != nil {
		clauses = append(clauses, `assigned_node_id = ?`)
		args = append(args, *filter.NodeID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var jobs []*structs.Job
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		var rows []jobRow
		if err := tx.Select(&rows, query, args...); err != nil {
			return structs.NewInternalError(err)
		}
		jobs = make([]*structs.Job, 0, len(rows))
		for i := range rows {
			job, err := s.buildJobTx(tx, &rows[i], nil)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// AssignJob records the node a job is directed at. Assigning a node to a
// QUEUED job also applies the QUEUED->RUNNING transition effects; passing nil
// only clears the assignment.
func (s *Store) AssignJob(jobID string, nodeID *string) (*structs.Job, error) {
	var job *structs.Job
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := getJobRowTx(tx, jobID)
		if err != nil {
			return err
		}
		now := s.now()
		row.AssignedNodeID = nullableString(nodeID)
		if nodeID != nil && structs.JobStatus(row.Status) == structs.JobStatusQueued {
			applyTransitionEffects(row, structs.JobStatusRunning, nil, now)
		}
		row.UpdatedAt = formatTime(now)
		if err := saveJobTx(tx, row); err != nil {
			return err
		}
		job, err = s.buildJobTx(tx, row, nil)
		return err
	})
	return job, err
}

// applyTransitionEffects mutates the row for an already-validated FSM edge.
func applyTransitionEffects(row *jobRow, next structs.JobStatus, errMsg *string, now time.Time) {
	prev := structs.JobStatus(row.Status)
	row.Status = string(next)

	switch {
	case prev == structs.JobStatusQueued && next == structs.JobStatusRunning:
		if !row.StartedAt.Valid {
			row.StartedAt = sql.NullString{String: formatTime(now), Valid: true}
		}
		row.Attempts++
		row.Error = sql.NullString{}
	case next == structs.JobStatusCompleted && prev != next:
		row.CompletedAt = sql.NullString{String: formatTime(now), Valid: true}
		row.Error = sql.NullString{}
	case next == structs.JobStatusFailed && prev != next:
		row.CompletedAt = sql.NullString{String: formatTime(now), Valid: true}
		switch {
		case errMsg != nil:
			row.Error = sql.NullString{String: *errMsg, Valid: true}
		case row.Error.Valid:
			// keep the existing error
		default:
			row.Error = sql.NullString{String: "Job failed", Valid: true}
		}
	case prev == next:
		// Idempotent same-state transition: only refresh the error when one
		// was supplied.
		if errMsg != nil {
			row.Error = sql.NullString{String: *errMsg, Valid: true}
		}
	}
}

// TransitionJobStatus applies a manual FSM transition. Disallowed edges
// return ErrInvalidTransition; same-state transitions are idempotent. The
// manual value is retained verbatim until the next task-driven refresh.
func (s *Store) TransitionJobStatus(jobID string, next structs.JobStatus, errMsg *string) (*structs.Job, error) {
	var job *structs.Job
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := getJobRowTx(tx, jobID)
		if err != nil {
			return err
		}
		current := structs.JobStatus(row.Status)
		if !current.CanTransitionTo(next) {
			return structs.NewInvalidTransitionError(current, next)
		}

		now := s.now()
		applyTransitionEffects(row, next, errMsg, now)
		row.UpdatedAt = formatTime(now)
		if err := saveJobTx(tx, row); err != nil {
			return err
		}
		job, err = s.buildJobTx(tx, row, nil)
		return err
	})
	return job, err
}
