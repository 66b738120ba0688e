package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgemesh/edgemesh/scheduler"
	"github.com/edgemesh/edgemesh/structs"
)

// Task error strings surfaced to agents and dashboards.
const (
	errTaskRequeued     = "Task execution failed; requeued"
	errTaskMaxRetries   = "Task failed after max retries"
	errTaskLeaseExpired = "Task lease expired"

	// ageBonusInterval converts queue age into score bonus: one point per
	// interval spent waiting.
	ageBonusInterval = 30 * time.Second
)

type taskRow struct {
	ID             string         `db:"id"`
	JobID          string         `db:"job_id"`
	Type           string         `db:"type"`
	PayloadJSON    string         `db:"payload_json"`
	Status         string         `db:"status"`
	AssignedNodeID sql.NullString `db:"assigned_node_id"`
	Retries        int            `db:"retries"`
	MaxRetries     int            `db:"max_retries"`
	LeaseExpiresAt sql.NullString `db:"lease_expires_at"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Error          sql.NullString `db:"error"`
}

func (r *taskRow) toTask() (*structs.Task, error) {
	payload := structs.Payload{}
	if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
		return nil, structs.NewInternalError(fmt.Errorf("task %s payload: %w", r.ID, err))
	}
	return &structs.Task{
		ID:             r.ID,
		JobID:          r.JobID,
		Type:           structs.TaskType(r.Type),
		Payload:        payload,
		Status:         structs.TaskStatus(r.Status),
		AssignedNodeID: stringPtr(r.AssignedNodeID),
		Retries:        r.Retries,
		MaxRetries:     r.MaxRetries,
		LeaseExpiresAt: parseNullableTime(r.LeaseExpiresAt),
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
		StartedAt:      parseNullableTime(r.StartedAt),
		CompletedAt:    parseNullableTime(r.CompletedAt),
		Error:          stringPtr(r.Error),
	}, nil
}

func getTaskRowTx(tx *sqlx.Tx, taskID string) (*taskRow, error) {
	var row taskRow
	err := tx.Get(&row, `SELECT * FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewNotFoundError("task", taskID)
	}
	if err != nil {
		return nil, structs.NewInternalError(err)
	}
	return &row, nil
}

func saveTaskTx(tx *sqlx.Tx, row *taskRow) error {
	if _, err := tx.NamedExec(`UPDATE tasks SET
		status = :status,
		assigned_node_id = :assigned_node_id,
		retries = :retries,
		lease_expires_at = :lease_expires_at,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at,
		error = :error
		WHERE id = :id`, row); err != nil {
		return structs.NewInternalError(err)
	}
	return nil
}

// CreateTasks atomically fans a job out into N queued tasks and refreshes
// the parent's aggregates.
func (s *Store) CreateTasks(jobID string, taskType structs.TaskType, payloads []structs.Payload, maxRetries int, ids []string) ([]*structs.Task, error) {
	if maxRetries < 0 || maxRetries > structs.MaxTaskRetries {
		return nil, structs.NewValidationError(fmt.Sprintf("max_retries must be 0-%d", structs.MaxTaskRetries))
	}
	if len(ids) != len(payloads) {
		return nil, structs.NewValidationError("task id count must match payload count")
	}

	var tasks []*structs.Task
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		if _, err := getJobRowTx(tx, jobID); err != nil {
			return err
		}

		now := s.now()
		tasks = make([]*structs.Task, 0, len(payloads))
		for i, payload := range payloads {
			if payload == nil {
				payload = structs.Payload{}
			}
			payloadJSON, err := encodeJSON(payload)
			if err != nil {
				return err
			}
			// Strictly increasing timestamps keep FIFO order stable even when
			// the clock resolution is coarse.
			createdAt := now.Add(time.Duration(i) * time.Microsecond)
			row := &taskRow{
				ID:          ids[i],
				JobID:       jobID,
				Type:        string(taskType),
				PayloadJSON: payloadJSON,
				Status:      string(structs.TaskStatusQueued),
				MaxRetries:  maxRetries,
				CreatedAt:   formatTime(createdAt),
				UpdatedAt:   formatTime(createdAt),
			}
			if _, err := tx.NamedExec(`INSERT INTO tasks
				(id, job_id, type, payload_json, status, assigned_node_id, retries, max_retries, lease_expires_at, created_at, updated_at, started_at, completed_at, error)
				VALUES (:id, :job_id, :type, :payload_json, :status, :assigned_node_id, :retries, :max_retries, :lease_expires_at, :created_at, :updated_at, :started_at, :completed_at, :error)`,
				row); err != nil {
				return structs.NewInternalError(err)
			}
			task, err := row.toTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}

		_, err := s.refreshJobTx(tx, jobID)
		return err
	})
	return tasks, err
}

// ListTasks returns a job's tasks in creation order.
func (s *Store) ListTasks(jobID string) ([]*structs.Task, error) {
	var tasks []*structs.Task
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		if _, err := getJobRowTx(tx, jobID); err != nil {
			return err
		}
		var rows []taskRow
		if err := tx.Select(&rows, `SELECT * FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID); err != nil {
			return structs.NewInternalError(err)
		}
		tasks = make([]*structs.Task, 0, len(rows))
		for i := range rows {
			task, err := rows[i].toTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

// GetTask returns a single task by id or ErrNotFound.
func (s *Store) GetTask(taskID string) (*structs.Task, error) {
	var task *structs.Task
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		row, err := getTaskRowTx(tx, taskID)
		if err != nil {
			return err
		}
		task, err = row.toTask()
		return err
	})
	return task, err
}

// PullTaskForNode leases the best queued task to the node, or returns nil
// when nothing is eligible. The whole selection runs under the writer lock
// so scheduling decisions are consistent with the state they observe: stale
// leases are expired first, then every queued task is scored against the
// node with an age bonus that rewards starvation resistance.
func (s *Store) PullTaskForNode(nodeID string, leaseSeconds int) (*structs.Task, error) {
	var leased *structs.Task
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		now := s.now()

		if _, err := s.recoverStaleTasksTx(tx, now); err != nil {
			return err
		}

		nodeRow, err := getNodeTx(tx, nodeID)
		if errors.Is(err, structs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		node, err := nodeRow.toNode()
		if err != nil {
			return err
		}

		var rows []taskRow
		if err := tx.Select(&rows, `SELECT * FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`,
			string(structs.TaskStatusQueued)); err != nil {
			return structs.NewInternalError(err)
		}

		// Eligibility and base score depend only on the task type; memoize
		// per type so a long queue scans cheaply.
		type typeVerdict struct {
			eligible bool
			score    float64
		}
		verdicts := map[structs.TaskType]typeVerdict{}

		var best *taskRow
		bestWeight := 0.0
		for i := range rows {
			row := &rows[i]
			tt := structs.TaskType(row.Type)
			verdict, ok := verdicts[tt]
			if !ok {
				eligible, _ := scheduler.EvaluateNodeEligibility(node, tt)
				verdict = typeVerdict{eligible: eligible, score: scheduler.ScoreNode(node, tt)}
				verdicts[tt] = verdict
			}
			if !verdict.eligible {
				continue
			}

			age := now.Sub(parseTime(row.CreatedAt))
			bonus := age.Seconds() / ageBonusInterval.Seconds()
			if bonus < 0 {
				bonus = 0
			}
			weighted := verdict.score + bonus
			if best == nil || weighted > bestWeight {
				best = row
				bestWeight = weighted
			}
		}
		if best == nil {
			return nil
		}

		best.Status = string(structs.TaskStatusRunning)
		best.AssignedNodeID = sql.NullString{String: nodeID, Valid: true}
		best.LeaseExpiresAt = sql.NullString{String: formatTime(now.Add(time.Duration(leaseSeconds) * time.Second)), Valid: true}
		if !best.StartedAt.Valid {
			best.StartedAt = sql.NullString{String: formatTime(now), Valid: true}
		}
		best.UpdatedAt = formatTime(now)
		if err := saveTaskTx(tx, best); err != nil {
			return err
		}

		if _, err := s.refreshJobTx(tx, best.JobID); err != nil {
			return err
		}

		leased, err = best.toTask()
		return err
	})
	return leased, err
}

// SubmitTaskResult validates the submitting node's claim on the task,
// appends the result row, advances the task per the retry policy, and
// refreshes the parent job. Returns the updated task and job.
func (s *Store) SubmitTaskResult(result *structs.TaskResult) (*structs.Task, *structs.Job, error) {
	if err := result.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		task *structs.Task
		job  *structs.Job
	)
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := getTaskRowTx(tx, result.TaskID)
		if err != nil {
			return err
		}

		if row.AssignedNodeID.Valid && row.AssignedNodeID.String != result.NodeID {
			return fmt.Errorf("task %s is leased to %s, not %s: %w",
				row.ID, row.AssignedNodeID.String, result.NodeID, structs.ErrAssignmentMismatch)
		}
		status := structs.TaskStatus(row.Status)
		if status != structs.TaskStatusRunning && status != structs.TaskStatusQueued {
			return fmt.Errorf("task %s is %s: %w", row.ID, status, structs.ErrNotExecutable)
		}

		now := s.now()
		createdAt := result.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		var outputJSON sql.NullString
		if result.Output != nil {
			encoded, err := encodeJSON(result.Output)
			if err != nil {
				return err
			}
			outputJSON = sql.NullString{String: encoded, Valid: true}
		}
		if _, err := tx.Exec(`INSERT INTO results (task_id, node_id, success, output_json, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.TaskID, result.NodeID, boolToInt(result.Success), outputJSON, result.DurationMS, formatTime(createdAt)); err != nil {
			return structs.NewInternalError(err)
		}

		row.LeaseExpiresAt = sql.NullString{}
		if result.Success {
			row.Status = string(structs.TaskStatusCompleted)
			row.CompletedAt = sql.NullString{String: formatTime(now), Valid: true}
			row.Error = sql.NullString{}
		} else {
			applyTaskFailure(row, errTaskRequeued, now)
		}
		row.UpdatedAt = formatTime(now)
		if err := saveTaskTx(tx, row); err != nil {
			return err
		}

		job, err = s.refreshJobTx(tx, row.JobID)
		if err != nil {
			return err
		}
		task, err = row.toTask()
		return err
	})
	return task, job, err
}

// applyTaskFailure implements the shared retry/fail branch for failed
// results and expired leases: exhaust the retry budget into FAILED,
// otherwise requeue with the assignment cleared.
func applyTaskFailure(row *taskRow, requeueMsg string, now time.Time) {
	row.Retries++
	if row.Retries > row.MaxRetries {
		row.Status = string(structs.TaskStatusFailed)
		row.CompletedAt = sql.NullString{String: formatTime(now), Valid: true}
		row.Error = sql.NullString{String: errTaskMaxRetries, Valid: true}
	} else {
		row.Status = string(structs.TaskStatusQueued)
		row.AssignedNodeID = sql.NullString{}
		row.Error = sql.NullString{String: requeueMsg, Valid: true}
	}
}

// recoverStaleTasksTx expires every RUNNING task whose lease deadline has
// passed, treating each as a soft failure, and refreshes the touched jobs.
func (s *Store) recoverStaleTasksTx(tx *sqlx.Tx, now time.Time) ([]*structs.Task, error) {
	var rows []taskRow
	if err := tx.Select(&rows, `SELECT * FROM tasks
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY created_at ASC, id ASC`,
		string(structs.TaskStatusRunning), formatTime(now)); err != nil {
		return nil, structs.NewInternalError(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	recovered := make([]*structs.Task, 0, len(rows))
	touchedJobs := map[string]bool{}
	for i := range rows {
		row := &rows[i]
		row.LeaseExpiresAt = sql.NullString{}
		applyTaskFailure(row, errTaskLeaseExpired, now)
		row.UpdatedAt = formatTime(now)
		if err := saveTaskTx(tx, row); err != nil {
			return nil, err
		}
		touchedJobs[row.JobID] = true

		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, task)
	}

	for jobID := range touchedJobs {
		if _, err := s.refreshJobTx(tx, jobID); err != nil {
			return nil, err
		}
	}

	return recovered, nil
}

// RecoverStaleTasks runs lease recovery in its own transaction. The
// background monitor calls this on a fixed cadence; pulls run the same logic
// inline.
func (s *Store) RecoverStaleTasks() ([]*structs.Task, error) {
	var recovered []*structs.Task
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		var err error
		recovered, err = s.recoverStaleTasksTx(tx, s.now())
		return err
	})
	return recovered, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
