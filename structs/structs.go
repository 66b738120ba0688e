// Package structs holds the coordinator's domain model: nodes, jobs, tasks,
// results, their enums and validation rules, and the event payloads pushed to
// stream subscribers. Everything here is plain data; persistence lives in the
// state package and scheduling math in the scheduler package.
package structs

import (
	"fmt"
	"strings"
	"time"
)

// TaskType is the kind of work a task performs. Agents advertise the types
// they can execute and policies restrict which types a node may lease.
type TaskType string

const (
	TaskTypeInference  TaskType = "INFERENCE"
	TaskTypeEmbeddings TaskType = "EMBEDDINGS"
	TaskTypeIndex      TaskType = "INDEX"
	TaskTypeTokenize   TaskType = "TOKENIZE"
	TaskTypePreprocess TaskType = "PREPROCESS"
)

// AllTaskTypes returns every task type in declaration order. Callers own the
// returned slice.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeInference,
		TaskTypeEmbeddings,
		TaskTypeIndex,
		TaskTypeTokenize,
		TaskTypePreprocess,
	}
}

// taskTypeAliases maps the spellings accepted on the wire to canonical task
// types. Agents and dashboards historically sent shorthand forms.
var taskTypeAliases = map[string]TaskType{
	"INFER":         TaskTypeInference,
	"INFERENCE":     TaskTypeInference,
	"EMBED":         TaskTypeEmbeddings,
	"EMBEDDING":     TaskTypeEmbeddings,
	"EMBEDDINGS":    TaskTypeEmbeddings,
	"INDEX":         TaskTypeIndex,
	"TOKENIZE":      TaskTypeTokenize,
	"PREPROCESS":    TaskTypePreprocess,
	"PREPROCESSING": TaskTypePreprocess,
}

// ParseTaskType resolves a raw task type string, accepting aliases such as
// INFER or EMBED, case-insensitively.
func ParseTaskType(raw string) (TaskType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if tt, ok := taskTypeAliases[normalized]; ok {
		return tt, nil
	}
	return "", NewValidationError(fmt.Sprintf("unsupported task_type %q", raw))
}

// RequiresGPU reports whether the task type needs a GPU signal considered
// during eligibility checks. Only inference workloads are GPU-bound.
func (t TaskType) RequiresGPU() bool {
	return t == TaskTypeInference
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// ParseJobStatus resolves a raw job status string case-insensitively.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case JobStatusQueued:
		return JobStatusQueued, nil
	case JobStatusRunning:
		return JobStatusRunning, nil
	case JobStatusCompleted:
		return JobStatusCompleted, nil
	case JobStatusFailed:
		return JobStatusFailed, nil
	case JobStatusCancelled:
		return JobStatusCancelled, nil
	}
	return "", NewValidationError(fmt.Sprintf("unsupported status %q", raw))
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the explicit job FSM allows moving from s
// to next. Same-state transitions are always allowed and idempotent.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the task reached a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// NodeStatus is the liveness state of a node as tracked by the coordinator.
type NodeStatus string

const (
	NodeStatusUnknown NodeStatus = "UNKNOWN"
	NodeStatusOnline  NodeStatus = "ONLINE"
	NodeStatusOffline NodeStatus = "OFFLINE"
)

// RolePreference biases scheduling toward a workload class without
// hard-excluding others.
type RolePreference string

const (
	RolePreferenceAuto             RolePreference = "AUTO"
	RolePreferencePreferInference  RolePreference = "PREFER_INFERENCE"
	RolePreferencePreferEmbeddings RolePreference = "PREFER_EMBEDDINGS"
	RolePreferencePreferPreprocess RolePreference = "PREFER_PREPROCESS"
)

// validRolePreference is used by policy validation.
func validRolePreference(p RolePreference) bool {
	switch p {
	case RolePreferenceAuto, RolePreferencePreferInference,
		RolePreferencePreferEmbeddings, RolePreferencePreferPreprocess:
		return true
	}
	return false
}

// Payload is an opaque key/value map carried by tasks and results. The
// coordinator never inspects it beyond JSON round-tripping.
type Payload map[string]any

// UTCNow is the single clock used when stamping domain records. Tests
// substitute fixed times at the store layer instead of swapping this out.
func UTCNow() time.Time {
	return time.Now().UTC()
}
