package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	maxIDLen          = 128
	maxDisplayNameLen = 256
	maxIPLen          = 64
)

// NodeIdentity is the stable addressing information for a node.
type NodeIdentity struct {
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
}

// Validate checks identity field lengths and ranges.
func (i *NodeIdentity) Validate() error {
	var mErr *multierror.Error
	if len(i.NodeID) == 0 || len(i.NodeID) > maxIDLen {
		mErr = multierror.Append(mErr, fmt.Errorf("node_id must be 1-%d characters", maxIDLen))
	}
	if len(i.DisplayName) == 0 || len(i.DisplayName) > maxDisplayNameLen {
		mErr = multierror.Append(mErr, fmt.Errorf("display_name must be 1-%d characters", maxDisplayNameLen))
	}
	if len(i.IP) == 0 || len(i.IP) > maxIPLen {
		mErr = multierror.Append(mErr, fmt.Errorf("ip must be 1-%d characters", maxIPLen))
	}
	if i.Port < 0 || i.Port > 65535 {
		mErr = multierror.Append(mErr, fmt.Errorf("port must be 0-65535"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// NodeCapabilities is the hardware and workload profile an agent reports at
// registration. RAMTotalGB and RAMGB are interchangeable on input; see
// Canonicalize.
type NodeCapabilities struct {
	TaskTypes   []TaskType `json:"task_types"`
	Labels      []string   `json:"labels"`
	HasGPU      bool       `json:"has_gpu"`
	CPUCores    *int       `json:"cpu_cores,omitempty"`
	CPUThreads  *int       `json:"cpu_threads,omitempty"`
	RAMTotalGB  *float64   `json:"ram_total_gb,omitempty"`
	RAMGB       *float64   `json:"ram_gb,omitempty"`
	GPUName     *string    `json:"gpu_name,omitempty"`
	VRAMTotalGB *float64   `json:"vram_total_gb,omitempty"`
	OS          *string    `json:"os,omitempty"`
	Arch        *string    `json:"arch,omitempty"`
}

// DefaultNodeCapabilities returns the capabilities assumed for a node that
// has only been mentioned by id.
func DefaultNodeCapabilities() *NodeCapabilities {
	return &NodeCapabilities{
		TaskTypes: []TaskType{},
		Labels:    []string{},
	}
}

// Canonicalize enforces the capability invariants: the two RAM fields mirror
// each other when exactly one is set, and has_gpu is implied by a GPU name or
// VRAM figure.
func (c *NodeCapabilities) Canonicalize() {
	if c.TaskTypes == nil {
		c.TaskTypes = []TaskType{}
	}
	if c.Labels == nil {
		c.Labels = []string{}
	}
	if c.RAMTotalGB == nil && c.RAMGB != nil {
		v := *c.RAMGB
		c.RAMTotalGB = &v
	}
	if c.RAMGB == nil && c.RAMTotalGB != nil {
		v := *c.RAMTotalGB
		c.RAMGB = &v
	}
	if (c.GPUName != nil && *c.GPUName != "") || c.VRAMTotalGB != nil {
		c.HasGPU = true
	}
}

// Validate checks numeric ranges and task type values. Canonicalize must run
// first.
func (c *NodeCapabilities) Validate() error {
	var mErr *multierror.Error
	if c.CPUCores != nil && *c.CPUCores < 1 {
		mErr = multierror.Append(mErr, fmt.Errorf("cpu_cores must be >= 1"))
	}
	if c.CPUThreads != nil && *c.CPUThreads < 1 {
		mErr = multierror.Append(mErr, fmt.Errorf("cpu_threads must be >= 1"))
	}
	if c.RAMTotalGB != nil && *c.RAMTotalGB < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("ram_total_gb must be >= 0"))
	}
	if c.VRAMTotalGB != nil && *c.VRAMTotalGB < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("vram_total_gb must be >= 0"))
	}
	for _, tt := range c.TaskTypes {
		if _, err := ParseTaskType(string(tt)); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unsupported task type %q", tt))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// NodeMetrics is a point-in-time utilization snapshot from a heartbeat.
type NodeMetrics struct {
	CPUPercent  float64            `json:"cpu_percent"`
	RAMUsedGB   float64            `json:"ram_used_gb"`
	RAMPercent  float64            `json:"ram_percent"`
	GPUPercent  *float64           `json:"gpu_percent,omitempty"`
	VRAMUsedGB  *float64           `json:"vram_used_gb,omitempty"`
	RunningJobs int                `json:"running_jobs"`
	HeartbeatTS time.Time          `json:"heartbeat_ts"`
	Extra       map[string]float64 `json:"extra"`
}

// DefaultNodeMetrics returns zeroed metrics stamped now.
func DefaultNodeMetrics() *NodeMetrics {
	return &NodeMetrics{
		HeartbeatTS: UTCNow(),
		Extra:       map[string]float64{},
	}
}

// Canonicalize fills the heartbeat timestamp and extra map when absent.
func (m *NodeMetrics) Canonicalize() {
	if m.HeartbeatTS.IsZero() {
		m.HeartbeatTS = UTCNow()
	}
	if m.Extra == nil {
		m.Extra = map[string]float64{}
	}
}

// Validate checks metric ranges.
func (m *NodeMetrics) Validate() error {
	var mErr *multierror.Error
	if m.CPUPercent < 0 || m.CPUPercent > 100 {
		mErr = multierror.Append(mErr, fmt.Errorf("cpu_percent must be 0-100"))
	}
	if m.RAMUsedGB < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("ram_used_gb must be >= 0"))
	}
	if m.RAMPercent < 0 || m.RAMPercent > 100 {
		mErr = multierror.Append(mErr, fmt.Errorf("ram_percent must be 0-100"))
	}
	if m.GPUPercent != nil && (*m.GPUPercent < 0 || *m.GPUPercent > 100) {
		mErr = multierror.Append(mErr, fmt.Errorf("gpu_percent must be 0-100"))
	}
	if m.VRAMUsedGB != nil && *m.VRAMUsedGB < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("vram_used_gb must be >= 0"))
	}
	if m.RunningJobs < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("running_jobs must be >= 0"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// NodePolicy is the operator-controlled scheduling policy for a node.
type NodePolicy struct {
	Enabled        bool           `json:"enabled"`
	CPUCapPercent  int            `json:"cpu_cap_percent"`
	GPUCapPercent  *int           `json:"gpu_cap_percent,omitempty"`
	RAMCapPercent  int            `json:"ram_cap_percent"`
	TaskAllowlist  []TaskType     `json:"task_allowlist"`
	RolePreference RolePreference `json:"role_preference"`
}

// DefaultNodePolicy returns the permissive policy applied to new nodes:
// enabled, all caps at 100, every task type allowed.
func DefaultNodePolicy() *NodePolicy {
	return &NodePolicy{
		Enabled:        true,
		CPUCapPercent:  100,
		RAMCapPercent:  100,
		TaskAllowlist:  AllTaskTypes(),
		RolePreference: RolePreferenceAuto,
	}
}

// Canonicalize defaults the allowlist and role preference.
func (p *NodePolicy) Canonicalize() {
	if p.TaskAllowlist == nil {
		p.TaskAllowlist = AllTaskTypes()
	}
	if p.RolePreference == "" {
		p.RolePreference = RolePreferenceAuto
	}
}

// Validate checks cap ranges and enum values.
func (p *NodePolicy) Validate() error {
	var mErr *multierror.Error
	if p.CPUCapPercent < 0 || p.CPUCapPercent > 100 {
		mErr = multierror.Append(mErr, fmt.Errorf("cpu_cap_percent must be 0-100"))
	}
	if p.GPUCapPercent != nil && (*p.GPUCapPercent < 0 || *p.GPUCapPercent > 100) {
		mErr = multierror.Append(mErr, fmt.Errorf("gpu_cap_percent must be 0-100"))
	}
	if p.RAMCapPercent < 0 || p.RAMCapPercent > 100 {
		mErr = multierror.Append(mErr, fmt.Errorf("ram_cap_percent must be 0-100"))
	}
	for _, tt := range p.TaskAllowlist {
		if _, err := ParseTaskType(string(tt)); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unsupported task type %q in allowlist", tt))
		}
	}
	if !validRolePreference(p.RolePreference) {
		mErr = multierror.Append(mErr, fmt.Errorf("unsupported role_preference %q", p.RolePreference))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// AllowsTaskType reports whether the allowlist admits the task type.
func (p *NodePolicy) AllowsTaskType(tt TaskType) bool {
	for _, allowed := range p.TaskAllowlist {
		if allowed == tt {
			return true
		}
	}
	return false
}

// Node is the full registry record for a compute node. Nodes are created
// lazily on first mention and never destroyed; status is driven by heartbeats
// and the liveness monitor.
type Node struct {
	Identity     NodeIdentity      `json:"identity"`
	Capabilities *NodeCapabilities `json:"capabilities"`
	Metrics      *NodeMetrics      `json:"metrics"`
	Policy       *NodePolicy       `json:"policy"`
	Status       NodeStatus        `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NodeDetail is a node plus its recent heartbeat history when requested.
type NodeDetail struct {
	Node           *Node          `json:"node"`
	MetricsHistory []*NodeMetrics `json:"metrics_history,omitempty"`
}

// NodeUpdateEvent is published on the node bus whenever heartbeat metrics
// land or the liveness monitor flips a node's status.
type NodeUpdateEvent struct {
	NodeID    string       `json:"node_id"`
	Status    NodeStatus   `json:"status"`
	Metrics   *NodeMetrics `json:"metrics"`
	UpdatedAt time.Time    `json:"updated_at"`
}
