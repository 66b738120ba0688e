// Package scheduler contains the pure scheduling math used to match tasks to
// nodes: effective capacity under policy caps, eligibility filtering with
// reasons, and utilization-based scoring. Nothing here performs I/O; the
// state package drives these functions inside its pull transaction and the
// api package reuses them for diagnostics.
package scheduler

import (
	"math"
	"sort"

	"github.com/edgemesh/edgemesh/structs"
)

// Eligibility reason codes, accumulated in check order.
const (
	ReasonPolicyDisabled = "policy_disabled"
	ReasonNodeNotOnline  = "node_not_online"
	ReasonTaskNotAllowed = "task_not_allowed"
	ReasonCPUOverCap     = "cpu_over_cap"
	ReasonRAMOverCap     = "ram_over_cap"
	ReasonGPUOverCap     = "gpu_over_cap"
)

// EffectiveCapacity is raw node capability scaled by policy caps. It is the
// unit in which the cluster summary aggregates.
type EffectiveCapacity struct {
	CPUThreads float64  `json:"effective_cpu_threads"`
	RAMGB      float64  `json:"effective_ram_gb"`
	VRAMGB     *float64 `json:"effective_vram_gb,omitempty"`
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// ComputeEffectiveCapacity multiplies the node's raw capability by each
// policy cap. CPU threads fall back to cores, RAM total falls back to the
// mirrored ram_gb field, and VRAM is only reported when the node has one.
func ComputeEffectiveCapacity(node *structs.Node) EffectiveCapacity {
	caps := node.Capabilities
	policy := node.Policy

	cpuThreads := 0.0
	switch {
	case caps.CPUThreads != nil:
		cpuThreads = float64(*caps.CPUThreads)
	case caps.CPUCores != nil:
		cpuThreads = float64(*caps.CPUCores)
	}

	ramTotal := 0.0
	switch {
	case caps.RAMTotalGB != nil:
		ramTotal = *caps.RAMTotalGB
	case caps.RAMGB != nil:
		ramTotal = *caps.RAMGB
	}

	out := EffectiveCapacity{
		CPUThreads: round3(cpuThreads * float64(policy.CPUCapPercent) / 100.0),
		RAMGB:      round3(ramTotal * float64(policy.RAMCapPercent) / 100.0),
	}

	if caps.VRAMTotalGB != nil {
		gpuCap := 100
		if policy.GPUCapPercent != nil {
			gpuCap = *policy.GPUCapPercent
		}
		vram := round3(*caps.VRAMTotalGB * float64(gpuCap) / 100.0)
		out.VRAMGB = &vram
	}

	return out
}

// EvaluateNodeEligibility applies the policy and liveness filters for a
// (node, task type) pair. The node is eligible iff no reasons accumulate.
// GPU caps only apply when the task type is GPU-bound and the node reports a
// live GPU signal; absence of a signal is not a violation.
func EvaluateNodeEligibility(node *structs.Node, taskType structs.TaskType) (bool, []string) {
	var reasons []string

	if !node.Policy.Enabled {
		reasons = append(reasons, ReasonPolicyDisabled)
	}
	if node.Status != structs.NodeStatusOnline {
		reasons = append(reasons, ReasonNodeNotOnline)
	}
	if !node.Policy.AllowsTaskType(taskType) {
		reasons = append(reasons, ReasonTaskNotAllowed)
	}

	if node.Metrics.CPUPercent > float64(node.Policy.CPUCapPercent) {
		reasons = append(reasons, ReasonCPUOverCap)
	}
	if node.Metrics.RAMPercent > float64(node.Policy.RAMCapPercent) {
		reasons = append(reasons, ReasonRAMOverCap)
	}

	if taskType.RequiresGPU() && node.Metrics.GPUPercent != nil {
		gpuCap := 100
		if node.Policy.GPUCapPercent != nil {
			gpuCap = *node.Policy.GPUCapPercent
		}
		if *node.Metrics.GPUPercent > float64(gpuCap) {
			reasons = append(reasons, ReasonGPUOverCap)
		}
	}

	return len(reasons) == 0, reasons
}

// IsNodeEligible is EvaluateNodeEligibility without the reasons.
func IsNodeEligible(node *structs.Node, taskType structs.TaskType) bool {
	eligible, _ := EvaluateNodeEligibility(node, taskType)
	return eligible
}

// utilizationRatio clamps observed/cap to [0, 2] with the cap floored at 1
// so a zero cap cannot divide out.
func utilizationRatio(observed float64, capPercent int) float64 {
	limit := float64(capPercent)
	if limit < 1 {
		limit = 1
	}
	return math.Min(observed/limit, 2.0)
}

// ScoreNode computes the scalar scheduling preference for running taskType on
// node. Higher is better. The base score penalizes CPU and RAM pressure
// relative to the policy caps; GPU-capable nodes get a bonus for inference,
// a matching role preference adds more, and live GPU pressure subtracts.
// Ineligible nodes are still scored so diagnostic endpoints can rank them.
func ScoreNode(node *structs.Node, taskType structs.TaskType) float64 {
	cpuRatio := utilizationRatio(node.Metrics.CPUPercent, node.Policy.CPUCapPercent)
	ramRatio := utilizationRatio(node.Metrics.RAMPercent, node.Policy.RAMCapPercent)

	score := 100.0 - (cpuRatio*50.0 + ramRatio*40.0)

	pref := node.Policy.RolePreference
	if taskType == structs.TaskTypeInference && node.Capabilities.HasGPU {
		if pref == structs.RolePreferenceAuto || pref == structs.RolePreferencePreferInference {
			score += 10.0
		}
	}

	switch {
	case pref == structs.RolePreferencePreferInference && taskType == structs.TaskTypeInference:
		score += 15.0
	case pref == structs.RolePreferencePreferEmbeddings && taskType == structs.TaskTypeEmbeddings:
		score += 15.0
	case pref == structs.RolePreferencePreferPreprocess && taskType == structs.TaskTypePreprocess:
		score += 15.0
	}

	if node.Metrics.GPUPercent != nil && taskType == structs.TaskTypeInference {
		gpuCap := 100
		if node.Policy.GPUCapPercent != nil {
			gpuCap = *node.Policy.GPUCapPercent
		}
		score -= utilizationRatio(*node.Metrics.GPUPercent, gpuCap) * 10.0
	}

	return round3(score)
}

// CandidateScore is one node's ranking for a task type, including the
// eligibility verdict so diagnostic callers can show why a node lost.
type CandidateScore struct {
	NodeID   string   `json:"node_id"`
	Eligible bool     `json:"eligible"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

// RankNodes scores every node for the task type and orders the result best
// first: eligible nodes before ineligible ones, then by descending score,
// then by node id for a stable order.
func RankNodes(nodes []*structs.Node, taskType structs.TaskType) []CandidateScore {
	candidates := make([]CandidateScore, 0, len(nodes))
	for _, node := range nodes {
		eligible, reasons := EvaluateNodeEligibility(node, taskType)
		if reasons == nil {
			reasons = []string{}
		}
		candidates = append(candidates, CandidateScore{
			NodeID:   node.Identity.NodeID,
			Eligible: eligible,
			Score:    ScoreNode(node, taskType),
			Reasons:  reasons,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Eligible != candidates[j].Eligible {
			return candidates[i].Eligible
		}
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	return candidates
}

// PickNode returns the best eligible node id from a ranking, or nil when no
// node is eligible.
func PickNode(candidates []CandidateScore) *string {
	for _, c := range candidates {
		if c.Eligible {
			id := c.NodeID
			return &id
		}
	}
	return nil
}
