package api

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/scheduler"
	"github.com/edgemesh/edgemesh/structs"
)

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// clusterSummary aggregates effective capacity across nodes that are both
// enabled and ONLINE. Running-job totals count every node regardless, since
// disabled nodes may still be draining work.
func (s *Server) clusterSummary(c *gin.Context) {
	nodes, err := s.coord.Store.ListNodes()
	if err != nil {
		s.renderError(c, err)
		return
	}

	var (
		online, offline   int
		cpuThreads, ramGB float64
		vramGB            float64
		runningJobs       int
	)
	for _, node := range nodes {
		runningJobs += node.Metrics.RunningJobs

		switch node.Status {
		case structs.NodeStatusOnline:
			online++
		case structs.NodeStatusOffline:
			offline++
		}

		if !node.Policy.Enabled || node.Status != structs.NodeStatusOnline {
			continue
		}
		capacity := scheduler.ComputeEffectiveCapacity(node)
		cpuThreads += capacity.CPUThreads
		ramGB += capacity.RAMGB
		if capacity.VRAMGB != nil {
			vramGB += *capacity.VRAMGB
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_nodes":                 len(nodes),
		"online_nodes":                online,
		"offline_nodes":               offline,
		"total_effective_cpu_threads": round3(cpuThreads),
		"total_effective_ram_gb":      round3(ramGB),
		"total_effective_vram_gb":     round3(vramGB),
		"active_running_jobs_total":   runningJobs,
	})
}
