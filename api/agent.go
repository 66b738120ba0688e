package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/structs"
)

// registerRequest is the agent registration payload. Capability fields are
// optional; an empty task_types list means the node accepts every type.
type registerRequest struct {
	NodeID      string `json:"node_id" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	IP          string `json:"ip" binding:"required"`
	Port        int    `json:"port"`

	Capabilities struct {
		CPUCores    *int     `json:"cpu_cores"`
		CPUThreads  *int     `json:"cpu_threads"`
		RAMTotalGB  *float64 `json:"ram_total_gb"`
		RAMGB       *float64 `json:"ram_gb"`
		GPUName     *string  `json:"gpu_name"`
		VRAMTotalGB *float64 `json:"vram_total_gb"`
		OS          *string  `json:"os"`
		Arch        *string  `json:"arch"`
		TaskTypes   []string `json:"task_types"`
		Labels      []string `json:"labels"`
	} `json:"capabilities"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	caps := &structs.NodeCapabilities{
		CPUCores:    req.Capabilities.CPUCores,
		CPUThreads:  req.Capabilities.CPUThreads,
		RAMTotalGB:  req.Capabilities.RAMTotalGB,
		RAMGB:       req.Capabilities.RAMGB,
		GPUName:     req.Capabilities.GPUName,
		VRAMTotalGB: req.Capabilities.VRAMTotalGB,
		OS:          req.Capabilities.OS,
		Arch:        req.Capabilities.Arch,
		Labels:      req.Capabilities.Labels,
	}
	for _, raw := range req.Capabilities.TaskTypes {
		tt, err := structs.ParseTaskType(raw)
		if err != nil {
			s.renderError(c, err)
			return
		}
		caps.TaskTypes = append(caps.TaskTypes, tt)
	}
	// An agent that does not advertise task types accepts all of them.
	if len(caps.TaskTypes) == 0 {
		caps.TaskTypes = structs.AllTaskTypes()
	}

	if _, err := s.coord.Store.UpsertNodeIdentity(req.NodeID, req.DisplayName, req.IP, req.Port); err != nil {
		s.renderError(c, err)
		return
	}
	node, err := s.coord.Store.UpsertNodeCapabilities(req.NodeID, caps)
	if err != nil {
		s.renderError(c, err)
		return
	}

	s.logger.Info("agent registered", "node_id", req.NodeID, "ip", req.IP, "port", req.Port)
	c.JSON(http.StatusCreated, gin.H{
		"node":                  node,
		"heartbeat_ttl_seconds": s.coord.Config.HeartbeatTTLSeconds,
	})
}

// heartbeatRequest is the periodic utilization report from an agent.
type heartbeatRequest struct {
	NodeID  string `json:"node_id" binding:"required"`
	Metrics struct {
		CPUPercent  float64  `json:"cpu_percent"`
		RAMUsedGB   float64  `json:"ram_used_gb"`
		RAMPercent  float64  `json:"ram_percent"`
		GPUPercent  *float64 `json:"gpu_percent"`
		VRAMUsedGB  *float64 `json:"vram_used_gb"`
		RunningJobs int      `json:"running_jobs"`
	} `json:"metrics"`
}

func (s *Server) heartbeatAgent(c *gin.Context) {
	var req heartbeatRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.renderError(c, err)
		return
	}

	metrics := &structs.NodeMetrics{
		CPUPercent:  req.Metrics.CPUPercent,
		RAMUsedGB:   req.Metrics.RAMUsedGB,
		RAMPercent:  req.Metrics.RAMPercent,
		GPUPercent:  req.Metrics.GPUPercent,
		VRAMUsedGB:  req.Metrics.VRAMUsedGB,
		RunningJobs: req.Metrics.RunningJobs,
	}

	node, err := s.coord.Store.UpdateNodeMetrics(req.NodeID, metrics)
	if err != nil {
		s.renderError(c, err)
		return
	}

	s.coord.History.Record(req.NodeID, node.Metrics)
	s.coord.PublishNodeUpdate(node)

	c.JSON(http.StatusAccepted, gin.H{"node": node})
}
