package structs

import (
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/edgemesh/edgemesh/helper/pointer"
)

func TestNodeIdentity_Validate(t *testing.T) {
	identity := NodeIdentity{
		NodeID:      "node-1",
		DisplayName: "Edge Node",
		IP:          "10.0.0.5",
		Port:        9100,
	}
	must.NoError(t, identity.Validate())

	bad := identity
	bad.NodeID = ""
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = identity
	bad.NodeID = strings.Repeat("x", 129)
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = identity
	bad.Port = 70000
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = identity
	bad.Port = -1
	must.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestNodeCapabilities_Canonicalize_ramMirror(t *testing.T) {
	caps := &NodeCapabilities{RAMTotalGB: pointer.Of(32.0)}
	caps.Canonicalize()
	must.NotNil(t, caps.RAMGB)
	must.Eq(t, 32.0, *caps.RAMGB)

	caps = &NodeCapabilities{RAMGB: pointer.Of(16.0)}
	caps.Canonicalize()
	must.NotNil(t, caps.RAMTotalGB)
	must.Eq(t, 16.0, *caps.RAMTotalGB)

	// Both set: left alone.
	caps = &NodeCapabilities{RAMTotalGB: pointer.Of(32.0), RAMGB: pointer.Of(8.0)}
	caps.Canonicalize()
	must.Eq(t, 32.0, *caps.RAMTotalGB)
	must.Eq(t, 8.0, *caps.RAMGB)
}

func TestNodeCapabilities_Canonicalize_impliedGPU(t *testing.T) {
	caps := &NodeCapabilities{GPUName: pointer.Of("NVIDIA L4")}
	caps.Canonicalize()
	must.True(t, caps.HasGPU)

	caps = &NodeCapabilities{VRAMTotalGB: pointer.Of(24.0)}
	caps.Canonicalize()
	must.True(t, caps.HasGPU)

	caps = &NodeCapabilities{GPUName: pointer.Of("")}
	caps.Canonicalize()
	must.False(t, caps.HasGPU)

	caps = &NodeCapabilities{}
	caps.Canonicalize()
	must.False(t, caps.HasGPU)
	must.NotNil(t, caps.TaskTypes)
	must.NotNil(t, caps.Labels)
}

func TestNodeCapabilities_Validate(t *testing.T) {
	caps := &NodeCapabilities{
		CPUCores:   pointer.Of(8),
		CPUThreads: pointer.Of(16),
		RAMTotalGB: pointer.Of(32.0),
		TaskTypes:  []TaskType{TaskTypeInference, TaskTypeEmbeddings},
	}
	caps.Canonicalize()
	must.NoError(t, caps.Validate())

	bad := &NodeCapabilities{CPUThreads: pointer.Of(0)}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = &NodeCapabilities{RAMTotalGB: pointer.Of(-1.0)}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = &NodeCapabilities{TaskTypes: []TaskType{"TRANSCODE"}}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestNodeMetrics_Validate(t *testing.T) {
	metrics := &NodeMetrics{
		CPUPercent: 45.0,
		RAMUsedGB:  14.2,
		RAMPercent: 62.0,
		GPUPercent: pointer.Of(40.0),
	}
	metrics.Canonicalize()
	must.NoError(t, metrics.Validate())
	must.False(t, metrics.HeartbeatTS.IsZero())

	bad := &NodeMetrics{CPUPercent: 101}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = &NodeMetrics{GPUPercent: pointer.Of(-5.0)}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = &NodeMetrics{RunningJobs: -1}
	bad.Canonicalize()
	must.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestDefaultNodePolicy(t *testing.T) {
	policy := DefaultNodePolicy()
	must.True(t, policy.Enabled)
	must.Eq(t, 100, policy.CPUCapPercent)
	must.Eq(t, 100, policy.RAMCapPercent)
	must.Nil(t, policy.GPUCapPercent)
	must.Eq(t, RolePreferenceAuto, policy.RolePreference)
	must.Eq(t, AllTaskTypes(), policy.TaskAllowlist)
	must.NoError(t, policy.Validate())
}

func TestNodePolicy_Validate(t *testing.T) {
	policy := &NodePolicy{
		Enabled:        true,
		CPUCapPercent:  80,
		GPUCapPercent:  pointer.Of(70),
		RAMCapPercent:  75,
		TaskAllowlist:  []TaskType{TaskTypeInference},
		RolePreference: RolePreferencePreferInference,
	}
	must.NoError(t, policy.Validate())

	bad := *policy
	bad.CPUCapPercent = 101
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = *policy
	bad.GPUCapPercent = pointer.Of(-1)
	must.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = *policy
	bad.RolePreference = "PREFER_GPU"
	must.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestNodePolicy_AllowsTaskType(t *testing.T) {
	policy := &NodePolicy{TaskAllowlist: []TaskType{TaskTypeEmbeddings, TaskTypeIndex}}
	must.True(t, policy.AllowsTaskType(TaskTypeEmbeddings))
	must.True(t, policy.AllowsTaskType(TaskTypeIndex))
	must.False(t, policy.AllowsTaskType(TaskTypeInference))

	empty := &NodePolicy{TaskAllowlist: []TaskType{}}
	must.False(t, empty.AllowsTaskType(TaskTypeInference))
}
