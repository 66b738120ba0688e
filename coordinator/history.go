package coordinator

import (
	"sync"

	"github.com/edgemesh/edgemesh/structs"
)

// defaultHistoryDepth bounds the per-node heartbeat history. History is
// in-memory only and resets on restart; durable metrics history is a
// non-goal.
const defaultHistoryDepth = 50

// MetricsHistory keeps the most recent heartbeat snapshots per node for the
// node detail endpoint.
type MetricsHistory struct {
	mu    sync.Mutex
	depth int
	byID  map[string][]*structs.NodeMetrics
}

// NewMetricsHistory returns a history ring keeping up to depth entries per
// node.
func NewMetricsHistory(depth int) *MetricsHistory {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &MetricsHistory{
		depth: depth,
		byID:  map[string][]*structs.NodeMetrics{},
	}
}

// Record appends a heartbeat snapshot, discarding the oldest entry when the
// node's ring is full.
func (h *MetricsHistory) Record(nodeID string, metrics *structs.NodeMetrics) {
	if metrics == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.byID[nodeID], metrics)
	if len(entries) > h.depth {
		entries = entries[len(entries)-h.depth:]
	}
	h.byID[nodeID] = entries
}

// Recent returns up to limit snapshots for the node, newest last. A limit of
// zero or less means everything retained.
func (h *MetricsHistory) Recent(nodeID string, limit int) []*structs.NodeMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byID[nodeID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*structs.NodeMetrics, len(entries))
	copy(out, entries)
	return out
}
