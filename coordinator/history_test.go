package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/edgemesh/edgemesh/structs"
)

func TestMetricsHistory_recordAndRecent(t *testing.T) {
	h := NewMetricsHistory(3)

	must.Len(t, 0, h.Recent("node-1", 0))

	for i := 1; i <= 5; i++ {
		h.Record("node-1", &structs.NodeMetrics{CPUPercent: float64(i)})
	}

	// Depth 3: only the newest three survive, oldest first.
	entries := h.Recent("node-1", 0)
	must.Len(t, 3, entries)
	must.Eq(t, 3.0, entries[0].CPUPercent)
	must.Eq(t, 5.0, entries[2].CPUPercent)

	// A limit below depth trims from the front.
	entries = h.Recent("node-1", 2)
	must.Len(t, 2, entries)
	must.Eq(t, 4.0, entries[0].CPUPercent)
	must.Eq(t, 5.0, entries[1].CPUPercent)

	// Nodes do not share rings.
	must.Len(t, 0, h.Recent("node-2", 0))
}

func TestMetricsHistory_nilMetricsIgnored(t *testing.T) {
	h := NewMetricsHistory(0)
	h.Record("node-1", nil)
	must.Len(t, 0, h.Recent("node-1", 0))
}

func TestMetricsHistory_defaultDepth(t *testing.T) {
	h := NewMetricsHistory(0)
	for i := 0; i < defaultHistoryDepth+5; i++ {
		h.Record("node-1", &structs.NodeMetrics{CPUPercent: float64(i)})
	}
	entries := h.Recent("node-1", 0)
	must.Len(t, defaultHistoryDepth, entries)
	must.Eq(t, 5.0, entries[0].CPUPercent)
}

func TestCoordinator_lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBURL = fmt.Sprintf("sqlite:///%s/lifecycle.db", t.TempDir())

	coord, err := New(cfg)
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.Start(ctx)
	must.NoError(t, coord.Shutdown())
}
