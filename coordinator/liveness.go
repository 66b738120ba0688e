package coordinator

import (
	"context"
	"time"
)

// runLivenessMonitor periodically sweeps the registry for nodes whose last
// heartbeat predates the staleness cutoff, flips them OFFLINE, and publishes
// a node update for each transition. A node only transitions once per
// silence because the store skips nodes already OFFLINE.
func (c *Coordinator) runLivenessMonitor(ctx context.Context) {
	logger := c.Logger.Named("liveness")
	interval := c.Config.LivenessInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stale, err := c.Store.MarkOfflineIfStale(c.Config.NodeStaleSeconds)
		if err != nil {
			logger.Error("stale node sweep failed", "error", err)
			continue
		}
		for _, node := range stale {
			logger.Info("node marked offline",
				"node_id", node.Identity.NodeID,
				"last_seen", node.LastSeen)
			c.PublishNodeUpdate(node)
		}
	}
}
