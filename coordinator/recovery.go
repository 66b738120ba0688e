package coordinator

import (
	"context"
	"time"
)

// runRecoveryMonitor expires stranded task leases on a fixed cadence. Pulls
// run the same recovery inline, so this loop only matters for clusters with
// idle agents. Recovered tasks bubble up as job updates so dashboards see
// the requeue.
func (c *Coordinator) runRecoveryMonitor(ctx context.Context) {
	logger := c.Logger.Named("recovery")
	interval := time.Duration(c.Config.TaskRecoveryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		recovered, err := c.Store.RecoverStaleTasks()
		if err != nil {
			logger.Error("lease recovery failed", "error", err)
			continue
		}
		if len(recovered) == 0 {
			continue
		}

		jobs := map[string]bool{}
		for _, task := range recovered {
			logger.Warn("task lease expired",
				"task_id", task.ID,
				"job_id", task.JobID,
				"retries", task.Retries,
				"status", task.Status)
			jobs[task.JobID] = true
		}
		for jobID := range jobs {
			job, err := c.Store.GetJob(jobID)
			if err != nil {
				logger.Error("failed to load job after recovery", "job_id", jobID, "error", err)
				continue
			}
			c.PublishJobUpdate(job)
		}
	}
}
