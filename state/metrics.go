package state

import (
	"database/sql"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgemesh/edgemesh/helper/pointer"
	"github.com/edgemesh/edgemesh/structs"
)

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// ExecutionMetrics aggregates the result table: totals, mean duration,
// trailing five-minute throughput, and per-node reliability. Metrics are
// last-value only; there is no history.
func (s *Store) ExecutionMetrics() (*structs.ExecutionMetrics, error) {
	metrics := &structs.ExecutionMetrics{
		NodeReliability: map[string]float64{},
	}

	err := s.withReadTx(func(tx *sqlx.Tx) error {
		var totals struct {
			Total       int             `db:"total"`
			Success     int             `db:"success"`
			AvgDuration sql.NullFloat64 `db:"avg_duration"`
		}
		if err := tx.Get(&totals, `SELECT
			COUNT(*) AS total,
			COALESCE(SUM(success), 0) AS success,
			AVG(duration_ms) AS avg_duration
			FROM results`); err != nil {
			return structs.NewInternalError(err)
		}
		metrics.TotalResults = totals.Total
		metrics.SuccessResults = totals.Success
		metrics.FailedResults = totals.Total - totals.Success
		if totals.Total > 0 && totals.AvgDuration.Valid {
			metrics.AvgDurationMS = pointer.Of(round3(totals.AvgDuration.Float64))
		}

		var recent int
		cutoff := formatTime(s.now().Add(-5 * time.Minute))
		if err := tx.Get(&recent, `SELECT COUNT(*) FROM results WHERE created_at >= ?`, cutoff); err != nil {
			return structs.NewInternalError(err)
		}
		metrics.ThroughputTasksPerMinute = round3(float64(recent) / 5.0)

		var perNode []struct {
			NodeID  string `db:"node_id"`
			Total   int    `db:"total"`
			Success int    `db:"success"`
		}
		if err := tx.Select(&perNode, `SELECT node_id,
			COUNT(*) AS total,
			COALESCE(SUM(success), 0) AS success
			FROM results GROUP BY node_id`); err != nil {
			return structs.NewInternalError(err)
		}
		for _, row := range perNode {
			if row.Total == 0 {
				continue
			}
			metrics.NodeReliability[row.NodeID] = round3(float64(row.Success) / float64(row.Total))
		}
		return nil
	})
	return metrics, err
}
