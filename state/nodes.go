package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgemesh/edgemesh/structs"
)

type nodeRow struct {
	NodeID           string `db:"node_id"`
	DisplayName      string `db:"display_name"`
	IP               string `db:"ip"`
	Port             int    `db:"port"`
	Status           string `db:"status"`
	CapabilitiesJSON string `db:"capabilities_json"`
	MetricsJSON      string `db:"metrics_json"`
	PolicyJSON       string `db:"policy_json"`
	LastSeen         string `db:"last_seen"`
	CreatedAt        string `db:"created_at"`
	UpdatedAt        string `db:"updated_at"`
}

func (r *nodeRow) toNode() (*structs.Node, error) {
	caps := &structs.NodeCapabilities{}
	if err := json.Unmarshal([]byte(r.CapabilitiesJSON), caps); err != nil {
		return nil, structs.NewInternalError(fmt.Errorf("node %s capabilities: %w", r.NodeID, err))
	}
	metrics := &structs.NodeMetrics{}
	if err := json.Unmarshal([]byte(r.MetricsJSON), metrics); err != nil {
		return nil, structs.NewInternalError(fmt.Errorf("node %s metrics: %w", r.NodeID, err))
	}
	policy := &structs.NodePolicy{}
	if err := json.Unmarshal([]byte(r.PolicyJSON), policy); err != nil {
		return nil, structs.NewInternalError(fmt.Errorf("node %s policy: %w", r.NodeID, err))
	}
	caps.Canonicalize()
	metrics.Canonicalize()
	policy.Canonicalize()

	return &structs.Node{
		Identity: structs.NodeIdentity{
			NodeID:      r.NodeID,
			DisplayName: r.DisplayName,
			IP:          r.IP,
			Port:        r.Port,
		},
		Capabilities: caps,
		Metrics:      metrics,
		Policy:       policy,
		Status:       structs.NodeStatus(r.Status),
		LastSeen:     parseTime(r.LastSeen),
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", structs.NewInternalError(err)
	}
	return string(raw), nil
}

// getNodeTx loads a node row or returns ErrNotFound.
func getNodeTx(tx *sqlx.Tx, nodeID string) (*nodeRow, error) {
	var row nodeRow
	err := tx.Get(&row, `SELECT * FROM nodes WHERE node_id = ?`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewNotFoundError("node", nodeID)
	}
	if err != nil {
		return nil, structs.NewInternalError(err)
	}
	return &row, nil
}

// ensureNodeTx loads the node, creating it with defaulted sub-records on
// first mention. Nodes are created lazily and never destroyed.
func (s *Store) ensureNodeTx(tx *sqlx.Tx, nodeID string) (*nodeRow, error) {
	row, err := getNodeTx(tx, nodeID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, structs.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	capsJSON, err := encodeJSON(structs.DefaultNodeCapabilities())
	if err != nil {
		return nil, err
	}
	metrics := structs.DefaultNodeMetrics()
	metrics.HeartbeatTS = now
	metricsJSON, err := encodeJSON(metrics)
	if err != nil {
		return nil, err
	}
	policyJSON, err := encodeJSON(structs.DefaultNodePolicy())
	if err != nil {
		return nil, err
	}

	row = &nodeRow{
		NodeID:           nodeID,
		DisplayName:      nodeID,
		IP:               "0.0.0.0",
		Port:             0,
		Status:           string(structs.NodeStatusUnknown),
		CapabilitiesJSON: capsJSON,
		MetricsJSON:      metricsJSON,
		PolicyJSON:       policyJSON,
		LastSeen:         formatTime(now),
		CreatedAt:        formatTime(now),
		UpdatedAt:        formatTime(now),
	}
	if _, err := tx.NamedExec(`INSERT INTO nodes
		(node_id, display_name, ip, port, status, capabilities_json, metrics_json, policy_json, last_seen, created_at, updated_at)
		VALUES (:node_id, :display_name, :ip, :port, :status, :capabilities_json, :metrics_json, :policy_json, :last_seen, :created_at, :updated_at)`,
		row); err != nil {
		return nil, structs.NewInternalError(err)
	}
	return row, nil
}

func saveNodeTx(tx *sqlx.Tx, row *nodeRow) error {
	if _, err := tx.NamedExec(`UPDATE nodes SET
		display_name = :display_name,
		ip = :ip,
		port = :port,
		status = :status,
		capabilities_json = :capabilities_json,
		metrics_json = :metrics_json,
		policy_json = :policy_json,
		last_seen = :last_seen,
		updated_at = :updated_at
		WHERE node_id = :node_id`, row); err != nil {
		return structs.NewInternalError(err)
	}
	return nil
}

// UpsertNodeIdentity creates the node with defaults if absent and replaces
// its addressing fields.
func (s *Store) UpsertNodeIdentity(nodeID, displayName, ip string, port int) (*structs.Node, error) {
	identity := structs.NodeIdentity{NodeID: nodeID, DisplayName: displayName, IP: ip, Port: port}
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	var node *structs.Node
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := s.ensureNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		row.DisplayName = displayName
		row.IP = ip
		row.Port = port
		row.UpdatedAt = formatTime(s.now())
		if err := saveNodeTx(tx, row); err != nil {
			return err
		}
		node, err = row.toNode()
		return err
	})
	return node, err
}

// UpsertNodeCapabilities validates and replaces the node's capabilities.
func (s *Store) UpsertNodeCapabilities(nodeID string, caps *structs.NodeCapabilities) (*structs.Node, error) {
	caps.Canonicalize()
	if err := caps.Validate(); err != nil {
		return nil, err
	}

	var node *structs.Node
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := s.ensureNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		capsJSON, err := encodeJSON(caps)
		if err != nil {
			return err
		}
		row.CapabilitiesJSON = capsJSON
		row.UpdatedAt = formatTime(s.now())
		if err := saveNodeTx(tx, row); err != nil {
			return err
		}
		node, err = row.toNode()
		return err
	})
	return node, err
}

// UpdateNodeMetrics replaces the node's metrics snapshot, marks it ONLINE,
// and advances last_seen to the heartbeat timestamp. Concurrent heartbeats
// are last-writer-wins; metrics are snapshot values so ordering loss is safe.
func (s *Store) UpdateNodeMetrics(nodeID string, metrics *structs.NodeMetrics) (*structs.Node, error) {
	metrics.Canonicalize()
	if err := metrics.Validate(); err != nil {
		return nil, err
	}

	var node *structs.Node
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := s.ensureNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		metricsJSON, err := encodeJSON(metrics)
		if err != nil {
			return err
		}
		row.MetricsJSON = metricsJSON
		row.Status = string(structs.NodeStatusOnline)
		row.LastSeen = formatTime(metrics.HeartbeatTS)
		row.UpdatedAt = formatTime(s.now())
		if err := saveNodeTx(tx, row); err != nil {
			return err
		}
		node, err = row.toNode()
		return err
	})
	return node, err
}

// UpdateNodePolicy validates and replaces the node's scheduling policy.
func (s *Store) UpdateNodePolicy(nodeID string, policy *structs.NodePolicy) (*structs.Node, error) {
	policy.Canonicalize()
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var node *structs.Node
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		row, err := s.ensureNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		policyJSON, err := encodeJSON(policy)
		if err != nil {
			return err
		}
		row.PolicyJSON = policyJSON
		row.UpdatedAt = formatTime(s.now())
		if err := saveNodeTx(tx, row); err != nil {
			return err
		}
		node, err = row.toNode()
		return err
	})
	return node, err
}

// GetNode returns a node by id or ErrNotFound.
func (s *Store) GetNode(nodeID string) (*structs.Node, error) {
	var node *structs.Node
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		row, err := getNodeTx(tx, nodeID)
		if err != nil {
			return err
		}
		node, err = row.toNode()
		return err
	})
	return node, err
}

// ListNodes returns every registered node ordered by id.
func (s *Store) ListNodes() ([]*structs.Node, error) {
	var nodes []*structs.Node
	err := s.withReadTx(func(tx *sqlx.Tx) error {
		var rows []nodeRow
		if err := tx.Select(&rows, `SELECT * FROM nodes ORDER BY node_id ASC`); err != nil {
			return structs.NewInternalError(err)
		}
		nodes = make([]*structs.Node, 0, len(rows))
		for i := range rows {
			node, err := rows[i].toNode()
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// MarkOfflineIfStale transitions every node whose last_seen predates the
// cutoff and is not already OFFLINE, returning the transitioned nodes. The
// liveness monitor calls this on a fixed cadence, so a silent node flips
// exactly once.
func (s *Store) MarkOfflineIfStale(staleSeconds int) ([]*structs.Node, error) {
	var transitioned []*structs.Node
	err := s.withWriteTx(func(tx *sqlx.Tx) error {
		now := s.now()
		cutoff := now.Add(-time.Duration(staleSeconds) * time.Second)

		var rows []nodeRow
		if err := tx.Select(&rows, `SELECT * FROM nodes ORDER BY node_id ASC`); err != nil {
			return structs.NewInternalError(err)
		}
		for i := range rows {
			row := &rows[i]
			if row.Status == string(structs.NodeStatusOffline) {
				continue
			}
			if !parseTime(row.LastSeen).Before(cutoff) {
				continue
			}
			row.Status = string(structs.NodeStatusOffline)
			row.UpdatedAt = formatTime(now)
			if err := saveNodeTx(tx, row); err != nil {
				return err
			}
			node, err := row.toNode()
			if err != nil {
				return err
			}
			transitioned = append(transitioned, node)
		}
		return nil
	})
	return transitioned, err
}
