package coordinator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the coordinator process. All values come
// from the environment with working defaults, so a bare binary starts a
// usable single-node coordinator against a local sqlite file.
type Config struct {
	// Host and Port are the HTTP bind address.
	Host string
	Port int

	// LogLevel is an hclog level name (trace, debug, info, warn, error).
	LogLevel string

	// HeartbeatTTLSeconds is advertised to agents as the interval after
	// which they should consider their registration stale and re-register.
	HeartbeatTTLSeconds int

	// NodeStaleSeconds is how long a node may go without a heartbeat before
	// the liveness monitor marks it OFFLINE.
	NodeStaleSeconds int

	// TaskLeaseSeconds is the exclusive claim window granted on pull.
	TaskLeaseSeconds int

	// TaskRecoveryIntervalSeconds is the cadence of the lease-recovery
	// monitor.
	TaskRecoveryIntervalSeconds int

	// LivenessInterval is the cadence of the stale-node scan.
	LivenessInterval time.Duration

	// CORSOrigins is the comma-separated allowlist for browser dashboards.
	CORSOrigins []string

	// DBURL names the sqlite database (sqlite:///path or a bare path).
	DBURL string

	// SharedSecret, when non-empty, gates the task endpoints behind the
	// X-EdgeMesh-Secret header.
	SharedSecret string
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() *Config {
	return &Config{
		Host:                        "0.0.0.0",
		Port:                        8000,
		LogLevel:                    "info",
		HeartbeatTTLSeconds:         60,
		NodeStaleSeconds:            15,
		TaskLeaseSeconds:            30,
		TaskRecoveryIntervalSeconds: 3,
		LivenessInterval:            5 * time.Second,
		CORSOrigins:                 []string{"http://localhost:5173"},
		DBURL:                       "sqlite:///coordinator.db",
	}
}

// LoadConfig builds a Config from the process environment on top of the
// defaults. Malformed numeric values are an error rather than silently
// ignored.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("COORDINATOR_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("COORDINATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COORDINATOR_DB_URL"); v != "" {
		cfg.DBURL = v
	}
	cfg.SharedSecret = strings.TrimSpace(os.Getenv("EDGE_MESH_SHARED_SECRET"))

	if v := os.Getenv("COORDINATOR_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.CORSOrigins = origins
	}

	for _, entry := range []struct {
		env  string
		dest *int
	}{
		{"COORDINATOR_PORT", &cfg.Port},
		{"COORDINATOR_HEARTBEAT_TTL_SECONDS", &cfg.HeartbeatTTLSeconds},
		{"NODE_STALE_SECONDS", &cfg.NodeStaleSeconds},
		{"TASK_LEASE_SECONDS", &cfg.TaskLeaseSeconds},
		{"TASK_RECOVERY_INTERVAL_SECONDS", &cfg.TaskRecoveryIntervalSeconds},
	} {
		raw := os.Getenv(entry.env)
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.env, err)
		}
		*entry.dest = parsed
	}

	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
