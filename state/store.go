// Package state implements the coordinator's durable store: nodes, jobs,
// tasks, and results persisted in sqlite via sqlx. Every mutating operation
// runs in a single transaction under a store-wide writer lock, so the
// pull/submit/recover sequences are serialized against each other and readers
// never observe partially-updated state.
package state

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/edgemesh/edgemesh/structs"
)

// Store is the process-wide persistence handle. Reads run concurrently
// against the last committed state; writes serialize on mu.
type Store struct {
	db     *sqlx.DB
	logger hclog.Logger

	// mu is the single-writer guarantee. Held for the full duration of every
	// mutating transaction, including candidate scoring during a pull.
	mu sync.Mutex

	// now is the store clock. Tests substitute fixed times to exercise lease
	// expiry and staleness without sleeping.
	now func() time.Time
}

// Open connects to the database named by dbURL, applies pending migrations,
// and returns a ready store. dbURL accepts the sqlite:///path form used by
// agents' config files or a bare filesystem path.
func Open(dbURL string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("state")

	path, err := sqlitePathFromURL(dbURL)
	if err != nil {
		return nil, structs.NewValidationError(err.Error())
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, structs.NewInternalError(fmt.Errorf("open %s: %w", path, err))
	}

	// A single connection keeps :memory: databases coherent and matches the
	// serialized-writer model.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, structs.NewInternalError(fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    structs.UTCNow,
	}

	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// sqlitePathFromURL strips the sqlite URL scheme. ":memory:" is accepted for
// tests.
func sqlitePathFromURL(dbURL string) (string, error) {
	raw := strings.TrimSpace(dbURL)
	if raw == "" {
		return "", fmt.Errorf("database URL is empty")
	}
	if strings.HasPrefix(raw, "sqlite:///") {
		raw = strings.TrimPrefix(raw, "sqlite:///")
	} else if strings.HasPrefix(raw, "sqlite://") {
		raw = strings.TrimPrefix(raw, "sqlite://")
	} else if strings.Contains(raw, "://") {
		return "", fmt.Errorf("unsupported database URL %q: only sqlite URLs or plain paths are accepted", dbURL)
	}
	if raw == "" {
		return "", fmt.Errorf("database URL %q has no path", dbURL)
	}
	return raw, nil
}

// withWriteTx runs fn inside a transaction while holding the writer lock.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) withWriteTx(fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return structs.NewInternalError(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return structs.NewInternalError(err)
	}
	return nil
}

// withReadTx runs fn in a read-only transaction for a consistent snapshot.
func (s *Store) withReadTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return structs.NewInternalError(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return nil
}

// Time columns are stored as UTC text with fixed-width nanoseconds; sqlite
// has no native timestamp type, and the fixed width keeps lexical order equal
// to time order for the `<`/`>=` comparisons in lease recovery and the
// throughput window. RFC3339Nano would trim trailing fractional zeros and
// break that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
