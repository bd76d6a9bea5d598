// Package journal keeps an append-only SQLite history of finished
// operations and device appear/disappear events. It is never read to
// build the device model.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default database location
const DefaultPath = "/var/lib/disktui/journal.db"

// Journal wraps the SQLite database connection
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer at a time, sqlite serializes anyway
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{conn: conn, path: path}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{
		migrationV1,
	}
	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}
		tx, err := j.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", v, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1 = `
-- One row per operation that reached a terminal state
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    target TEXT NOT NULL,
    device TEXT,
    state TEXT NOT NULL,
    error_kind TEXT,
    error TEXT,
    result TEXT,
    submitted_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    generation INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_operations_device ON operations(device);
CREATE INDEX IF NOT EXISTS idx_operations_finished ON operations(finished_at);

-- Devices appearing in or vanishing from the model
CREATE TABLE IF NOT EXISTS device_events (
    id INTEGER PRIMARY KEY,
    device TEXT NOT NULL,
    event TEXT NOT NULL,
    model TEXT,
    serial TEXT,
    size_bytes INTEGER,
    at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_device_events_device ON device_events(device);
CREATE INDEX IF NOT EXISTS idx_device_events_at ON device_events(at);
`

// Device event types
const (
	EventAdded   = "added"
	EventRemoved = "removed"
)

// Operation is a finished operation
type Operation struct {
	ID          string
	Kind        string
	Target      string
	Device      string
	State       string
	ErrorKind   string
	Error       string
	Result      string
	SubmittedAt time.Time
	FinishedAt  time.Time
	Generation  uint64
}

// DeviceEvent records a device appearing or disappearing
type DeviceEvent struct {
	ID     int64
	Device string
	Event  string
	Model  string
	Serial string
	Size   uint64
	At     time.Time
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
