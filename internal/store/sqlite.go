// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides durable persistence with automatic schema creation and catalog seeding

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas apply per connection; a single connection keeps them in force
	// and serializes writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.seedDistributions(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding distribution catalog: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS host (
			id              TEXT PRIMARY KEY,
			fqdn            TEXT NOT NULL UNIQUE,
			addresses       TEXT NOT NULL DEFAULT '[]',
			platform        TEXT NOT NULL DEFAULT '',
			host_token      TEXT NOT NULL DEFAULT '',
			approval_status TEXT NOT NULL DEFAULT 'pending',
			privileged      INTEGER NOT NULL DEFAULT 0,
			scripts_enabled INTEGER NOT NULL DEFAULT 0,
			shells          TEXT NOT NULL DEFAULT '[]',
			parent_host_id  TEXT,
			cert_serial     TEXT NOT NULL DEFAULT '',
			last_seen       TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (approval_status IN ('pending', 'approved')),
			FOREIGN KEY (parent_host_id) REFERENCES host(id) ON DELETE SET NULL
		);

		CREATE INDEX IF NOT EXISTS idx_host_token ON host(host_token);
		CREATE INDEX IF NOT EXISTS idx_host_approval ON host(approval_status);

		CREATE TABLE IF NOT EXISTS message_queue (
			id             TEXT PRIMARY KEY,
			correlation_id TEXT,
			type           TEXT NOT NULL,
			direction      TEXT NOT NULL,
			priority       INTEGER NOT NULL,
			host_id        TEXT,
			payload        BLOB,
			status         TEXT NOT NULL DEFAULT 'pending',
			attempts       INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			scheduled_at   TEXT,
			started_at     TEXT,
			completed_at   TEXT,
			expired_at     TEXT,

			CHECK (direction IN ('outbound', 'inbound')),
			CHECK (status IN ('pending', 'in_progress', 'completed', 'failed', 'expired')),
			FOREIGN KEY (host_id) REFERENCES host(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_queue_claim
			ON message_queue(status, direction, host_id, priority, created_at);
		CREATE INDEX IF NOT EXISTS idx_queue_correlation
			ON message_queue(correlation_id);

		CREATE TABLE IF NOT EXISTS host_child (
			id                 TEXT PRIMARY KEY,
			parent_host_id     TEXT NOT NULL,
			child_host_id      TEXT,
			child_name         TEXT NOT NULL,
			child_type         TEXT NOT NULL,
			distribution       TEXT NOT NULL DEFAULT '',
			version            TEXT NOT NULL DEFAULT '',
			instance_key       TEXT,
			auto_approve_token TEXT,
			status             TEXT NOT NULL,
			installation_step  TEXT NOT NULL DEFAULT '',
			error_message      TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			installed_at       TEXT,

			CHECK (status IN ('pending', 'creating', 'installing', 'running',
			                  'stopped', 'error', 'uninstalling')),
			FOREIGN KEY (parent_host_id) REFERENCES host(id) ON DELETE CASCADE,
			FOREIGN KEY (child_host_id) REFERENCES host(id) ON DELETE SET NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_child_identity
			ON host_child(parent_host_id, child_name, child_type);
		CREATE INDEX IF NOT EXISTS idx_child_auto_approve
			ON host_child(auto_approve_token);

		CREATE TABLE IF NOT EXISTS reboot_orchestration (
			id                       TEXT PRIMARY KEY,
			parent_host_id           TEXT NOT NULL,
			status                   TEXT NOT NULL,
			snapshot                 TEXT NOT NULL DEFAULT '[]',
			restart_status           TEXT NOT NULL DEFAULT '{}',
			shutdown_timeout_seconds INTEGER NOT NULL,
			initiated_by             TEXT NOT NULL,
			initiated_at             TEXT NOT NULL,
			shutdown_completed_at    TEXT,
			reboot_issued_at         TEXT,
			agent_reconnected_at     TEXT,
			restart_completed_at     TEXT,
			error_message            TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('shutting_down', 'reboot_issued', 'waiting_for_agent',
			                  'restarting_children', 'completed', 'error')),
			FOREIGN KEY (parent_host_id) REFERENCES host(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_reboot_host_status
			ON reboot_orchestration(parent_host_id, status);

		CREATE TABLE IF NOT EXISTS child_host_distribution (
			id         TEXT PRIMARY KEY,
			child_type TEXT NOT NULL,
			name       TEXT NOT NULL,
			version    TEXT NOT NULL,

			UNIQUE (child_type, name, version)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// seedDistributions loads the default provisionable-image catalog. Existing
// rows are left alone.
func (s *SQLiteStore) seedDistributions() error {
	seed := []Distribution{
		{ID: "lxc-debian-12", ChildType: "lxc", Name: "debian", Version: "12"},
		{ID: "lxc-debian-13", ChildType: "lxc", Name: "debian", Version: "13"},
		{ID: "lxc-ubuntu-24.04", ChildType: "lxc", Name: "ubuntu", Version: "24.04"},
		{ID: "lxc-alpine-3.20", ChildType: "lxc", Name: "alpine", Version: "3.20"},
		{ID: "kvm-debian-12", ChildType: "kvm", Name: "debian", Version: "12"},
		{ID: "kvm-ubuntu-24.04", ChildType: "kvm", Name: "ubuntu", Version: "24.04"},
	}

	for _, d := range seed {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO child_host_distribution (id, child_type, name, version) VALUES (?, ?, ?, ?)`,
			d.ID, d.ChildType, d.Name, d.Version,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListDistributions returns the provisionable-image catalog.
func (s *SQLiteStore) ListDistributions(ctx context.Context) ([]*Distribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, child_type, name, version FROM child_host_distribution ORDER BY child_type, name, version`)
	if err != nil {
		return nil, fmt.Errorf("listing distributions: %w", err)
	}
	defer rows.Close()

	var dists []*Distribution
	for rows.Next() {
		d := &Distribution{}
		if err := rows.Scan(&d.ID, &d.ChildType, &d.Name, &d.Version); err != nil {
			return nil, fmt.Errorf("scanning distribution: %w", err)
		}
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// formatTime serializes a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatTimePtr serializes an optional timestamp for storage.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime deserializes a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr deserializes an optional stored timestamp.
func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// inTx runs fn inside a transaction, rolling back on error. Multi-row
// commits (entity change + enqueue) go through here so partial application
// never happens.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
