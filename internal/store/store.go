// Package store implements the Task Store and state machine (component C1):
// transactional board/column/card/task/worker persistence with an atomic
// claim primitive and a completion cascade that runs inside a single
// transaction (I6).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kira-run/kira/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a sqlite-backed task/board database. A single connection is
// held open (SetMaxOpenConns(1)) because sqlite serializes writers anyway and
// this avoids cross-connection lock contention observed under WAL.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil; events are best-effort
}

// DefaultDBPath returns the well-known on-disk location for the task store.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kira", "kira.db")
}

// Open creates or opens the sqlite database at path (DefaultDBPath if empty),
// configures pragmas, and runs schema migrations. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS boards (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	owner_id     TEXT NOT NULL REFERENCES users(id),
	settings_json TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS board_members (
	board_id TEXT NOT NULL REFERENCES boards(id),
	user_id  TEXT NOT NULL REFERENCES users(id),
	role     TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (board_id, user_id)
);

CREATE TABLE IF NOT EXISTS columns (
	id                    TEXT PRIMARY KEY,
	board_id              TEXT NOT NULL REFERENCES boards(id),
	name                  TEXT NOT NULL,
	color                 TEXT NOT NULL DEFAULT '',
	position              INTEGER NOT NULL DEFAULT 0,
	auto_run              INTEGER NOT NULL DEFAULT 0,
	agent_type            TEXT NOT NULL DEFAULT '',
	agent_model           TEXT NOT NULL DEFAULT '',
	agent_skill           TEXT NOT NULL DEFAULT '',
	prompt_template       TEXT NOT NULL DEFAULT '',
	max_loop_count        INTEGER NOT NULL DEFAULT 3,
	on_success_column_id  TEXT NOT NULL DEFAULT '',
	on_failure_column_id  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cards (
	id           TEXT PRIMARY KEY,
	board_id     TEXT NOT NULL REFERENCES boards(id),
	column_id    TEXT NOT NULL REFERENCES columns(id),
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL DEFAULT 'medium',
	labels_json  TEXT NOT NULL DEFAULT '[]',
	assignee     TEXT NOT NULL DEFAULT '',
	agent_status TEXT NOT NULL DEFAULT '',
	position     INTEGER NOT NULL DEFAULT 0,
	created_by   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id                   TEXT PRIMARY KEY,
	board_id             TEXT NOT NULL REFERENCES boards(id),
	card_id              TEXT NOT NULL DEFAULT '',
	task_type            TEXT NOT NULL,
	status               TEXT NOT NULL,
	agent_type           TEXT NOT NULL DEFAULT '',
	agent_model          TEXT NOT NULL DEFAULT '',
	agent_skill          TEXT NOT NULL DEFAULT '',
	prompt_text          TEXT NOT NULL DEFAULT '',
	payload_json         TEXT NOT NULL DEFAULT '{}',
	source_column_id     TEXT NOT NULL DEFAULT '',
	target_column_id     TEXT NOT NULL DEFAULT '',
	failure_column_id    TEXT NOT NULL DEFAULT '',
	priority             INTEGER NOT NULL DEFAULT 0,
	created_by           TEXT NOT NULL DEFAULT '',
	assigned_to          TEXT NOT NULL DEFAULT '',
	worker_id            TEXT NOT NULL DEFAULT '',
	output_text          TEXT NOT NULL DEFAULT '',
	error_summary        TEXT NOT NULL DEFAULT '',
	result_data_json     TEXT NOT NULL DEFAULT '{}',
	progress_text        TEXT NOT NULL DEFAULT '',
	progress_step        INTEGER NOT NULL DEFAULT 0,
	progress_total       INTEGER NOT NULL DEFAULT 0,
	progress_phase       TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at           TIMESTAMP,
	completed_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_poll ON tasks (status, assigned_to, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_card_source ON tasks (card_id, source_column_id);

CREATE TABLE IF NOT EXISTS workers (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL UNIQUE REFERENCES users(id),
	hostname               TEXT NOT NULL DEFAULT '',
	version                TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'online',
	last_heartbeat         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	capabilities_json      TEXT NOT NULL DEFAULT '[]',
	poll_interval_seconds  INTEGER NOT NULL DEFAULT 0,
	max_concurrent_tasks   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS worker_cancel_requests (
	worker_id TEXT NOT NULL,
	task_id   TEXT NOT NULL,
	PRIMARY KEY (worker_id, task_id)
);
`

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schemaDDL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt+";"); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version) VALUES (1)
		ON CONFLICT(version) DO NOTHING;
	`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f with bounded exponential backoff plus jitter when
// sqlite reports SQLITE_BUSY/LOCKED, on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
