// Package store owns all persistent state: approval requests, trust and
// grant sessions, rate events, result pages, accounts, and the audit log.
// Every state transition and budget consumption is a conditional UPDATE so
// concurrent actors cannot double-spend or double-transition.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrConflict = errors.New("conditional update conflict")
)

// SchemaVersion is bumped on any DDL change.
const SchemaVersion = 1

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string

	// now is injectable for tests.
	now func() time.Time
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version(version, applied_at) VALUES(?, ?)`,
		SchemaVersion, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// ValidateSchema verifies the stored schema version matches this build.
func (s *Store) ValidateSchema() error {
	var max int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&max)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if max != SchemaVersion {
		return fmt.Errorf("schema version %d, this build expects %d", max, SchemaVersion)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	request_id          TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	status              TEXT NOT NULL,
	display_summary     TEXT NOT NULL,
	source              TEXT NOT NULL,
	trust_scope         TEXT NOT NULL DEFAULT '',
	account_id          TEXT NOT NULL DEFAULT '',
	reason              TEXT NOT NULL DEFAULT '',
	command             TEXT NOT NULL DEFAULT '',
	files               TEXT NOT NULL DEFAULT '',
	project_id          TEXT NOT NULL DEFAULT '',
	account_spec        TEXT NOT NULL DEFAULT '',
	result              TEXT NOT NULL DEFAULT '',
	exit_code           INTEGER,
	execution_ms        INTEGER,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	expires_at          TEXT NOT NULL,
	message_id          TEXT NOT NULL DEFAULT '',
	notify_attempts     INTEGER NOT NULL DEFAULT 0,
	approver_id         TEXT NOT NULL DEFAULT '',
	decision_type       TEXT NOT NULL DEFAULT '',
	compliance_findings TEXT NOT NULL DEFAULT '',
	risk_score          INTEGER NOT NULL DEFAULT 0,
	risk_hits           TEXT NOT NULL DEFAULT '',
	idempotency_key     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_source ON requests(source, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_idempotency
	ON requests(idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS trust_sessions (
	trust_id     TEXT PRIMARY KEY,
	trust_scope  TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	commands_used INTEGER NOT NULL DEFAULT 0,
	commands_max  INTEGER NOT NULL,
	uploads_used  INTEGER NOT NULL DEFAULT 0,
	uploads_max   INTEGER NOT NULL,
	bytes_used    INTEGER NOT NULL DEFAULT 0,
	bytes_max     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trust_active
	ON trust_sessions(trust_scope, account_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS grant_sessions (
	grant_id        TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	trust_scope     TEXT NOT NULL DEFAULT '',
	account_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	allow_repeat    INTEGER NOT NULL DEFAULT 0,
	executions_used INTEGER NOT NULL DEFAULT 0,
	max_executions  INTEGER NOT NULL,
	ttl_minutes     INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	approved_at     TEXT NOT NULL DEFAULT '',
	expires_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS grant_commands (
	grant_id   TEXT NOT NULL REFERENCES grant_sessions(grant_id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	entry      TEXT NOT NULL,
	is_pattern INTEGER NOT NULL DEFAULT 0,
	bucket     TEXT NOT NULL,
	authorized INTEGER NOT NULL DEFAULT 0,
	consumed   INTEGER NOT NULL DEFAULT 0,
	uses       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (grant_id, position)
);

CREATE TABLE IF NOT EXISTS rate_events (
	source     TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_events ON rate_events(source, occurred_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	latency_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_occurred ON audit_log(occurred_at);

CREATE TABLE IF NOT EXISTS pages (
	page_id    TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	content    TEXT NOT NULL,
	page_num   INTEGER NOT NULL,
	page_count INTEGER NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_request ON pages(request_id);

CREATE TABLE IF NOT EXISTS accounts (
	account_id  TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	role_arn    TEXT NOT NULL DEFAULT '',
	bucket      TEXT NOT NULL DEFAULT '',
	sensitivity TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	is_default  INTEGER NOT NULL DEFAULT 0
);
`

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
