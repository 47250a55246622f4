package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trust session statuses.
const (
	TrustActive  = "active"
	TrustExpired = "expired"
	TrustRevoked = "revoked"
)

// Budget kinds for CheckAndConsume.
const (
	BudgetCommands = "commands"
	BudgetUploads  = "uploads"
	BudgetBytes    = "bytes"
)

// TrustSession is a short-lived auto-approval window for one
// (trust_scope, account_id) pair.
type TrustSession struct {
	TrustID      string
	TrustScope   string
	AccountID    string
	Status       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	CommandsUsed int
	CommandsMax  int
	UploadsUsed  int
	UploadsMax   int
	BytesUsed    int64
	BytesMax     int64
}

// Active reports whether the session is usable at now.
func (t *TrustSession) Active(now time.Time) bool {
	return t.Status == TrustActive && now.Before(t.ExpiresAt)
}

// InsertTrustSession creates the session. The partial unique index on
// (trust_scope, account_id) WHERE status='active' guarantees at most one
// active session per pair; a second insert while one is active returns
// ErrExists. Session ids are deterministic per pair, so a finished session
// leaves a row under the same id: that row is reclaimed in place, budgets
// reset.
func (s *Store) InsertTrustSession(t *TrustSession) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_sessions (
			trust_id, trust_scope, account_id, status, created_at, expires_at,
			commands_used, commands_max, uploads_used, uploads_max, bytes_used, bytes_max
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.TrustID, t.TrustScope, t.AccountID, t.Status, fmtTime(t.CreatedAt), fmtTime(t.ExpiresAt),
		t.CommandsUsed, t.CommandsMax, t.UploadsUsed, t.UploadsMax, t.BytesUsed, t.BytesMax)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("insert trust session: %w", err)
	}
	return s.reclaimTrustSession(t)
}

// reclaimTrustSession overwrites a session row whose previous life ended:
// revoked, swept to expired, or still marked active past its expiry. The
// WHERE clause keeps the takeover conditional; a genuinely active session
// makes it a no-op and the caller sees ErrExists.
func (s *Store) reclaimTrustSession(t *TrustSession) error {
	res, err := s.db.Exec(`
		UPDATE trust_sessions
		SET trust_scope = ?, account_id = ?, status = ?, created_at = ?, expires_at = ?,
		    commands_used = ?, commands_max = ?, uploads_used = ?, uploads_max = ?,
		    bytes_used = ?, bytes_max = ?
		WHERE trust_id = ? AND (status != ? OR expires_at <= ?)`,
		t.TrustScope, t.AccountID, t.Status, fmtTime(t.CreatedAt), fmtTime(t.ExpiresAt),
		t.CommandsUsed, t.CommandsMax, t.UploadsUsed, t.UploadsMax,
		t.BytesUsed, t.BytesMax,
		t.TrustID, TrustActive, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("reclaim trust session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reclaim trust session: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// GetTrustSession returns the session by id.
func (s *Store) GetTrustSession(trustID string) (*TrustSession, error) {
	row := s.db.QueryRow(trustSelect+` WHERE trust_id = ?`, trustID)
	return scanTrust(row)
}

// GetActiveTrustSession returns the active, unexpired session for the pair.
func (s *Store) GetActiveTrustSession(trustScope, accountID string) (*TrustSession, error) {
	row := s.db.QueryRow(
		trustSelect+` WHERE trust_scope = ? AND account_id = ? AND status = ? AND expires_at > ?`,
		trustScope, accountID, TrustActive, fmtTime(s.now()))
	return scanTrust(row)
}

// ListTrustSessions returns all sessions, newest first.
func (s *Store) ListTrustSessions() ([]*TrustSession, error) {
	rows, err := s.db.Query(trustSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list trust sessions: %w", err)
	}
	defer rows.Close()
	var out []*TrustSession
	for rows.Next() {
		t, err := scanTrust(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ConsumeTrustBudget atomically verifies the session is active, unexpired,
// and has budget for the given kind, then increments the counter. The whole
// check-and-increment is a single conditional UPDATE. Returns ErrConflict
// when any condition fails.
func (s *Store) ConsumeTrustBudget(trustID, kind string, amount int64) error {
	var column, maxColumn string
	switch kind {
	case BudgetCommands:
		column, maxColumn = "commands_used", "commands_max"
	case BudgetUploads:
		column, maxColumn = "uploads_used", "uploads_max"
	case BudgetBytes:
		column, maxColumn = "bytes_used", "bytes_max"
	default:
		return fmt.Errorf("unknown budget kind %q", kind)
	}
	res, err := s.db.Exec(fmt.Sprintf(`
		UPDATE trust_sessions
		SET %[1]s = %[1]s + ?
		WHERE trust_id = ? AND status = ? AND expires_at > ? AND %[1]s + ? <= %[2]s`,
		column, maxColumn),
		amount, trustID, TrustActive, fmtTime(s.now()), amount)
	if err != nil {
		return fmt.Errorf("consume trust budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume trust budget: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RevokeTrustSession transitions an active session to revoked.
func (s *Store) RevokeTrustSession(trustID string) error {
	res, err := s.db.Exec(
		`UPDATE trust_sessions SET status = ? WHERE trust_id = ? AND status = ?`,
		TrustRevoked, trustID, TrustActive)
	if err != nil {
		return fmt.Errorf("revoke trust session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke trust session: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetTrustSession(trustID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SweepExpiredTrustSessions marks active sessions past expiry as expired.
func (s *Store) SweepExpiredTrustSessions() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE trust_sessions SET status = ? WHERE status = ? AND expires_at <= ?`,
		TrustExpired, TrustActive, fmtTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep trust sessions: %w", err)
	}
	return res.RowsAffected()
}

const trustSelect = `
	SELECT trust_id, trust_scope, account_id, status, created_at, expires_at,
	       commands_used, commands_max, uploads_used, uploads_max, bytes_used, bytes_max
	FROM trust_sessions`

func scanTrust(row rowScanner) (*TrustSession, error) {
	var t TrustSession
	var createdAt, expiresAt string
	err := row.Scan(
		&t.TrustID, &t.TrustScope, &t.AccountID, &t.Status, &createdAt, &expiresAt,
		&t.CommandsUsed, &t.CommandsMax, &t.UploadsUsed, &t.UploadsMax, &t.BytesUsed, &t.BytesMax)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan trust session: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	return &t, nil
}
