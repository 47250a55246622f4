package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Grant session statuses.
const (
	GrantPending = "pending"
	GrantActive  = "active"
	GrantDenied  = "denied"
	GrantExpired = "expired"
	GrantRevoked = "revoked"
)

// Grant command buckets assigned at request time.
const (
	BucketGrantable          = "grantable"
	BucketRequiresIndividual = "requires_individual"
	BucketBlocked            = "blocked"
)

// GrantSession is a pre-approved bundle of specific commands.
type GrantSession struct {
	GrantID        string
	Source         string
	TrustScope     string
	AccountID      string
	Status         string
	Reason         string
	AllowRepeat    bool
	ExecutionsUsed int
	MaxExecutions  int
	TTLMinutes     int
	CreatedAt      time.Time
	ApprovedAt     time.Time
	ExpiresAt      time.Time
}

// Active reports whether the grant is usable at now.
func (g *GrantSession) Active(now time.Time) bool {
	return g.Status == GrantActive && now.Before(g.ExpiresAt)
}

// GrantCommand is one authorized entry in a grant.
type GrantCommand struct {
	GrantID    string
	Position   int
	Entry      string
	IsPattern  bool
	Bucket     string
	Authorized bool
	Consumed   bool
	Uses       int
}

// InsertGrantSession creates a pending grant with its command list in one
// transaction.
func (s *Store) InsertGrantSession(g *GrantSession, commands []GrantCommand) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO grant_sessions (
			grant_id, source, trust_scope, account_id, status, reason,
			allow_repeat, executions_used, max_executions, ttl_minutes,
			created_at, approved_at, expires_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.GrantID, g.Source, g.TrustScope, g.AccountID, g.Status, g.Reason,
		boolInt(g.AllowRepeat), g.ExecutionsUsed, g.MaxExecutions, g.TTLMinutes,
		fmtTime(g.CreatedAt), timeOrEmpty(g.ApprovedAt), timeOrEmpty(g.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert grant: %w", err)
	}

	for _, c := range commands {
		_, err = tx.Exec(`
			INSERT INTO grant_commands (grant_id, position, entry, is_pattern, bucket, authorized, consumed, uses)
			VALUES (?,?,?,?,?,?,?,?)`,
			g.GrantID, c.Position, c.Entry, boolInt(c.IsPattern), c.Bucket,
			boolInt(c.Authorized), boolInt(c.Consumed), c.Uses)
		if err != nil {
			return fmt.Errorf("insert grant command: %w", err)
		}
	}
	return tx.Commit()
}

// GetGrantSession returns the grant by id.
func (s *Store) GetGrantSession(grantID string) (*GrantSession, error) {
	row := s.db.QueryRow(grantSelect+` WHERE grant_id = ?`, grantID)
	return scanGrant(row)
}

// ListGrantCommands returns the grant's entries in position order.
func (s *Store) ListGrantCommands(grantID string) ([]GrantCommand, error) {
	rows, err := s.db.Query(`
		SELECT grant_id, position, entry, is_pattern, bucket, authorized, consumed, uses
		FROM grant_commands WHERE grant_id = ? ORDER BY position ASC`, grantID)
	if err != nil {
		return nil, fmt.Errorf("list grant commands: %w", err)
	}
	defer rows.Close()
	var out []GrantCommand
	for rows.Next() {
		var c GrantCommand
		var isPattern, authorized, consumed int
		if err := rows.Scan(&c.GrantID, &c.Position, &c.Entry, &isPattern, &c.Bucket,
			&authorized, &consumed, &c.Uses); err != nil {
			return nil, fmt.Errorf("scan grant command: %w", err)
		}
		c.IsPattern = isPattern != 0
		c.Authorized = authorized != 0
		c.Consumed = consumed != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActiveGrantSessions returns unexpired active grants for a scope and
// account, oldest first. The pipeline's grant stage scans these.
func (s *Store) ListActiveGrantSessions(trustScope, accountID string) ([]*GrantSession, error) {
	rows, err := s.db.Query(
		grantSelect+` WHERE trust_scope = ? AND account_id = ? AND status = ? AND expires_at > ?
		 ORDER BY created_at ASC`,
		trustScope, accountID, GrantActive, fmtTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}
	defer rows.Close()
	var out []*GrantSession
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ApproveGrantSession transitions pending → active, authorizes the chosen
// buckets, and starts the TTL clock. safeOnly authorizes only grantable
// entries; otherwise requires_individual entries are authorized too.
func (s *Store) ApproveGrantSession(grantID string, safeOnly bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("approve grant: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var ttl int
	err = tx.QueryRow(`SELECT ttl_minutes FROM grant_sessions WHERE grant_id = ?`, grantID).Scan(&ttl)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("approve grant: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE grant_sessions SET status = ?, approved_at = ?, expires_at = ?
		WHERE grant_id = ? AND status = ?`,
		GrantActive, fmtTime(now), fmtTime(now.Add(time.Duration(ttl)*time.Minute)),
		grantID, GrantPending)
	if err != nil {
		return fmt.Errorf("approve grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	buckets := []any{BucketGrantable}
	query := `UPDATE grant_commands SET authorized = 1 WHERE grant_id = ? AND bucket = ?`
	if !safeOnly {
		query = `UPDATE grant_commands SET authorized = 1 WHERE grant_id = ? AND bucket IN (?, ?)`
		buckets = append(buckets, BucketRequiresIndividual)
	}
	if _, err := tx.Exec(query, append([]any{grantID}, buckets...)...); err != nil {
		return fmt.Errorf("authorize grant commands: %w", err)
	}
	return tx.Commit()
}

// TransitionGrantSession moves the grant between statuses conditionally.
func (s *Store) TransitionGrantSession(grantID, from, to string) error {
	res, err := s.db.Exec(
		`UPDATE grant_sessions SET status = ? WHERE grant_id = ? AND status = ?`,
		to, grantID, from)
	if err != nil {
		return fmt.Errorf("transition grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition grant: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetGrantSession(grantID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ConsumeGrantExecution atomically verifies the grant is active, unexpired,
// and under its execution budget, then increments executions_used.
func (s *Store) ConsumeGrantExecution(grantID string) error {
	res, err := s.db.Exec(`
		UPDATE grant_sessions
		SET executions_used = executions_used + 1
		WHERE grant_id = ? AND status = ? AND expires_at > ?
		  AND executions_used < max_executions`,
		grantID, GrantActive, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("consume grant execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume grant execution: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ConsumeGrantEntry marks an authorized entry consumed (single-use grants)
// or bumps its use count under the cap (repeatable entries). The WHERE
// clause carries every precondition so concurrent executions cannot exceed
// the caps.
func (s *Store) ConsumeGrantEntry(grantID string, position int, allowRepeat bool, repeatCap int) error {
	var res sql.Result
	var err error
	if allowRepeat {
		res, err = s.db.Exec(`
			UPDATE grant_commands SET uses = uses + 1
			WHERE grant_id = ? AND position = ? AND authorized = 1 AND uses < ?`,
			grantID, position, repeatCap)
	} else {
		res, err = s.db.Exec(`
			UPDATE grant_commands SET consumed = 1, uses = uses + 1
			WHERE grant_id = ? AND position = ? AND authorized = 1 AND consumed = 0`,
			grantID, position)
	}
	if err != nil {
		return fmt.Errorf("consume grant entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume grant entry: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SweepExpiredGrantSessions marks active grants past expiry as expired.
func (s *Store) SweepExpiredGrantSessions() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE grant_sessions SET status = ? WHERE status = ? AND expires_at != '' AND expires_at <= ?`,
		GrantExpired, GrantActive, fmtTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep grants: %w", err)
	}
	return res.RowsAffected()
}

const grantSelect = `
	SELECT grant_id, source, trust_scope, account_id, status, reason,
	       allow_repeat, executions_used, max_executions, ttl_minutes,
	       created_at, approved_at, expires_at
	FROM grant_sessions`

func scanGrant(row rowScanner) (*GrantSession, error) {
	var g GrantSession
	var allowRepeat int
	var createdAt, approvedAt, expiresAt string
	err := row.Scan(
		&g.GrantID, &g.Source, &g.TrustScope, &g.AccountID, &g.Status, &g.Reason,
		&allowRepeat, &g.ExecutionsUsed, &g.MaxExecutions, &g.TTLMinutes,
		&createdAt, &approvedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	g.AllowRepeat = allowRepeat != 0
	g.CreatedAt = parseTime(createdAt)
	g.ApprovedAt = parseTime(approvedAt)
	g.ExpiresAt = parseTime(expiresAt)
	return &g, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmtTime(t)
}
