package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request kinds.
const (
	KindExecute       = "execute"
	KindUpload        = "upload"
	KindUploadBatch   = "upload_batch"
	KindAddAccount    = "add_account"
	KindRemoveAccount = "remove_account"
	KindDeploy        = "deploy"
	KindGrant         = "grant"
	KindPresignDirect = "presigned_audit"
)

// Request statuses.
const (
	StatusPending            = "pending"
	StatusApproved           = "approved"
	StatusDenied             = "denied"
	StatusExpired            = "expired"
	StatusExecutedOK         = "executed_ok"
	StatusExecutedError      = "executed_error"
	StatusBlocked            = "blocked"
	StatusRateLimited        = "rate_limited"
	StatusComplianceRejected = "compliance_rejected"
	StatusAutoApproved       = "auto_approved"
	StatusTrustAutoApproved  = "trust_auto_approved"
	StatusGrantAutoApproved  = "grant_auto_approved"
)

// ApprovalRequest is the persisted record for every admission decision.
type ApprovalRequest struct {
	RequestID          string
	Kind               string
	Status             string
	DisplaySummary     string
	Source             string
	TrustScope         string
	AccountID          string
	Reason             string
	Command            string
	Files              string
	ProjectID          string
	AccountSpec        string
	Result             string
	ExitCode           *int
	ExecutionMS        *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
	MessageID          string
	NotifyAttempts     int
	ApproverID         string
	DecisionType       string
	ComplianceFindings string
	RiskScore          int
	RiskHits           string
	IdempotencyKey     string
}

// Expired reports whether the request's approval window has passed.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// PutRequest creates a record. Fails with ErrExists if the id is taken or
// the idempotency key was already used.
func (s *Store) PutRequest(r *ApprovalRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO requests (
			request_id, kind, status, display_summary, source, trust_scope,
			account_id, reason, command, files, project_id, account_spec,
			result, exit_code, execution_ms, created_at, updated_at,
			expires_at, message_id, notify_attempts, approver_id, decision_type,
			compliance_findings, risk_score, risk_hits, idempotency_key
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RequestID, r.Kind, r.Status, r.DisplaySummary, r.Source, r.TrustScope,
		r.AccountID, r.Reason, r.Command, r.Files, r.ProjectID, r.AccountSpec,
		r.Result, r.ExitCode, r.ExecutionMS, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		fmtTime(r.ExpiresAt), r.MessageID, r.NotifyAttempts, r.ApproverID, r.DecisionType,
		r.ComplianceFindings, r.RiskScore, r.RiskHits, r.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// GetRequest returns the record or ErrNotFound.
func (s *Store) GetRequest(id string) (*ApprovalRequest, error) {
	row := s.db.QueryRow(requestSelect+` WHERE request_id = ?`, id)
	return scanRequest(row)
}

// GetRequestByIdempotencyKey resolves a caller-supplied dedupe key.
func (s *Store) GetRequestByIdempotencyKey(key string) (*ApprovalRequest, error) {
	row := s.db.QueryRow(requestSelect+` WHERE idempotency_key = ?`, key)
	return scanRequest(row)
}

// RequestPatch is the set of fields a transition may write.
type RequestPatch struct {
	Status       string
	Result       *string
	ExitCode     *int
	ExecutionMS  *int64
	ApproverID   *string
	DecisionType *string
	MessageID    *string
}

// TransitionRequest performs the conditional status transition. Returns
// ErrConflict when the record is not in fromStatus (someone else got there
// first) and ErrNotFound when the id is unknown.
func (s *Store) TransitionRequest(id, fromStatus string, patch RequestPatch) error {
	if patch.Status == "" {
		return errors.New("transition requires a target status")
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{patch.Status, fmtTime(s.now())}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *patch.ExitCode)
	}
	if patch.ExecutionMS != nil {
		sets = append(sets, "execution_ms = ?")
		args = append(args, *patch.ExecutionMS)
	}
	if patch.ApproverID != nil {
		sets = append(sets, "approver_id = ?")
		args = append(args, *patch.ApproverID)
	}
	if patch.DecisionType != nil {
		sets = append(sets, "decision_type = ?")
		args = append(args, *patch.DecisionType)
	}
	if patch.MessageID != nil {
		sets = append(sets, "message_id = ?")
		args = append(args, *patch.MessageID)
	}
	args = append(args, id, fromStatus)

	res, err := s.db.Exec(
		`UPDATE requests SET `+strings.Join(sets, ", ")+` WHERE request_id = ? AND status = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetRequest(id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SetRequestMessageID records the notifier message id for a request.
func (s *Store) SetRequestMessageID(id, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE requests SET message_id = ?, updated_at = ? WHERE request_id = ?`,
		messageID, fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set message id: %w", err)
	}
	return nil
}

// ListPending returns pending records oldest first. source filters when
// non-empty.
func (s *Store) ListPending(source string, limit int) ([]*ApprovalRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	query := requestSelect + ` WHERE status = ?`
	args := []any{StatusPending}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)
	return s.queryRequests(query, args...)
}

// ListPendingForScope returns pending execute requests for a trust scope and
// account, oldest first. Used by auto-drain.
func (s *Store) ListPendingForScope(trustScope, accountID string, limit int) ([]*ApprovalRequest, error) {
	return s.queryRequests(
		requestSelect+` WHERE status = ? AND trust_scope = ? AND account_id = ? AND kind = ?
		 ORDER BY created_at ASC LIMIT ?`,
		StatusPending, trustScope, accountID, KindExecute, limit)
}

// CountPending counts pending records for a source.
func (s *Store) CountPending(source string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM requests WHERE status = ? AND source = ?`,
		StatusPending, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListUnnotifiedPending returns pending records that never got a notifier
// message and have not been retried, for the one-shot re-emit reconciler.
func (s *Store) ListUnnotifiedPending(limit int) ([]*ApprovalRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRequests(
		requestSelect+` WHERE status = ? AND message_id = '' AND notify_attempts = 0
		 ORDER BY created_at ASC LIMIT ?`,
		StatusPending, limit)
}

// MarkNotifyAttempt counts a failed re-emit so the reconciler never retries
// the same record twice. The record stays pending until the expiry sweep.
func (s *Store) MarkNotifyAttempt(id string) error {
	_, err := s.db.Exec(
		`UPDATE requests SET notify_attempts = notify_attempts + 1, updated_at = ? WHERE request_id = ?`,
		fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark notify attempt: %w", err)
	}
	return nil
}

// SweepExpiredRequests deletes terminal-or-pending records whose expiry
// passed more than grace ago. Returns the number removed.
func (s *Store) SweepExpiredRequests(grace time.Duration) (int64, error) {
	cutoff := fmtTime(s.now().Add(-grace))
	res, err := s.db.Exec(`DELETE FROM requests WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep requests: %w", err)
	}
	return res.RowsAffected()
}

const requestSelect = `
	SELECT request_id, kind, status, display_summary, source, trust_scope,
	       account_id, reason, command, files, project_id, account_spec,
	       result, exit_code, execution_ms, created_at, updated_at,
	       expires_at, message_id, notify_attempts, approver_id, decision_type,
	       compliance_findings, risk_score, risk_hits, idempotency_key
	FROM requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	var r ApprovalRequest
	var createdAt, updatedAt, expiresAt string
	err := row.Scan(
		&r.RequestID, &r.Kind, &r.Status, &r.DisplaySummary, &r.Source, &r.TrustScope,
		&r.AccountID, &r.Reason, &r.Command, &r.Files, &r.ProjectID, &r.AccountSpec,
		&r.Result, &r.ExitCode, &r.ExecutionMS, &createdAt, &updatedAt,
		&expiresAt, &r.MessageID, &r.NotifyAttempts, &r.ApproverID, &r.DecisionType,
		&r.ComplianceFindings, &r.RiskScore, &r.RiskHits, &r.IdempotencyKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ExpiresAt = parseTime(expiresAt)
	return &r, nil
}

func (s *Store) queryRequests(query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
