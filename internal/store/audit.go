package store

import (
	"fmt"
	"time"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID         int64
	OccurredAt time.Time
	RequestID  string
	Source     string
	Action     string
	Outcome    string
	Detail     string
	LatencyMS  int64
}

// AppendAudit writes one entry. Audit is append-only; there is no update or
// delete path.
func (s *Store) AppendAudit(e *AuditEntry) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (occurred_at, request_id, source, action, outcome, detail, latency_ms)
		VALUES (?,?,?,?,?,?,?)`,
		fmtTime(at), e.RequestID, e.Source, e.Action, e.Outcome, e.Detail, e.LatencyMS)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditSince returns entries at or after since, oldest first.
func (s *Store) ListAuditSince(since time.Time, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, occurred_at, request_id, source, action, outcome, detail, latency_ms
		FROM audit_log WHERE occurred_at >= ? ORDER BY occurred_at ASC LIMIT ?`,
		fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.RequestID, &e.Source, &e.Action, &e.Outcome, &e.Detail, &e.LatencyMS); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.OccurredAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
