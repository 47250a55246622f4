package store

import (
	"fmt"
	"time"
)

// RecordRateEvent appends one event for the source at now.
func (s *Store) RecordRateEvent(source string) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_events (source, occurred_at) VALUES (?, ?)`,
		source, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("record rate event: %w", err)
	}
	return nil
}

// CountRateEventsSince counts events for the source inside the window.
func (s *Store) CountRateEventsSince(source string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM rate_events WHERE source = ? AND occurred_at >= ?`,
		source, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rate events: %w", err)
	}
	return n, nil
}

// PruneRateEventsBefore deletes events older than the cutoff.
func (s *Store) PruneRateEventsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rate_events WHERE occurred_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune rate events: %w", err)
	}
	return res.RowsAffected()
}
