package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Page is one stored chunk of a long command result.
type Page struct {
	PageID    string
	RequestID string
	Content   string
	PageNum   int
	PageCount int
	ExpiresAt time.Time
}

// PutPages stores all pages for a request in one transaction.
func (s *Store) PutPages(pages []Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put pages: %w", err)
	}
	defer tx.Rollback()
	for _, p := range pages {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO pages (page_id, request_id, content, page_num, page_count, expires_at)
			VALUES (?,?,?,?,?,?)`,
			p.PageID, p.RequestID, p.Content, p.PageNum, p.PageCount, fmtTime(p.ExpiresAt))
		if err != nil {
			return fmt.Errorf("put page %s: %w", p.PageID, err)
		}
	}
	return tx.Commit()
}

// GetPage returns a page; expired pages read as ErrNotFound.
func (s *Store) GetPage(pageID string) (*Page, error) {
	var p Page
	var expiresAt string
	err := s.db.QueryRow(`
		SELECT page_id, request_id, content, page_num, page_count, expires_at
		FROM pages WHERE page_id = ? AND expires_at > ?`,
		pageID, fmtTime(s.now())).Scan(
		&p.PageID, &p.RequestID, &p.Content, &p.PageNum, &p.PageCount, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page: %w", err)
	}
	p.ExpiresAt = parseTime(expiresAt)
	return &p, nil
}

// SweepExpiredPages deletes pages past their TTL.
func (s *Store) SweepExpiredPages() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pages WHERE expires_at <= ?`, fmtTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep pages: %w", err)
	}
	return res.RowsAffected()
}
