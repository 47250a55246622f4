package store

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// RunSweeper periodically removes expired pages, rate events, and records,
// and marks expired trust and grant sessions. Blocks until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, requestGrace time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(requestGrace, logger)
		}
	}
}

func (s *Store) sweepOnce(requestGrace time.Duration, logger *log.Logger) {
	if n, err := s.SweepExpiredPages(); err != nil {
		logger.Error("page sweep failed", "error", err)
	} else if n > 0 {
		logger.Debug("swept expired pages", "count", n)
	}
	if n, err := s.SweepExpiredTrustSessions(); err != nil {
		logger.Error("trust sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("expired trust sessions", "count", n)
	}
	if n, err := s.SweepExpiredGrantSessions(); err != nil {
		logger.Error("grant sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("expired grant sessions", "count", n)
	}
	if n, err := s.SweepExpiredRequests(requestGrace); err != nil {
		logger.Error("request sweep failed", "error", err)
	} else if n > 0 {
		logger.Debug("swept expired requests", "count", n)
	}
	if _, err := s.PruneRateEventsBefore(s.now().Add(-24 * time.Hour)); err != nil {
		logger.Error("rate event prune failed", "error", err)
	}
}
