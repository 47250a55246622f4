package ratelimit

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawdbot/bouncer/internal/store"
)

func newLimiter(t *testing.T) (*Limiter, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l := New(s, Limits{Window: time.Minute, MaxInWindow: 3, MaxPending: 2})
	return l, s
}

func pendingRequest(id string) *store.ApprovalRequest {
	now := time.Now()
	return &store.ApprovalRequest{
		RequestID:      id,
		Kind:           store.KindExecute,
		Status:         store.StatusPending,
		DisplaySummary: "aws ec2 start-instances",
		Source:         "bot-a",
		TrustScope:     "bot-a",
		AccountID:      "111111111111",
		Command:        "aws ec2 start-instances --instance-ids i-1",
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func TestAllowWindow(t *testing.T) {
	l, s := newLimiter(t)
	base := time.Now()
	l.SetClock(func() time.Time { return base })
	s.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		if d := l.Allow("bot-a"); !d.Allowed {
			t.Fatalf("submission %d denied: %s", i, d.Reason)
		}
	}
	d := l.Allow("bot-a")
	if d.Allowed {
		t.Fatal("fourth submission in window should be denied")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", d.RetryAfter)
	}

	// Other sources have their own window.
	if d := l.Allow("bot-b"); !d.Allowed {
		t.Errorf("bot-b denied: %s", d.Reason)
	}

	// The window slides.
	later := base.Add(2 * time.Minute)
	l.SetClock(func() time.Time { return later })
	s.SetClock(func() time.Time { return later })
	if d := l.Allow("bot-a"); !d.Allowed {
		t.Errorf("submission after window denied: %s", d.Reason)
	}
}

func TestPendingCap(t *testing.T) {
	l, s := newLimiter(t)
	for i := 0; i < 2; i++ {
		if err := s.PutRequest(pendingRequest(fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	d := l.Allow("bot-a")
	if d.Allowed {
		t.Fatal("submission over pending cap should be denied")
	}
	if d.Reason != "too many pending requests" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestFailClosed(t *testing.T) {
	l, s := newLimiter(t)
	s.Close()

	if d := l.Allow("bot-a"); d.Allowed {
		t.Error("limiter must deny when counters are unreadable")
	}
}
