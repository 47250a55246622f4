package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRequest(id string) *ApprovalRequest {
	now := time.Now()
	return &ApprovalRequest{
		RequestID:      id,
		Kind:           KindExecute,
		Status:         StatusPending,
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

func TestOpenAndValidateSchema(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ValidateSchema(); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}
}

func TestOpenDirectoryPathFails(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected Open to fail for a directory path")
	}
}

func TestPutGetRequest(t *testing.T) {
	s := setupTestStore(t)
	r := testRequest("req-1")
	if err := s.PutRequest(r); err != nil {
		t.Fatalf("PutRequest failed: %v", err)
	}

	got, err := s.GetRequest("req-1")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.Status != StatusPending || got.Command != r.Command {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := s.PutRequest(r); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate PutRequest = %v, want ErrExists", err)
	}

	if _, err := s.GetRequest("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest(missing) = %v, want ErrNotFound", err)
	}
}

func TestIdempotencyKeyDedupe(t *testing.T) {
	s := setupTestStore(t)
	r := testRequest("req-idem")
	r.IdempotencyKey = "key-1"
	if err := s.PutRequest(r); err != nil {
		t.Fatalf("PutRequest failed: %v", err)
	}

	dup := testRequest("req-idem-2")
	dup.IdempotencyKey = "key-1"
	if err := s.PutRequest(dup); !errors.Is(err, ErrExists) {
		t.Fatalf("reused idempotency key = %v, want ErrExists", err)
	}

	got, err := s.GetRequestByIdempotencyKey("key-1")
	if err != nil {
		t.Fatalf("GetRequestByIdempotencyKey failed: %v", err)
	}
	if got.RequestID != "req-idem" {
		t.Errorf("resolved id = %s, want req-idem", got.RequestID)
	}
}

func TestTransitionRequest(t *testing.T) {
	s := setupTestStore(t)
	if err := s.PutRequest(testRequest("req-t")); err != nil {
		t.Fatal(err)
	}

	approver := "U1"
	if err := s.TransitionRequest("req-t", StatusPending, RequestPatch{
		Status:     StatusApproved,
		ApproverID: &approver,
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// Second actor loses.
	err := s.TransitionRequest("req-t", StatusPending, RequestPatch{Status: StatusDenied})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second transition = %v, want ErrConflict", err)
	}

	got, _ := s.GetRequest("req-t")
	if got.Status != StatusApproved || got.ApproverID != "U1" {
		t.Errorf("record = %+v, want approved by U1", got)
	}

	err = s.TransitionRequest("missing", StatusPending, RequestPatch{Status: StatusDenied})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing transition = %v, want ErrNotFound", err)
	}
}

func TestTransitionRequestConcurrent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.PutRequest(testRequest("req-race")); err != nil {
		t.Fatal(err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		status := StatusApproved
		if i == 1 {
			status = StatusDenied
		}
		go func(target string) {
			results <- s.TransitionRequest("req-race", StatusPending, RequestPatch{Status: target})
		}(status)
	}

	success, conflict := 0, 0
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			success++
		} else if errors.Is(err, ErrConflict) {
			conflict++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || conflict != 1 {
		t.Errorf("success=%d conflict=%d, want exactly one of each", success, conflict)
	}
}

func TestListPending(t *testing.T) {
	s := setupTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		r := testRequest("req-" + id)
		if id == "c" {
			r.Source = "bot-b"
		}
		if err := s.PutRequest(r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListPending("", 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListPending all = %d, want 3", len(all))
	}

	botA, err := s.ListPending("bot-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(botA) != 2 {
		t.Errorf("ListPending bot-a = %d, want 2", len(botA))
	}

	n, err := s.CountPending("bot-a")
	if err != nil || n != 2 {
		t.Errorf("CountPending = %d, %v; want 2", n, err)
	}
}

func TestSweepExpiredRequests(t *testing.T) {
	s := setupTestStore(t)
	base := time.Now()

	old := testRequest("req-old")
	old.ExpiresAt = base.Add(-2 * time.Hour)
	fresh := testRequest("req-fresh")
	if err := s.PutRequest(old); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRequest(fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepExpiredRequests(time.Hour)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, err := s.GetRequest("req-fresh"); err != nil {
		t.Errorf("fresh request should survive: %v", err)
	}
}

func TestListUnnotifiedPendingSkipsAttempted(t *testing.T) {
	s := setupTestStore(t)
	if err := s.PutRequest(testRequest("req-silent")); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListUnnotifiedPending(10)
	if err != nil {
		t.Fatalf("ListUnnotifiedPending failed: %v", err)
	}
	if len(recs) != 1 || recs[0].RequestID != "req-silent" {
		t.Fatalf("unnotified = %+v, want req-silent", recs)
	}

	if err := s.MarkNotifyAttempt("req-silent"); err != nil {
		t.Fatalf("MarkNotifyAttempt failed: %v", err)
	}
	recs, err = s.ListUnnotifiedPending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("attempted record listed again: %+v", recs)
	}
	// The record itself stays pending for the expiry sweep.
	got, err := s.GetRequest("req-silent")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.NotifyAttempts != 1 {
		t.Errorf("record = %s attempts=%d, want pending/1", got.Status, got.NotifyAttempts)
	}
}
