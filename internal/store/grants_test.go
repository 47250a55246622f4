package store

import (
	"errors"
	"testing"
	"time"
)

func testGrant(id string) (*GrantSession, []GrantCommand) {
	g := &GrantSession{
		GrantID:       id,
		Source:        "bot-a",
		TrustScope:    "bot-a",
		AccountID:     "111111111111",
		Status:        GrantPending,
		Reason:        "deploy window",
		MaxExecutions: 10,
		TTLMinutes:    30,
		CreatedAt:     time.Now(),
	}
	cmds := []GrantCommand{
		{GrantID: id, Position: 0, Entry: "aws ecs update-service --cluster c --service s", Bucket: BucketGrantable},
		{GrantID: id, Position: 1, Entry: "aws ec2 terminate-instances --instance-ids {uuid}", IsPattern: true, Bucket: BucketRequiresIndividual},
	}
	return g, cmds
}

func TestGrantLifecycle(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-1")
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.GetGrantSession("grant-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != GrantPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	if err := s.ApproveGrantSession("grant-1", false); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	got, _ = s.GetGrantSession("grant-1")
	if got.Status != GrantActive || got.ApprovedAt.IsZero() || got.ExpiresAt.IsZero() {
		t.Errorf("approved grant = %+v", got)
	}

	entries, err := s.ListGrantCommands("grant-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !e.Authorized {
			t.Errorf("entry %d not authorized after approve-all", e.Position)
		}
	}

	// Replayed approval observes the conflict.
	if err := s.ApproveGrantSession("grant-1", false); !errors.Is(err, ErrConflict) {
		t.Errorf("second approve = %v, want ErrConflict", err)
	}
}

func TestApproveGrantSafeOnly(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-safe")
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveGrantSession("grant-safe", true); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	entries, _ := s.ListGrantCommands("grant-safe")
	if !entries[0].Authorized {
		t.Error("grantable entry should be authorized")
	}
	if entries[1].Authorized {
		t.Error("requires_individual entry must stay unauthorized under safe-only")
	}
}

func TestConsumeGrantExecutionBudget(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-exec")
	g.MaxExecutions = 2
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveGrantSession("grant-exec", false); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ConsumeGrantExecution("grant-exec"); err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
	}
	if err := s.ConsumeGrantExecution("grant-exec"); !errors.Is(err, ErrConflict) {
		t.Errorf("over-budget execution = %v, want ErrConflict", err)
	}
}

func TestConsumeGrantEntrySingleUse(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-single")
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveGrantSession("grant-single", false); err != nil {
		t.Fatal(err)
	}

	if err := s.ConsumeGrantEntry("grant-single", 0, false, 0); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := s.ConsumeGrantEntry("grant-single", 0, false, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("re-consume = %v, want ErrConflict", err)
	}
}

func TestConsumeGrantEntryRepeatCap(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-repeat")
	g.AllowRepeat = true
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveGrantSession("grant-repeat", false); err != nil {
		t.Fatal(err)
	}

	// Dangerous entries under allow_repeat stop at the cap.
	for i := 0; i < 3; i++ {
		if err := s.ConsumeGrantEntry("grant-repeat", 1, true, 3); err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
	}
	if err := s.ConsumeGrantEntry("grant-repeat", 1, true, 3); !errors.Is(err, ErrConflict) {
		t.Errorf("capped consume = %v, want ErrConflict", err)
	}
}

func TestGrantDeny(t *testing.T) {
	s := setupTestStore(t)
	g, cmds := testGrant("grant-deny")
	if err := s.InsertGrantSession(g, cmds); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionGrantSession("grant-deny", GrantPending, GrantDenied); err != nil {
		t.Fatalf("deny failed: %v", err)
	}
	// Approval after denial conflicts.
	if err := s.ApproveGrantSession("grant-deny", false); !errors.Is(err, ErrConflict) {
		t.Errorf("approve after deny = %v, want ErrConflict", err)
	}
}
