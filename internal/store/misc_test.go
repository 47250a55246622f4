package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRateEvents(t *testing.T) {
	s := setupTestStore(t)
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		if err := s.RecordRateEvent("bot-a"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordRateEvent("bot-b"); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountRateEventsSince("bot-a", base.Add(-time.Minute))
	if err != nil || n != 3 {
		t.Errorf("CountRateEventsSince = %d, %v; want 3", n, err)
	}

	// Events before the window are invisible.
	n, _ = s.CountRateEventsSince("bot-a", base.Add(time.Second))
	if n != 0 {
		t.Errorf("future window count = %d, want 0", n)
	}

	pruned, err := s.PruneRateEventsBefore(base.Add(time.Second))
	if err != nil || pruned != 4 {
		t.Errorf("PruneRateEventsBefore = %d, %v; want 4", pruned, err)
	}
}

func TestPages(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()
	pages := []Page{
		{PageID: "r1:page:1", RequestID: "r1", Content: "first", PageNum: 1, PageCount: 2, ExpiresAt: now.Add(time.Hour)},
		{PageID: "r1:page:2", RequestID: "r1", Content: "second", PageNum: 2, PageCount: 2, ExpiresAt: now.Add(time.Hour)},
	}
	if err := s.PutPages(pages); err != nil {
		t.Fatalf("PutPages failed: %v", err)
	}

	p, err := s.GetPage("r1:page:2")
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if p.Content != "second" || p.PageCount != 2 {
		t.Errorf("page = %+v", p)
	}

	if _, err := s.GetPage("r1:page:3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing page = %v, want ErrNotFound", err)
	}
}

func TestPageTTL(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()
	if err := s.PutPages([]Page{
		{PageID: "r2:page:1", RequestID: "r2", Content: "x", PageNum: 1, PageCount: 1, ExpiresAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetPage("r2:page:1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired page = %v, want ErrNotFound", err)
	}
	n, err := s.SweepExpiredPages()
	if err != nil || n != 1 {
		t.Errorf("SweepExpiredPages = %d, %v; want 1", n, err)
	}
}

func TestAccounts(t *testing.T) {
	s := setupTestStore(t)
	a := &Account{
		AccountID:   "111111111111",
		Name:        "prod",
		RoleARN:     "arn:aws:iam::111111111111:role/bouncer-exec",
		Sensitivity: "prod",
		Enabled:     true,
		IsDefault:   true,
	}
	if err := s.PutAccount(a); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
	if err := s.PutAccount(a); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate = %v, want ErrExists", err)
	}

	def, err := s.GetDefaultAccount()
	if err != nil || def.AccountID != "111111111111" {
		t.Errorf("GetDefaultAccount = %+v, %v", def, err)
	}

	if err := s.RemoveAccount("111111111111"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveAccount("111111111111"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

func TestValidateAccount(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr bool
	}{
		{"valid", Account{AccountID: "123456789012", Name: "x"}, false},
		{"valid with role", Account{AccountID: "123456789012", Name: "x", RoleARN: "arn:aws:iam::123456789012:role/r"}, false},
		{"short id", Account{AccountID: "12345", Name: "x"}, true},
		{"alpha id", Account{AccountID: "12345678901a", Name: "x"}, true},
		{"no name", Account{AccountID: "123456789012"}, true},
		{"bad arn", Account{AccountID: "123456789012", Name: "x", RoleARN: "arn:aws:s3:::bucket"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccount(&tt.account)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAccount() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeedAccounts(t *testing.T) {
	s := setupTestStore(t)
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := `
accounts:
  - account_id: "111111111111"
    name: prod
    sensitivity: prod
    enabled: true
    is_default: true
  - account_id: "222222222222"
    name: staging
    sensitivity: staging
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	added, err := s.SeedAccounts(path)
	if err != nil {
		t.Fatalf("SeedAccounts failed: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// Re-seeding is a no-op for existing rows.
	added, err = s.SeedAccounts(path)
	if err != nil || added != 0 {
		t.Errorf("re-seed added = %d, %v; want 0", added, err)
	}
}

func TestAuditAppend(t *testing.T) {
	s := setupTestStore(t)
	if err := s.AppendAudit(&AuditEntry{
		RequestID: "r1",
		Source:    "bot-a",
		Action:    "submit",
		Outcome:   "auto_approved",
		LatencyMS: 12,
	}); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}

	entries, err := s.ListAuditSince(time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListAuditSince failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != "auto_approved" {
		t.Errorf("entries = %+v", entries)
	}
}
