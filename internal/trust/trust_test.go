package trust

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := NewManager(s, Budgets{
		TTL:            10 * time.Minute,
		MaxCommands:    3,
		MaxUploads:     2,
		MaxBytes:       1000,
		PerUploadBytes: 600,
	})
	return m, s
}

func TestTrustID(t *testing.T) {
	id := TrustID("bot-a", "111111111111")
	if !strings.HasPrefix(id, "trust-") || !strings.HasSuffix(id, "-111111111111") {
		t.Errorf("TrustID = %q", id)
	}
	// Hash segment is 16 hex chars.
	mid := strings.TrimSuffix(strings.TrimPrefix(id, "trust-"), "-111111111111")
	if len(mid) != 16 {
		t.Errorf("hash segment %q length = %d, want 16", mid, len(mid))
	}
	if id != TrustID("bot-a", "111111111111") {
		t.Error("TrustID not deterministic")
	}
	if id == TrustID("bot-b", "111111111111") {
		t.Error("different scopes must not collide")
	}
}

func TestBeginReturnsExisting(t *testing.T) {
	m, _ := newManager(t)
	first, err := m.Begin("bot-a", "111111111111", 0)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	second, err := m.Begin("bot-a", "111111111111", 0)
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}
	if first.TrustID != second.TrustID {
		t.Errorf("Begin created a second session: %s != %s", first.TrustID, second.TrustID)
	}
}

func TestBeginAfterRevoke(t *testing.T) {
	m, _ := newManager(t)
	first, err := m.Begin("bot-a", "111111111111", 0)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Revoke(first.TrustID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	second, err := m.Begin("bot-a", "111111111111", 0)
	if err != nil {
		t.Fatalf("Begin after revoke failed: %v", err)
	}
	if !second.Active(time.Now()) {
		t.Errorf("re-opened session not active: %+v", second)
	}
	if _, ok := m.ConsumeCommand("bot-a", "111111111111"); !ok {
		t.Error("re-opened session should accept commands")
	}
}

func TestConsumeCommandBudget(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Begin("bot-a", "111111111111", 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, ok := m.ConsumeCommand("bot-a", "111111111111"); !ok {
			t.Fatalf("consume %d failed", i)
		}
	}
	if _, ok := m.ConsumeCommand("bot-a", "111111111111"); ok {
		t.Error("consume past budget should fail")
	}
}

func TestConsumeCommandNoSession(t *testing.T) {
	m, _ := newManager(t)
	if _, ok := m.ConsumeCommand("bot-a", "111111111111"); ok {
		t.Error("consume without session should fail")
	}
}

func TestConsumeUpload(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Begin("bot-a", "111111111111", 0); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.ConsumeUpload("bot-a", "111111111111", 500); !ok {
		t.Fatal("first upload should fit")
	}
	// Over the per-file cap.
	if _, ok := m.ConsumeUpload("bot-a", "111111111111", 601); ok {
		t.Error("upload over per-file cap should fail")
	}
	// Over the byte budget (500 already used of 1000).
	if _, ok := m.ConsumeUpload("bot-a", "111111111111", 600); ok {
		t.Error("upload over byte budget should fail")
	}
}

func TestRevoke(t *testing.T) {
	m, _ := newManager(t)
	sess, err := m.Begin("bot-a", "111111111111", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(sess.TrustID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, ok := m.ConsumeCommand("bot-a", "111111111111"); ok {
		t.Error("consume after revoke should fail")
	}
	if _, err := m.Status("bot-a", "111111111111"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Status after revoke = %v, want ErrNotFound", err)
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want bool
	}{
		{"plain start", "aws ec2 start-instances --instance-ids i-1", true},
		{"iam excluded", "aws iam list-users", false},
		{"kms excluded", "aws kms list-keys", false},
		{"cloudformation excluded", "aws cloudformation describe-stacks", false},
		{"delete action excluded", "aws s3api delete-object --bucket b --key k", false},
		{"force flag excluded", "aws ecs update-service --service s --force", false},
		{"recursive flag excluded", "aws s3 cp . s3://b --recursive", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := command.Parse(tt.cmd, "aws")
			if err != nil {
				t.Fatal(err)
			}
			got, reason := Eligible(cmd)
			if got != tt.want {
				t.Errorf("Eligible(%q) = %v (%s), want %v", tt.cmd, got, reason, tt.want)
			}
		})
	}
}

func TestSafeUploadName(t *testing.T) {
	blocked := []string{".exe", ".sh"}
	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"plain", "report.csv", false},
		{"empty", "", true},
		{"separator", "dir/file.csv", true},
		{"backslash", `dir\file.csv`, true},
		{"traversal", "..secret", true},
		{"blocked ext", "payload.exe", true},
		{"blocked ext upper", "PAYLOAD.EXE", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SafeUploadName(tt.file, blocked)
			if (err != nil) != tt.wantErr {
				t.Errorf("SafeUploadName(%q) = %v, wantErr %v", tt.file, err, tt.wantErr)
			}
		})
	}
}
