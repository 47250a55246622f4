// Package trust manages short-lived auto-approval sessions. A trust
// session lets an approver pre-authorize a bounded budget of commands and
// uploads for one (trust_scope, account_id) pair.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/store"
)

// Budgets configures a new session.
type Budgets struct {
	TTL            time.Duration
	MaxCommands    int
	MaxUploads     int
	MaxBytes       int64
	PerUploadBytes int64
}

// Services that never auto-approve under trust.
var excludedServices = map[string]bool{
	"iam":            true,
	"sts":            true,
	"organizations":  true,
	"kms":            true,
	"secretsmanager": true,
	"cloudformation": true,
	"cloudtrail":     true,
}

// Action substrings that never auto-approve under trust.
var excludedActionParts = []string{
	"delete", "terminate", "destroy", "remove", "disable", "revoke", "deregister",
}

// Flags that exclude a command from trust auto-approval.
var excludedFlags = map[string]bool{
	"--force":                    true,
	"--yes":                      true,
	"--no-wait":                  true,
	"--no-verify-ssl":            true,
	"--recursive":                true,
	"--include-all-instances":    true,
	"--skip-final-snapshot":      true,
	"--delete-automated-backups": true,
}

// Manager creates, consumes, and revokes trust sessions.
type Manager struct {
	store   *store.Store
	budgets Budgets
	now     func() time.Time
}

// NewManager returns a manager with the configured default budgets.
func NewManager(s *store.Store, budgets Budgets) *Manager {
	return &Manager{store: s, budgets: budgets, now: time.Now}
}

// SetClock overrides the clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// TrustID derives the deterministic session id for a scope and account.
func TrustID(trustScope, accountID string) string {
	sum := sha256.Sum256([]byte(trustScope))
	return "trust-" + hex.EncodeToString(sum[:])[:16] + "-" + accountID
}

// Begin creates a session for the pair, or returns the existing active one.
// ttl overrides the default when positive.
func (m *Manager) Begin(trustScope, accountID string, ttl time.Duration) (*store.TrustSession, error) {
	if trustScope == "" || accountID == "" {
		return nil, errors.New("trust scope and account id are required")
	}
	if ttl <= 0 {
		ttl = m.budgets.TTL
	}
	now := m.now()
	sess := &store.TrustSession{
		TrustID:     TrustID(trustScope, accountID),
		TrustScope:  trustScope,
		AccountID:   accountID,
		Status:      store.TrustActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		CommandsMax: m.budgets.MaxCommands,
		UploadsMax:  m.budgets.MaxUploads,
		BytesMax:    m.budgets.MaxBytes,
	}
	err := m.store.InsertTrustSession(sess)
	if errors.Is(err, store.ErrExists) {
		return m.store.GetActiveTrustSession(trustScope, accountID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ConsumeCommand atomically spends one command from the pair's session.
// Returns false with no error when there is no usable session or budget;
// callers fall through to manual approval.
func (m *Manager) ConsumeCommand(trustScope, accountID string) (*store.TrustSession, bool) {
	sess, err := m.store.GetActiveTrustSession(trustScope, accountID)
	if err != nil {
		return nil, false
	}
	if err := m.store.ConsumeTrustBudget(sess.TrustID, store.BudgetCommands, 1); err != nil {
		return nil, false
	}
	sess, err = m.store.GetTrustSession(sess.TrustID)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// ConsumeUpload atomically spends one upload slot and its byte size.
func (m *Manager) ConsumeUpload(trustScope, accountID string, size int64) (*store.TrustSession, bool) {
	if size <= 0 || size > m.budgets.PerUploadBytes {
		return nil, false
	}
	sess, err := m.store.GetActiveTrustSession(trustScope, accountID)
	if err != nil {
		return nil, false
	}
	if err := m.store.ConsumeTrustBudget(sess.TrustID, store.BudgetUploads, 1); err != nil {
		return nil, false
	}
	if err := m.store.ConsumeTrustBudget(sess.TrustID, store.BudgetBytes, size); err != nil {
		// The upload slot was spent but the bytes did not fit. The slot is
		// not returned; byte budget is the binding constraint.
		return nil, false
	}
	sess, err = m.store.GetTrustSession(sess.TrustID)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// Revoke transitions the session to revoked.
func (m *Manager) Revoke(trustID string) error {
	return m.store.RevokeTrustSession(trustID)
}

// Status returns the session for the pair, or store.ErrNotFound.
func (m *Manager) Status(trustScope, accountID string) (*store.TrustSession, error) {
	return m.store.GetActiveTrustSession(trustScope, accountID)
}

// Eligible reports whether a command may auto-approve under trust at all.
// It excludes sensitive services, destructive actions, and danger flags.
// Classification and compliance gates apply separately in the pipeline.
func Eligible(cmd *command.Command) (bool, string) {
	if excludedServices[cmd.Service] {
		return false, fmt.Sprintf("service %s is trust-excluded", cmd.Service)
	}
	for _, part := range excludedActionParts {
		if strings.Contains(cmd.Action, part) {
			return false, fmt.Sprintf("action %s is trust-excluded", cmd.Action)
		}
	}
	for _, arg := range cmd.Args() {
		if excludedFlags[arg] {
			return false, fmt.Sprintf("flag %s is trust-excluded", arg)
		}
	}
	return true, ""
}

// SafeUploadName rejects filenames with path separators, traversal, control
// bytes, or a blocked extension.
func SafeUploadName(name string, blockedExts []string) error {
	if name == "" {
		return errors.New("empty filename")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errors.New("filename must not contain path separators")
	}
	if strings.Contains(name, "..") {
		return errors.New("filename must not contain traversal sequences")
	}
	lower := strings.ToLower(name)
	for _, ext := range blockedExts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return fmt.Errorf("extension %s is not allowed", ext)
		}
	}
	return nil
}
