// Package grant manages pre-approved command bundles. A grant is requested
// with an explicit list of literal commands or bounded patterns, reviewed as
// a whole, and then executed entry by entry against its budgets.
package grant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/bouncer/internal/classify"
	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/compliance"
	"github.com/clawdbot/bouncer/internal/risk"
	"github.com/clawdbot/bouncer/internal/store"
)

// Commands at or above this risk score cannot sit in the grantable bucket.
const individualRiskScore = 66

var (
	ErrEmptyGrant     = errors.New("grant has no commands")
	ErrTooManyEntries = errors.New("grant exceeds command limit")
	ErrTTLTooLong     = errors.New("grant ttl exceeds maximum")
	ErrNoMatch        = errors.New("command matches no authorized grant entry")
	ErrGrantInactive  = errors.New("grant is not active")
)

// Limits bounds what a single grant may ask for.
type Limits struct {
	TTLMax             time.Duration
	MaxCommands        int
	MaxExecutions      int
	DangerousRepeatCap int
}

// Request describes a grant being asked for.
type Request struct {
	Source      string
	TrustScope  string
	AccountID   string
	AccountTag  string
	Reason      string
	AllowRepeat bool
	TTLMinutes  int
	Entries     []string
}

// Manager creates, reviews, and executes against grant sessions.
type Manager struct {
	store      *store.Store
	classifier *classify.Classifier
	checker    *compliance.Checker
	scorer     *risk.Scorer
	limits     Limits
	cliVerb    string
	now        func() time.Time
}

// NewManager wires the manager. cliVerb is the leading token every entry
// must carry.
func NewManager(s *store.Store, c *classify.Classifier, ch *compliance.Checker, sc *risk.Scorer, limits Limits, cliVerb string) *Manager {
	return &Manager{store: s, classifier: c, checker: ch, scorer: sc, limits: limits, cliVerb: cliVerb, now: time.Now}
}

// SetClock overrides the clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Create pre-classifies every entry and persists a pending grant. Any entry
// that is BLOCKED, carries a CRITICAL compliance finding, or fails the
// pattern guards rejects the whole grant.
func (m *Manager) Create(req Request) (*store.GrantSession, []store.GrantCommand, error) {
	if len(req.Entries) == 0 {
		return nil, nil, ErrEmptyGrant
	}
	if len(req.Entries) > m.limits.MaxCommands {
		return nil, nil, fmt.Errorf("%w: %d entries, limit %d", ErrTooManyEntries, len(req.Entries), m.limits.MaxCommands)
	}
	ttl := req.TTLMinutes
	maxTTL := int(m.limits.TTLMax / time.Minute)
	if ttl <= 0 {
		ttl = maxTTL
	}
	if ttl > maxTTL {
		return nil, nil, fmt.Errorf("%w: %d minutes, limit %d", ErrTTLTooLong, ttl, maxTTL)
	}

	commands := make([]store.GrantCommand, 0, len(req.Entries))
	for i, entry := range req.Entries {
		normalized := command.Normalize(entry)
		isPattern := IsPattern(normalized)
		if isPattern {
			if _, err := CompilePattern(normalized); err != nil {
				return nil, nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}
		bucket, reason, err := m.bucket(normalized, isPattern, req.AccountTag)
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if bucket == store.BucketBlocked {
			return nil, nil, fmt.Errorf("entry %d rejected: %s", i, reason)
		}
		commands = append(commands, store.GrantCommand{
			Position:  i,
			Entry:     normalized,
			IsPattern: isPattern,
			Bucket:    bucket,
		})
	}

	maxExec := m.limits.MaxExecutions
	g := &store.GrantSession{
		GrantID:       "grant-" + uuid.NewString(),
		Source:        req.Source,
		TrustScope:    req.TrustScope,
		AccountID:     req.AccountID,
		Status:        store.GrantPending,
		Reason:        req.Reason,
		AllowRepeat:   req.AllowRepeat,
		MaxExecutions: maxExec,
		TTLMinutes:    ttl,
		CreatedAt:     m.now(),
	}
	for i := range commands {
		commands[i].GrantID = g.GrantID
	}
	if err := m.store.InsertGrantSession(g, commands); err != nil {
		return nil, nil, err
	}
	return g, commands, nil
}

// bucket classifies one entry. Patterns are classified against a sample
// expansion so the placeholder syntax itself does not defeat the rules.
func (m *Manager) bucket(entry string, isPattern bool, accountTag string) (string, string, error) {
	sample := entry
	if isPattern {
		sample = sampleExpansion(entry)
	}
	cmd, err := command.Parse(sample, m.cliVerb)
	if err != nil {
		return "", "", err
	}

	decision := m.classifier.Classify(cmd)
	if decision.Class == classify.Blocked {
		return store.BucketBlocked, decision.Reason, nil
	}

	findings := m.checker.CheckCommand(cmd.Normalized)
	if findings.Critical() {
		return store.BucketBlocked, "critical compliance finding", nil
	}

	score := m.scorer.Evaluate(cmd, "", accountTag)
	if decision.Class == classify.Dangerous || score.Value >= individualRiskScore {
		return store.BucketRequiresIndividual, decision.Reason, nil
	}
	return store.BucketGrantable, "", nil
}

// sampleExpansion substitutes concrete values into a pattern so it can be
// parsed and classified as a plain command.
func sampleExpansion(pattern string) string {
	out := placeholderRe.ReplaceAllStringFunc(pattern, func(ph string) string {
		switch ph {
		case "{uuid}":
			return "0123456789abcdef0123"
		case "{date}":
			return "2026-01-01"
		default:
			return "sample"
		}
	})
	out = strings.ReplaceAll(out, "**", "sample")
	return strings.ReplaceAll(out, "*", "sample")
}

// Approve activates a pending grant. safeOnly authorizes only the grantable
// bucket; entries needing individual approval stay unauthorized.
func (m *Manager) Approve(grantID string, safeOnly bool) error {
	return m.store.ApproveGrantSession(grantID, safeOnly)
}

// Deny rejects a pending grant.
func (m *Manager) Deny(grantID string) error {
	return m.store.TransitionGrantSession(grantID, store.GrantPending, store.GrantDenied)
}

// Revoke cancels a grant in any live state.
func (m *Manager) Revoke(grantID string) error {
	err := m.store.TransitionGrantSession(grantID, store.GrantActive, store.GrantRevoked)
	if errors.Is(err, store.ErrConflict) {
		return m.store.TransitionGrantSession(grantID, store.GrantPending, store.GrantRevoked)
	}
	return err
}

// Match finds the authorized entry a submitted command satisfies, literal
// first, then patterns in position order.
func (m *Manager) Match(grantID, rawCommand string) (*store.GrantSession, *store.GrantCommand, error) {
	g, err := m.store.GetGrantSession(grantID)
	if err != nil {
		return nil, nil, err
	}
	if !g.Active(m.now()) {
		return nil, nil, ErrGrantInactive
	}

	normalized := command.Normalize(rawCommand)
	entries, err := m.store.ListGrantCommands(grantID)
	if err != nil {
		return nil, nil, err
	}

	for i := range entries {
		e := &entries[i]
		if !e.Authorized || e.IsPattern {
			continue
		}
		if e.Entry == normalized {
			return g, e, nil
		}
	}
	for i := range entries {
		e := &entries[i]
		if !e.Authorized || !e.IsPattern {
			continue
		}
		re, err := CompilePattern(e.Entry)
		if err != nil {
			continue
		}
		if re.MatchString(normalized) {
			return g, e, nil
		}
	}
	return nil, nil, ErrNoMatch
}

// Consume spends one execution from the grant budget and the matched entry.
// Both decrements are conditional, so a concurrent duplicate observes
// store.ErrConflict.
func (m *Manager) Consume(g *store.GrantSession, entry *store.GrantCommand) error {
	if err := m.store.ConsumeGrantExecution(g.GrantID); err != nil {
		return err
	}
	if !g.AllowRepeat {
		return m.store.ConsumeGrantEntry(g.GrantID, entry.Position, false, 0)
	}
	repeatCap := g.MaxExecutions
	if entry.Bucket == store.BucketRequiresIndividual {
		repeatCap = m.limits.DangerousRepeatCap
	}
	return m.store.ConsumeGrantEntry(g.GrantID, entry.Position, true, repeatCap)
}

// Status returns the grant with its entries.
func (m *Manager) Status(grantID string) (*store.GrantSession, []store.GrantCommand, error) {
	g, err := m.store.GetGrantSession(grantID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := m.store.ListGrantCommands(grantID)
	if err != nil {
		return nil, nil, err
	}
	return g, entries, nil
}
