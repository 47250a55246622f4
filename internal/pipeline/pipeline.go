// Package pipeline is the admission path. Submit turns a raw agent request
// into exactly one persisted decision: executed, rejected, or parked as a
// pending approval with a notification in front of a human.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/clawdbot/bouncer/internal/classify"
	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/compliance"
	"github.com/clawdbot/bouncer/internal/executor"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/paging"
	"github.com/clawdbot/bouncer/internal/ratelimit"
	"github.com/clawdbot/bouncer/internal/risk"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
)

// Response statuses returned to the agent.
const (
	StatusAutoApproved       = "auto_approved"
	StatusTrustAutoApproved  = "trust_auto_approved"
	StatusGrantAutoApproved  = "grant_auto_approved"
	StatusPendingApproval    = "pending_approval"
	StatusBlocked            = "blocked"
	StatusRateLimited        = "rate_limited"
	StatusComplianceRejected = "compliance_rejected"
)

// ErrInternal wraps store and infrastructure failures so the HTTP layer can
// map them to a generic 500 without echoing internals to the agent.
var ErrInternal = errors.New("internal gateway error")

// CredentialSource hands out per-invocation execution credentials.
type CredentialSource interface {
	Assume(ctx context.Context, roleARN, requestID string) (executor.Credentials, error)
}

// Config bounds the pipeline's timing.
type Config struct {
	CLIVerb        string
	ApprovalExpiry time.Duration
	TrustTTL       time.Duration
	DrainBatch     int
	ResultTruncate int
}

// Pipeline wires the admission stages together.
type Pipeline struct {
	cfg        Config
	store      *store.Store
	classifier *classify.Classifier
	checker    *compliance.Checker
	scorer     *risk.Scorer
	limiter    *ratelimit.Limiter
	trust      *trust.Manager
	grants     *grant.Manager
	notifier   notify.Notifier
	exec       executor.Executor
	creds      CredentialSource
	pager      *paging.Pager
	deployer   Deployer
	uploader   Uploader
	logger     *log.Logger
	now        func() time.Time
}

// Deps carries the pipeline collaborators.
type Deps struct {
	Store      *store.Store
	Classifier *classify.Classifier
	Checker    *compliance.Checker
	Scorer     *risk.Scorer
	Limiter    *ratelimit.Limiter
	Trust      *trust.Manager
	Grants     *grant.Manager
	Notifier   notify.Notifier
	Executor   executor.Executor
	Creds      CredentialSource
	Pager      *paging.Pager
	Logger     *log.Logger
}

// New assembles the pipeline.
func New(cfg Config, d Deps) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      d.Store,
		classifier: d.Classifier,
		checker:    d.Checker,
		scorer:     d.Scorer,
		limiter:    d.Limiter,
		trust:      d.Trust,
		grants:     d.Grants,
		notifier:   d.Notifier,
		exec:       d.Executor,
		creds:      d.Creds,
		pager:      d.Pager,
		logger:     d.Logger,
		now:        time.Now,
	}
}

// SetClock overrides the clock. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// SubmitInput is one command submission.
type SubmitInput struct {
	Command        string
	Reason         string
	Source         string
	TrustScope     string
	AccountID      string
	IdempotencyKey string
}

// Decision is the admission outcome returned to the agent.
type Decision struct {
	Status         string        `json:"status"`
	RequestID      string        `json:"request_id"`
	DisplaySummary string        `json:"display_summary"`
	ExpiresAt      time.Time     `json:"expires_at,omitzero"`
	Result         string        `json:"result,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	BlockReason    string        `json:"block_reason,omitempty"`
	Suggestion     string        `json:"suggestion,omitempty"`
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
}

// Submit runs the full admission pipeline for a command.
func (p *Pipeline) Submit(ctx context.Context, in SubmitInput) (*Decision, error) {
	start := p.now()

	if in.IdempotencyKey != "" {
		if prior, err := p.store.GetRequestByIdempotencyKey(in.IdempotencyKey); err == nil {
			return decisionFromRecord(prior), nil
		}
	}

	cmd, err := command.Parse(in.Command, p.cfg.CLIVerb)
	if err != nil {
		p.audit(start, "", in.Source, "submit", "parse_error", err.Error())
		return nil, err
	}

	account := p.resolveAccount(in.AccountID)
	accountID := in.AccountID
	accountTag := ""
	if account != nil {
		accountID = account.AccountID
		accountTag = account.Sensitivity
	}

	rec := &store.ApprovalRequest{
		RequestID:      "req-" + uuid.NewString(),
		Kind:           store.KindExecute,
		DisplaySummary: summarize(cmd.Normalized),
		Source:         in.Source,
		TrustScope:     in.TrustScope,
		AccountID:      accountID,
		Reason:         in.Reason,
		Command:        cmd.Normalized,
		CreatedAt:      start,
		UpdatedAt:      start,
		ExpiresAt:      start.Add(p.cfg.ApprovalExpiry),
		IdempotencyKey: in.IdempotencyKey,
	}

	comp := p.checker.CheckCommand(cmd.Normalized)
	rec.ComplianceFindings = marshalFindings(comp.Findings)
	if comp.Critical() {
		// Audit trail only; the command text never enters the requests table.
		reason := findingsReason(comp.Findings)
		p.audit(start, rec.RequestID, in.Source, "submit", "compliance_rejected", reason)
		return &Decision{
			Status:         StatusComplianceRejected,
			RequestID:      rec.RequestID,
			DisplaySummary: rec.DisplaySummary,
			BlockReason:    reason,
		}, nil
	}

	dec := p.classifier.Classify(cmd)
	if dec.Class == classify.Blocked {
		rec.Status = store.StatusBlocked
		rec.Result = dec.Reason
		p.persist(rec, start, "blocked")
		return &Decision{
			Status:         StatusBlocked,
			RequestID:      rec.RequestID,
			DisplaySummary: rec.DisplaySummary,
			BlockReason:    dec.Reason,
			Suggestion:     dec.Suggestion,
		}, nil
	}

	if dec.Class == classify.Safelist && !comp.HighOrWorse() && !comp.ForceManual {
		return p.executeAndPersist(ctx, rec, cmd, account, start, store.StatusAutoApproved, StatusAutoApproved)
	}

	if rl := p.limiter.Allow(in.Source); !rl.Allowed {
		rec.Status = store.StatusRateLimited
		rec.Result = rl.Reason
		p.persist(rec, start, "rate_limited")
		return &Decision{
			Status:         StatusRateLimited,
			RequestID:      rec.RequestID,
			DisplaySummary: rec.DisplaySummary,
			BlockReason:    rl.Reason,
			RetryAfter:     rl.RetryAfter,
		}, nil
	}

	if in.TrustScope != "" && dec.Class != classify.Dangerous && !comp.HighOrWorse() && !comp.ForceManual {
		if ok, _ := trust.Eligible(cmd); ok {
			if _, consumed := p.trust.ConsumeCommand(in.TrustScope, accountID); consumed {
				return p.executeAndPersist(ctx, rec, cmd, account, start, store.StatusTrustAutoApproved, StatusTrustAutoApproved)
			}
		}
	}

	if in.TrustScope != "" && !comp.HighOrWorse() && !comp.ForceManual {
		if d := p.tryGrants(ctx, rec, cmd, account, in, start); d != nil {
			return d, nil
		}
	}

	score := p.scorer.Evaluate(cmd, in.Reason, accountTag)
	rec.RiskScore = score.Value
	rec.RiskHits = strings.Join(score.Hits, "; ")

	rec.Status = store.StatusPending
	if err := p.store.PutRequest(rec); err != nil {
		return nil, fmt.Errorf("%w: persist request: %v", ErrInternal, err)
	}

	msg := p.approvalMessage(rec, dec.Class == classify.Dangerous, account)
	p.announce(ctx, rec, msg, start, "submit")
	return &Decision{
		Status:         StatusPendingApproval,
		RequestID:      rec.RequestID,
		DisplaySummary: rec.DisplaySummary,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

// announce posts the approval prompt for a freshly parked record. A notifier
// failure leaves the record pending with no message id; the reconciler
// retries the prompt once.
func (p *Pipeline) announce(ctx context.Context, rec *store.ApprovalRequest, msg *notify.Message, start time.Time, action string) {
	messageID, err := p.notifier.PostApproval(ctx, msg)
	if err != nil {
		p.logger.Error("approval notification failed", "request_id", rec.RequestID, "error", err)
		p.audit(start, rec.RequestID, rec.Source, action, "notify_failed", err.Error())
		return
	}
	if err := p.store.SetRequestMessageID(rec.RequestID, messageID); err != nil {
		p.logger.Error("set message id failed", "request_id", rec.RequestID, "error", err)
	}
	p.audit(start, rec.RequestID, rec.Source, action, "pending_approval", "")
}

// tryGrants scans the caller's active grants for an authorized entry.
func (p *Pipeline) tryGrants(ctx context.Context, rec *store.ApprovalRequest, cmd *command.Command, account *store.Account, in SubmitInput, start time.Time) *Decision {
	sessions, err := p.store.ListActiveGrantSessions(in.TrustScope, rec.AccountID)
	if err != nil {
		return nil
	}
	for _, g := range sessions {
		sess, entry, err := p.grants.Match(g.GrantID, cmd.Raw)
		if err != nil {
			continue
		}
		if err := p.grants.Consume(sess, entry); err != nil {
			continue
		}
		d, err := p.executeAndPersist(ctx, rec, cmd, account, start, store.StatusGrantAutoApproved, StatusGrantAutoApproved)
		if err != nil {
			return nil
		}
		return d
	}
	return nil
}

// executeAndPersist runs the command synchronously and stores the completed
// record with its result sub-status.
func (p *Pipeline) executeAndPersist(ctx context.Context, rec *store.ApprovalRequest, cmd *command.Command, account *store.Account, start time.Time, recordStatus, responseStatus string) (*Decision, error) {
	res, runErr := p.runCommand(ctx, rec.RequestID, cmd, account)

	rec.Status = recordStatus
	rec.Result = resultText(res, runErr)
	if res != nil {
		code := res.ExitCode
		ms := res.Duration.Milliseconds()
		rec.ExitCode = &code
		rec.ExecutionMS = &ms
	}
	rec.DecisionType = subStatus(res, runErr)
	p.persist(rec, start, rec.DecisionType)

	return &Decision{
		Status:         responseStatus,
		RequestID:      rec.RequestID,
		DisplaySummary: rec.DisplaySummary,
		Result:         paging.Truncate(rec.Result, p.cfg.ResultTruncate),
		ExitCode:       rec.ExitCode,
	}, nil
}

// runCommand obtains invocation credentials when the target account has a
// role and executes argv.
func (p *Pipeline) runCommand(ctx context.Context, requestID string, cmd *command.Command, account *store.Account) (*executor.Result, error) {
	var c executor.Credentials
	if p.creds != nil && account != nil && account.RoleARN != "" {
		assumed, err := p.creds.Assume(ctx, account.RoleARN, requestID)
		if err != nil {
			return nil, fmt.Errorf("obtain credentials: %w", err)
		}
		c = assumed
	}
	return p.exec.Execute(ctx, cmd, c)
}

func (p *Pipeline) resolveAccount(accountID string) *store.Account {
	var (
		a   *store.Account
		err error
	)
	if accountID != "" {
		a, err = p.store.GetAccount(accountID)
	} else {
		a, err = p.store.GetDefaultAccount()
	}
	if err != nil {
		return nil
	}
	return a
}

// persist writes the record and its audit entry. Terminal decisions that
// fail to persist are logged; the decision already happened.
func (p *Pipeline) persist(rec *store.ApprovalRequest, start time.Time, outcome string) {
	if err := p.store.PutRequest(rec); err != nil {
		p.logger.Error("persist decision failed", "request_id", rec.RequestID, "error", err)
	}
	p.audit(start, rec.RequestID, rec.Source, "submit", outcome, "")
}

func (p *Pipeline) audit(start time.Time, requestID, source, action, outcome, detail string) {
	entry := &store.AuditEntry{
		RequestID: requestID,
		Source:    source,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
		LatencyMS: p.now().Sub(start).Milliseconds(),
	}
	if err := p.store.AppendAudit(entry); err != nil {
		p.logger.Error("audit append failed", "action", action, "error", err)
	}
}

// approvalMessage builds the notification for a pending command request.
func (p *Pipeline) approvalMessage(rec *store.ApprovalRequest, dangerous bool, account *store.Account) *notify.Message {
	m := &notify.Message{
		Source:    rec.Source,
		Reason:    rec.Reason,
		AccountID: rec.AccountID,
		Summary:   rec.Command,
		RequestID: rec.RequestID,
		ExpiresAt: rec.ExpiresAt,
	}
	if account != nil {
		m.AccountName = account.Name
	}
	if dangerous {
		m.Title = ":rotating_light: Dangerous command needs confirmation"
		m.Buttons = []notify.Button{
			{Label: "Confirm", Value: notify.EncodeCallback(notify.DangerousConfirm, rec.RequestID), Style: "danger"},
			{Label: "Deny", Value: notify.EncodeCallback(notify.CmdDeny, rec.RequestID)},
		}
		return m
	}
	trustLabel := fmt.Sprintf("Approve + trust %d min", int(p.cfg.TrustTTL/time.Minute))
	m.Title = ":lock: Command approval needed"
	m.Buttons = []notify.Button{
		{Label: "Approve", Value: notify.EncodeCallback(notify.CmdApprove, rec.RequestID), Style: "primary"},
		{Label: trustLabel, Value: notify.EncodeCallback(notify.CmdApproveTrust, rec.RequestID)},
		{Label: "Deny", Value: notify.EncodeCallback(notify.CmdDeny, rec.RequestID), Style: "danger"},
	}
	return m
}

// decisionFromRecord projects an existing record back to the agent, used
// for idempotent replays.
func decisionFromRecord(r *store.ApprovalRequest) *Decision {
	d := &Decision{
		RequestID:      r.RequestID,
		DisplaySummary: r.DisplaySummary,
		ExitCode:       r.ExitCode,
	}
	switch r.Status {
	case store.StatusPending:
		d.Status = StatusPendingApproval
		d.ExpiresAt = r.ExpiresAt
	case store.StatusBlocked:
		d.Status = StatusBlocked
		d.BlockReason = r.Result
	case store.StatusRateLimited:
		d.Status = StatusRateLimited
		d.BlockReason = r.Result
	case store.StatusComplianceRejected:
		d.Status = StatusComplianceRejected
	case store.StatusAutoApproved:
		d.Status = StatusAutoApproved
		d.Result = r.Result
	case store.StatusTrustAutoApproved:
		d.Status = StatusTrustAutoApproved
		d.Result = r.Result
	case store.StatusGrantAutoApproved:
		d.Status = StatusGrantAutoApproved
		d.Result = r.Result
	default:
		d.Status = r.Status
		d.Result = r.Result
	}
	return d
}

// summarize caps the display summary at one short line.
func summarize(normalized string) string {
	const max = 100
	if len(normalized) <= max {
		return normalized
	}
	return normalized[:max-3] + "..."
}

func marshalFindings(findings []compliance.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	b, err := json.Marshal(findings)
	if err != nil {
		return ""
	}
	return string(b)
}

func findingsReason(findings []compliance.Finding) string {
	var parts []string
	for _, f := range findings {
		parts = append(parts, f.RuleID+": "+f.Reason)
	}
	return strings.Join(parts, "; ")
}

// resultText picks the text stored as the execution result.
func resultText(res *executor.Result, err error) string {
	if err != nil {
		if res != nil && res.Stderr != "" {
			return res.Stderr
		}
		return err.Error()
	}
	if res.ExitCode != 0 && res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}

// subStatus is the result sub-status carried on auto-approved records.
func subStatus(res *executor.Result, err error) string {
	if err != nil || res == nil || res.ExitCode != 0 {
		return store.StatusExecutedError
	}
	return store.StatusExecutedOK
}
