package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/deploy"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/upload"
)

// StatusConflict is the deploy response when a rollout is already running.
const StatusConflict = "conflict"

// Deployer is the orchestrator surface the pipeline uses.
type Deployer interface {
	Preview(ctx context.Context, projectID, branch string) (*deploy.Deployment, error)
	Trigger(ctx context.Context, projectID, branch, reason string) (*deploy.Deployment, error)
}

// Uploader issues presigned staging URLs.
type Uploader interface {
	Presign(ctx context.Context, f upload.File, expiresIn time.Duration) (*upload.Presigned, error)
	PresignBatch(ctx context.Context, files []upload.File, expiresIn time.Duration) (string, []upload.Presigned, error)
}

// SetDeployer and SetUploader wire the optional collaborators.
func (p *Pipeline) SetDeployer(d Deployer) { p.deployer = d }
func (p *Pipeline) SetUploader(u Uploader) { p.uploader = u }

// UploadInput asks for approval to stage files.
type UploadInput struct {
	Files      []upload.File
	Reason     string
	Source     string
	TrustScope string
	AccountID  string
	ExpiresIn  time.Duration
}

// SubmitUpload mirrors command approval for staged uploads. Single files
// can spend trust budget; batches always go to a human.
func (p *Pipeline) SubmitUpload(ctx context.Context, in UploadInput) (*Decision, error) {
	start := p.now()
	if p.uploader == nil {
		return nil, errors.New("uploads not configured")
	}
	if len(in.Files) == 0 {
		return nil, errors.New("no files")
	}

	kind := store.KindUpload
	if len(in.Files) > 1 {
		kind = store.KindUploadBatch
	}
	rec := &store.ApprovalRequest{
		RequestID:      "req-" + uuid.NewString(),
		Kind:           kind,
		DisplaySummary: uploadSummary(in.Files),
		Source:         in.Source,
		TrustScope:     in.TrustScope,
		AccountID:      in.AccountID,
		Reason:         in.Reason,
		Files:          marshalFiles(in.Files),
		CreatedAt:      start,
		UpdatedAt:      start,
		ExpiresAt:      start.Add(p.cfg.ApprovalExpiry),
	}

	if rl := p.limiter.Allow(in.Source); !rl.Allowed {
		rec.Status = store.StatusRateLimited
		rec.Result = rl.Reason
		p.persist(rec, start, "rate_limited")
		return &Decision{
			Status: StatusRateLimited, RequestID: rec.RequestID,
			DisplaySummary: rec.DisplaySummary, BlockReason: rl.Reason, RetryAfter: rl.RetryAfter,
		}, nil
	}

	if len(in.Files) == 1 && in.TrustScope != "" {
		if _, ok := p.trust.ConsumeUpload(in.TrustScope, in.AccountID, in.Files[0].Size); ok {
			presigned, err := p.uploader.Presign(ctx, in.Files[0], in.ExpiresIn)
			if err != nil {
				return nil, err
			}
			rec.Status = store.StatusTrustAutoApproved
			rec.Result = marshalPresigned([]upload.Presigned{*presigned})
			rec.DecisionType = store.StatusExecutedOK
			p.persist(rec, start, "trust_auto_approved")
			return &Decision{
				Status: StatusTrustAutoApproved, RequestID: rec.RequestID,
				DisplaySummary: rec.DisplaySummary, Result: rec.Result,
			}, nil
		}
	}

	rec.Status = store.StatusPending
	if err := p.store.PutRequest(rec); err != nil {
		return nil, fmt.Errorf("%w: persist request: %v", ErrInternal, err)
	}

	p.announce(ctx, rec, p.uploadMessage(rec, len(in.Files) > 1), start, "upload")
	return &Decision{
		Status: StatusPendingApproval, RequestID: rec.RequestID,
		DisplaySummary: rec.DisplaySummary, ExpiresAt: rec.ExpiresAt,
	}, nil
}

// PresignInput asks for staging URLs outright.
type PresignInput struct {
	Files     []upload.File
	Source    string
	AccountID string
	ExpiresIn time.Duration
}

// PresignResult carries the issued URLs. BatchID is set only for batches.
type PresignResult struct {
	BatchID string
	URLs    []upload.Presigned
}

// Presign issues staging URLs with no approval step. Nothing executes and
// the staging bucket is quarantined, so the facility only rate-limits,
// audits, and drops a silent note in the channel.
func (p *Pipeline) Presign(ctx context.Context, in PresignInput) (*Decision, *PresignResult, error) {
	start := p.now()
	if p.uploader == nil {
		return nil, nil, errors.New("uploads not configured")
	}
	if len(in.Files) == 0 {
		return nil, nil, errors.New("no files")
	}

	rec := &store.ApprovalRequest{
		RequestID:      "req-" + uuid.NewString(),
		Kind:           store.KindPresignDirect,
		DisplaySummary: "presign " + strings.TrimPrefix(uploadSummary(in.Files), "upload "),
		Source:         in.Source,
		AccountID:      in.AccountID,
		Files:          marshalFiles(in.Files),
		CreatedAt:      start,
		UpdatedAt:      start,
		ExpiresAt:      start.Add(in.ExpiresIn),
	}

	if rl := p.limiter.Allow(in.Source); !rl.Allowed {
		rec.Status = store.StatusRateLimited
		rec.Result = rl.Reason
		if err := p.store.PutRequest(rec); err != nil {
			p.logger.Error("persist decision failed", "request_id", rec.RequestID, "error", err)
		}
		p.audit(start, rec.RequestID, in.Source, "presign", "rate_limited", "")
		return &Decision{
			Status: StatusRateLimited, RequestID: rec.RequestID,
			DisplaySummary: rec.DisplaySummary, BlockReason: rl.Reason, RetryAfter: rl.RetryAfter,
		}, nil, nil
	}

	var (
		batchID string
		urls    []upload.Presigned
	)
	if len(in.Files) == 1 {
		pr, err := p.uploader.Presign(ctx, in.Files[0], in.ExpiresIn)
		if err != nil {
			p.audit(start, rec.RequestID, in.Source, "presign", "rejected", err.Error())
			return nil, nil, err
		}
		urls = []upload.Presigned{*pr}
	} else {
		var err error
		batchID, urls, err = p.uploader.PresignBatch(ctx, in.Files, in.ExpiresIn)
		if err != nil {
			p.audit(start, rec.RequestID, in.Source, "presign", "rejected", err.Error())
			return nil, nil, err
		}
	}

	rec.Status = store.StatusAutoApproved
	rec.Result = marshalPresigned(urls)
	if err := p.store.PutRequest(rec); err != nil {
		return nil, nil, fmt.Errorf("%w: persist request: %v", ErrInternal, err)
	}
	p.audit(start, rec.RequestID, in.Source, "presign", "issued", "")

	note := fmt.Sprintf(":paperclip: %s staged %s", notify.Escape(in.Source), notify.Escape(rec.DisplaySummary))
	if err := p.notifier.PostText(ctx, note); err != nil {
		p.logger.Error("presign note failed", "request_id", rec.RequestID, "error", err)
	}

	return &Decision{
		Status: StatusAutoApproved, RequestID: rec.RequestID,
		DisplaySummary: rec.DisplaySummary,
	}, &PresignResult{BatchID: batchID, URLs: urls}, nil
}

// DeployInfo is the deploy-specific slice of a decision.
type DeployInfo struct {
	CommitSHA          string `json:"commit_sha,omitempty"`
	CommitShort        string `json:"commit_short,omitempty"`
	CommitMessage      string `json:"commit_message,omitempty"`
	RunningDeployID    string `json:"running_deploy_id,omitempty"`
	StartedAt          string `json:"started_at,omitempty"`
	EstimatedRemaining string `json:"estimated_remaining,omitempty"`
}

// DeployInput asks for approval to roll out a project. Template carries the
// infrastructure template payload when the rollout ships one.
type DeployInput struct {
	ProjectID string
	Branch    string
	Reason    string
	Source    string
	Template  []byte
}

// SubmitDeploy scans any attached template, previews the rollout, and parks
// it pending approval. A rollout already in flight short-circuits to a
// conflict.
func (p *Pipeline) SubmitDeploy(ctx context.Context, in DeployInput) (*Decision, *DeployInfo, error) {
	start := p.now()
	if p.deployer == nil {
		return nil, nil, errors.New("deploys not configured")
	}

	var findings string
	if len(in.Template) > 0 {
		comp := p.checker.CheckTemplate(in.Template)
		findings = marshalFindings(comp.Findings)
		if comp.Critical() {
			reason := findingsReason(comp.Findings)
			p.audit(start, "", in.Source, "deploy", "compliance_rejected", reason)
			return &Decision{
				Status:      StatusComplianceRejected,
				BlockReason: reason,
			}, nil, nil
		}
	}

	preview, err := p.deployer.Preview(ctx, in.ProjectID, in.Branch)
	if err != nil {
		var conflict *deploy.ConflictError
		if errors.As(err, &conflict) {
			p.audit(start, "", in.Source, "deploy", "conflict", conflict.RunningDeployID)
			return &Decision{Status: StatusConflict, BlockReason: conflict.Error()}, &DeployInfo{
				RunningDeployID:    conflict.RunningDeployID,
				StartedAt:          conflict.StartedAt,
				EstimatedRemaining: conflict.EstimatedRemaining,
			}, nil
		}
		return nil, nil, err
	}

	summary := fmt.Sprintf("deploy %s @ %s", in.ProjectID, preview.CommitShort)
	rec := &store.ApprovalRequest{
		RequestID:          "req-" + uuid.NewString(),
		Kind:               store.KindDeploy,
		Status:             store.StatusPending,
		DisplaySummary:     summary,
		Source:             in.Source,
		Reason:             in.Reason,
		ProjectID:          in.ProjectID,
		Command:            in.Branch,
		ComplianceFindings: findings,
		CreatedAt:          start,
		UpdatedAt:          start,
		ExpiresAt:          start.Add(p.cfg.ApprovalExpiry),
	}
	if err := p.store.PutRequest(rec); err != nil {
		return nil, nil, fmt.Errorf("%w: persist request: %v", ErrInternal, err)
	}

	msg := &notify.Message{
		Title:     ":rocket: Deploy approval needed",
		Source:    rec.Source,
		Reason:    rec.Reason,
		Summary:   fmt.Sprintf("%s\n%s %s", summary, preview.CommitShort, preview.CommitMessage),
		RequestID: rec.RequestID,
		ExpiresAt: rec.ExpiresAt,
		Buttons: []notify.Button{
			{Label: "Deploy", Value: notify.EncodeCallback(notify.DeployApprove, rec.RequestID), Style: "primary"},
			{Label: "Deny", Value: notify.EncodeCallback(notify.DeployDeny, rec.RequestID), Style: "danger"},
		},
	}
	p.announce(ctx, rec, msg, start, "deploy")
	return &Decision{
			Status: StatusPendingApproval, RequestID: rec.RequestID,
			DisplaySummary: summary, ExpiresAt: rec.ExpiresAt,
		}, &DeployInfo{
			CommitSHA:     preview.CommitSHA,
			CommitShort:   preview.CommitShort,
			CommitMessage: preview.CommitMessage,
		}, nil
}

// AccountOpInput asks to add or remove a target account.
type AccountOpInput struct {
	Remove  bool
	Account store.Account
	Reason  string
	Source  string
}

// SubmitAccountOp parks an account change behind approval.
func (p *Pipeline) SubmitAccountOp(ctx context.Context, in AccountOpInput) (*Decision, error) {
	start := p.now()
	kind := store.KindAddAccount
	title := ":new: Account add approval needed"
	approveKind, denyKind := notify.AccountAddApprove, notify.AccountAddDeny
	if in.Remove {
		kind = store.KindRemoveAccount
		title = ":wastebasket: Account removal approval needed"
		approveKind, denyKind = notify.AccountRemoveApprove, notify.AccountRemoveDeny
	} else if err := store.ValidateAccount(&in.Account); err != nil {
		return nil, err
	}

	spec, err := json.Marshal(in.Account)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("%s account %s (%s)", map[bool]string{false: "add", true: "remove"}[in.Remove],
		in.Account.AccountID, in.Account.Name)
	rec := &store.ApprovalRequest{
		RequestID:      "req-" + uuid.NewString(),
		Kind:           kind,
		Status:         store.StatusPending,
		DisplaySummary: summary,
		Source:         in.Source,
		Reason:         in.Reason,
		AccountID:      in.Account.AccountID,
		AccountSpec:    string(spec),
		CreatedAt:      start,
		UpdatedAt:      start,
		ExpiresAt:      start.Add(p.cfg.ApprovalExpiry),
	}
	if err := p.store.PutRequest(rec); err != nil {
		return nil, fmt.Errorf("%w: persist request: %v", ErrInternal, err)
	}

	msg := &notify.Message{
		Title:     title,
		Source:    rec.Source,
		Reason:    rec.Reason,
		AccountID: in.Account.AccountID,
		Summary:   summary,
		RequestID: rec.RequestID,
		ExpiresAt: rec.ExpiresAt,
		Buttons: []notify.Button{
			{Label: "Approve", Value: notify.EncodeCallback(approveKind, rec.RequestID), Style: "primary"},
			{Label: "Deny", Value: notify.EncodeCallback(denyKind, rec.RequestID), Style: "danger"},
		},
	}
	p.announce(ctx, rec, msg, start, "account_op")
	return &Decision{
		Status: StatusPendingApproval, RequestID: rec.RequestID,
		DisplaySummary: summary, ExpiresAt: rec.ExpiresAt,
	}, nil
}

// SubmitGrant pre-classifies a grant request and notifies the approver with
// per-bucket counts. The grant session carries its own lifecycle; no
// approval record is written.
func (p *Pipeline) SubmitGrant(ctx context.Context, req grant.Request) (*store.GrantSession, []store.GrantCommand, error) {
	start := p.now()
	g, cmds, err := p.grants.Create(req)
	if err != nil {
		p.audit(start, "", req.Source, "grant_request", "rejected", err.Error())
		return nil, nil, err
	}

	var grantable, individual int
	var lines []string
	for _, c := range cmds {
		if c.Bucket == store.BucketGrantable {
			grantable++
		} else {
			individual++
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", c.Bucket, c.Entry))
	}

	msg := &notify.Message{
		Title:     ":ticket: Grant approval needed",
		Source:    req.Source,
		Reason:    req.Reason,
		AccountID: req.AccountID,
		Summary:   strings.Join(lines, "\n"),
		RequestID: g.GrantID,
		Buttons: []notify.Button{
			{Label: fmt.Sprintf("Approve all (%d)", len(cmds)), Value: notify.EncodeCallback(notify.GrantApproveAll, g.GrantID), Style: "primary"},
			{Label: fmt.Sprintf("Approve safe only (%d)", grantable), Value: notify.EncodeCallback(notify.GrantApproveSafe, g.GrantID)},
			{Label: "Deny", Value: notify.EncodeCallback(notify.GrantDeny, g.GrantID), Style: "danger"},
		},
	}
	if _, err := p.notifier.PostApproval(ctx, msg); err != nil {
		// The grant stays pending; the approver can still act on it from
		// the status surface.
		p.logger.Error("grant notification failed", "grant_id", g.GrantID, "error", err)
	}
	p.audit(start, g.GrantID, req.Source, "grant_request", "pending_approval",
		fmt.Sprintf("grantable=%d requires_individual=%d", grantable, individual))
	return g, cmds, nil
}

// ExecuteGrant runs a command against one specific grant. Compliance is
// re-checked fail-closed at execution time; the entry and execution budgets
// are consumed before anything runs.
func (p *Pipeline) ExecuteGrant(ctx context.Context, grantID string, in SubmitInput) (*Decision, error) {
	start := p.now()
	cmd, err := command.Parse(in.Command, p.cfg.CLIVerb)
	if err != nil {
		p.audit(start, "", in.Source, "grant_execute", "parse_error", err.Error())
		return nil, err
	}

	account := p.resolveAccount(in.AccountID)
	accountID := in.AccountID
	if account != nil {
		accountID = account.AccountID
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
	}

	comp := p.checker.CheckCommand(cmd.Normalized)
	rec.ComplianceFindings = marshalFindings(comp.Findings)
	if comp.HighOrWorse() || comp.ForceManual {
		rec.Status = store.StatusComplianceRejected
		p.persist(rec, start, "compliance_rejected")
		return &Decision{
			Status:         StatusComplianceRejected,
			RequestID:      rec.RequestID,
			DisplaySummary: rec.DisplaySummary,
			BlockReason:    findingsReason(comp.Findings),
		}, nil
	}

	sess, entry, err := p.grants.Match(grantID, cmd.Raw)
	if err != nil {
		p.audit(start, "", in.Source, "grant_execute", "no_match", err.Error())
		return nil, err
	}
	if err := p.grants.Consume(sess, entry); err != nil {
		p.audit(start, "", in.Source, "grant_execute", "budget_exhausted", err.Error())
		return nil, err
	}
	return p.executeAndPersist(ctx, rec, cmd, account, start, store.StatusGrantAutoApproved, StatusGrantAutoApproved)
}

func uploadSummary(files []upload.File) string {
	if len(files) == 1 {
		return fmt.Sprintf("upload %s (%d bytes)", files[0].Name, files[0].Size)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return fmt.Sprintf("upload %d files (%d bytes)", len(files), total)
}

func marshalFiles(files []upload.File) string {
	b, err := json.Marshal(files)
	if err != nil {
		return ""
	}
	return string(b)
}

func marshalPresigned(urls []upload.Presigned) string {
	b, err := json.Marshal(urls)
	if err != nil {
		return ""
	}
	return string(b)
}

func (p *Pipeline) uploadMessage(rec *store.ApprovalRequest, batch bool) *notify.Message {
	approve, approveTrust, deny := notify.UploadApprove, notify.UploadApproveTrust, notify.UploadDeny
	if batch {
		approve, approveTrust, deny = notify.UploadBatchApprove, notify.UploadBatchApproveTrust, notify.UploadBatchDeny
	}
	return &notify.Message{
		Title:     ":inbox_tray: Upload approval needed",
		Source:    rec.Source,
		Reason:    rec.Reason,
		AccountID: rec.AccountID,
		Summary:   rec.DisplaySummary,
		RequestID: rec.RequestID,
		ExpiresAt: rec.ExpiresAt,
		Buttons: []notify.Button{
			{Label: "Approve", Value: notify.EncodeCallback(approve, rec.RequestID), Style: "primary"},
			{Label: "Approve + trust", Value: notify.EncodeCallback(approveTrust, rec.RequestID)},
			{Label: "Deny", Value: notify.EncodeCallback(deny, rec.RequestID), Style: "danger"},
		},
	}
}
