// Package dispatch interprets approver callbacks and applies the resulting
// transitions. It is the only component that parses inbound callback tokens
// and the only mutator of pending approval records.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/clawdbot/bouncer/internal/deploy"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/pipeline"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
	"github.com/clawdbot/bouncer/internal/upload"
)

// Reply is the single callback answer every dispatch path produces.
type Reply struct {
	Text string
}

// Config bounds dispatcher behavior.
type Config struct {
	// Approvers is the fixed whitelist of chat identities allowed to act.
	Approvers []string
	// TrustTTL is the session length opened by approve-with-trust.
	TrustTTL time.Duration
	// UploadExpiry is the presign lifetime for approved uploads.
	UploadExpiry time.Duration
}

// Deps carries the dispatcher collaborators.
type Deps struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Trust    *trust.Manager
	Grants   *grant.Manager
	Notifier notify.Notifier
	Uploader pipeline.Uploader
	Deployer pipeline.Deployer
	Logger   *log.Logger
}

// Dispatcher routes decoded callbacks to their transitions.
type Dispatcher struct {
	cfg       Config
	approvers map[string]bool
	store     *store.Store
	pipe      *pipeline.Pipeline
	trust     *trust.Manager
	grants    *grant.Manager
	notifier  notify.Notifier
	uploader  pipeline.Uploader
	deployer  pipeline.Deployer
	logger    *log.Logger
	now       func() time.Time
}

// New assembles a dispatcher.
func New(cfg Config, d Deps) *Dispatcher {
	approvers := make(map[string]bool, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		approvers[a] = true
	}
	return &Dispatcher{
		cfg:       cfg,
		approvers: approvers,
		store:     d.Store,
		pipe:      d.Pipeline,
		trust:     d.Trust,
		grants:    d.Grants,
		notifier:  d.Notifier,
		uploader:  d.Uploader,
		deployer:  d.Deployer,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// SetClock overrides the clock. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Handle decodes one callback token and applies it. It always returns
// exactly one reply; internal failures surface as a toast, never a panic
// or a silent drop.
func (d *Dispatcher) Handle(ctx context.Context, value, approverID string) Reply {
	start := d.now()
	kind, id, err := notify.DecodeCallback(value)
	if err != nil {
		return Reply{Text: "Malformed action."}
	}
	if !d.approvers[approverID] {
		d.audit(start, id, approverID, kind, "not_authorized")
		return Reply{Text: "You are not authorized to act on approvals."}
	}

	switch kind {
	case notify.TrustRevoke:
		return d.revokeTrust(start, id, approverID)
	case notify.GrantRevoke:
		return d.revokeGrant(start, id, approverID)
	case notify.GrantApproveAll, notify.GrantApproveSafe, notify.GrantDeny:
		return d.decideGrant(start, kind, id, approverID)
	}
	return d.decideRequest(ctx, start, kind, id, approverID)
}

func (d *Dispatcher) revokeTrust(start time.Time, trustID, approverID string) Reply {
	if err := d.trust.Revoke(trustID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return Reply{Text: "Already handled."}
		}
		d.logger.Error("trust revoke failed", "trust_id", trustID, "error", err)
		return Reply{Text: "Revoke failed, try again."}
	}
	d.audit(start, trustID, approverID, notify.TrustRevoke, "revoked")
	return Reply{Text: "Trust session revoked."}
}

func (d *Dispatcher) revokeGrant(start time.Time, grantID, approverID string) Reply {
	if err := d.grants.Revoke(grantID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return Reply{Text: "Already handled."}
		}
		d.logger.Error("grant revoke failed", "grant_id", grantID, "error", err)
		return Reply{Text: "Revoke failed, try again."}
	}
	d.audit(start, grantID, approverID, notify.GrantRevoke, "revoked")
	return Reply{Text: "Grant revoked."}
}

func (d *Dispatcher) decideGrant(start time.Time, kind, grantID, approverID string) Reply {
	var err error
	var outcome, toast string
	switch kind {
	case notify.GrantApproveAll:
		err = d.grants.Approve(grantID, false)
		outcome, toast = "approved_all", "Grant approved."
	case notify.GrantApproveSafe:
		err = d.grants.Approve(grantID, true)
		outcome, toast = "approved_safe", "Grant approved for safe entries only."
	case notify.GrantDeny:
		err = d.grants.Deny(grantID)
		outcome, toast = "denied", "Grant denied."
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return Reply{Text: "Already handled."}
		}
		d.logger.Error("grant decision failed", "grant_id", grantID, "kind", kind, "error", err)
		return Reply{Text: "Decision failed, try again."}
	}
	d.audit(start, grantID, approverID, kind, outcome)
	return Reply{Text: toast}
}

// decideRequest handles every request-targeted kind: look up, expire or
// claim the pending record, then run the kind-specific action.
func (d *Dispatcher) decideRequest(ctx context.Context, start time.Time, kind, requestID, approverID string) Reply {
	rec, err := d.store.GetRequest(requestID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{Text: "Unknown request."}
	}
	if err != nil {
		d.logger.Error("request lookup failed", "request_id", requestID, "error", err)
		return Reply{Text: "Lookup failed, try again."}
	}
	if rec.Status != store.StatusPending {
		// Leave the original message as the record of what happened.
		return Reply{Text: "Already handled."}
	}
	if rec.Expired(d.now()) {
		if err := d.store.TransitionRequest(requestID, store.StatusPending, store.RequestPatch{
			Status: store.StatusExpired,
		}); err == nil {
			d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":hourglass: `%s` expired before a decision was made", rec.DisplaySummary))
			d.audit(start, requestID, approverID, kind, "expired")
		}
		return Reply{Text: "This request has expired."}
	}
	if !kindAllowed(kind, rec.Kind) {
		return Reply{Text: "That action does not apply to this request."}
	}

	if denyKind(kind) {
		decision := kind
		if err := d.store.TransitionRequest(requestID, store.StatusPending, store.RequestPatch{
			Status:       store.StatusDenied,
			ApproverID:   &approverID,
			DecisionType: &decision,
		}); err != nil {
			return Reply{Text: "Already handled."}
		}
		d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":no_entry_sign: `%s` denied by <@%s>", rec.DisplaySummary, approverID))
		d.audit(start, requestID, approverID, kind, "denied")
		return Reply{Text: "Denied."}
	}

	// Claim the record before doing any work so a concurrent decision on
	// the same message resolves to exactly one winner.
	decision := kind
	if err := d.store.TransitionRequest(requestID, store.StatusPending, store.RequestPatch{
		Status:       store.StatusApproved,
		ApproverID:   &approverID,
		DecisionType: &decision,
	}); err != nil {
		return Reply{Text: "Already handled."}
	}

	switch kind {
	case notify.CmdApprove, notify.DangerousConfirm:
		return d.runApproved(ctx, start, rec, approverID, kind, false)
	case notify.CmdApproveTrust:
		return d.runApproved(ctx, start, rec, approverID, kind, true)
	case notify.UploadApprove, notify.UploadBatchApprove:
		return d.approveUpload(ctx, start, rec, approverID, kind, false)
	case notify.UploadApproveTrust, notify.UploadBatchApproveTrust:
		return d.approveUpload(ctx, start, rec, approverID, kind, true)
	case notify.DeployApprove:
		return d.approveDeploy(ctx, start, rec, approverID)
	case notify.AccountAddApprove, notify.AccountRemoveApprove:
		return d.approveAccountOp(ctx, start, rec, approverID, kind)
	}
	return Reply{Text: "Unsupported action."}
}

// runApproved executes the approved command and, for the trust variant,
// opens a session and drains the scope's backlog.
func (d *Dispatcher) runApproved(ctx context.Context, start time.Time, rec *store.ApprovalRequest, approverID, kind string, withTrust bool) Reply {
	final, err := d.pipe.ExecuteApproved(ctx, rec)
	if err != nil {
		d.logger.Error("approved execution failed", "request_id", rec.RequestID, "error", err)
		d.audit(start, rec.RequestID, approverID, kind, "execute_failed")
		return Reply{Text: "Approved, but execution failed. See the message for details."}
	}
	d.audit(start, rec.RequestID, approverID, kind, final.Status)

	if !withTrust {
		return Reply{Text: "Approved and executed."}
	}
	if _, err := d.trust.Begin(rec.TrustScope, rec.AccountID, d.cfg.TrustTTL); err != nil {
		d.logger.Error("trust begin failed", "trust_scope", rec.TrustScope, "error", err)
		return Reply{Text: "Approved and executed; trust session could not be opened."}
	}
	drained := d.pipe.Drain(ctx, rec.TrustScope, rec.AccountID)
	if drained > 0 {
		return Reply{Text: fmt.Sprintf("Approved. Trust open for %d min; drained %d queued requests.",
			int(d.cfg.TrustTTL/time.Minute), drained)}
	}
	return Reply{Text: fmt.Sprintf("Approved. Trust open for %d min.", int(d.cfg.TrustTTL/time.Minute))}
}

// approveUpload issues the presigned URLs the agent asked for and stores
// them as the request result.
func (d *Dispatcher) approveUpload(ctx context.Context, start time.Time, rec *store.ApprovalRequest, approverID, kind string, withTrust bool) Reply {
	var files []upload.File
	if err := json.Unmarshal([]byte(rec.Files), &files); err != nil || len(files) == 0 {
		d.failApproved(ctx, rec, "stored file list unreadable")
		return Reply{Text: "Approved, but the file list could not be read."}
	}

	var presigned []upload.Presigned
	var err error
	if rec.Kind == store.KindUploadBatch {
		_, presigned, err = d.uploader.PresignBatch(ctx, files, d.cfg.UploadExpiry)
	} else {
		var one *upload.Presigned
		one, err = d.uploader.Presign(ctx, files[0], d.cfg.UploadExpiry)
		if one != nil {
			presigned = []upload.Presigned{*one}
		}
	}
	if err != nil {
		d.failApproved(ctx, rec, err.Error())
		d.audit(start, rec.RequestID, approverID, kind, "presign_failed")
		return Reply{Text: "Approved, but presigning failed."}
	}

	body, merr := json.Marshal(presigned)
	if merr != nil {
		body = []byte("[]")
	}
	result := string(body)
	if err := d.store.TransitionRequest(rec.RequestID, store.StatusApproved, store.RequestPatch{
		Status: store.StatusExecutedOK,
		Result: &result,
	}); err != nil {
		d.logger.Error("record upload result failed", "request_id", rec.RequestID, "error", err)
	}
	d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":white_check_mark: `%s` approved by <@%s>, %d upload URL(s) issued",
		rec.DisplaySummary, approverID, len(presigned)))
	d.audit(start, rec.RequestID, approverID, kind, "executed_ok")

	if withTrust {
		if _, err := d.trust.Begin(rec.TrustScope, rec.AccountID, d.cfg.TrustTTL); err != nil {
			d.logger.Error("trust begin failed", "trust_scope", rec.TrustScope, "error", err)
			return Reply{Text: "Upload approved; trust session could not be opened."}
		}
		return Reply{Text: fmt.Sprintf("Upload approved. Trust open for %d min.", int(d.cfg.TrustTTL/time.Minute))}
	}
	return Reply{Text: "Upload approved."}
}

// approveDeploy triggers the rollout. A 409 from the deployer lands as an
// executed_error carrying the running deploy's details.
func (d *Dispatcher) approveDeploy(ctx context.Context, start time.Time, rec *store.ApprovalRequest, approverID string) Reply {
	dep, err := d.deployer.Trigger(ctx, rec.ProjectID, rec.Command, rec.Reason)
	if err != nil {
		var conflict *deploy.ConflictError
		if errors.As(err, &conflict) {
			d.failApproved(ctx, rec, conflict.Error())
			d.audit(start, rec.RequestID, approverID, notify.DeployApprove, "conflict")
			return Reply{Text: "A deploy is already running: " + conflict.RunningDeployID}
		}
		d.failApproved(ctx, rec, err.Error())
		d.audit(start, rec.RequestID, approverID, notify.DeployApprove, "trigger_failed")
		return Reply{Text: "Approved, but the deploy could not be started."}
	}

	result := fmt.Sprintf("deploy %s started (%s %s)", dep.DeployID, dep.CommitShort, dep.CommitMessage)
	if err := d.store.TransitionRequest(rec.RequestID, store.StatusApproved, store.RequestPatch{
		Status: store.StatusExecutedOK,
		Result: &result,
	}); err != nil {
		d.logger.Error("record deploy result failed", "request_id", rec.RequestID, "error", err)
	}
	d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":rocket: `%s` approved by <@%s>\n%s",
		rec.DisplaySummary, approverID, notify.Escape(result)))
	d.audit(start, rec.RequestID, approverID, notify.DeployApprove, "executed_ok")
	return Reply{Text: "Deploy started: " + dep.DeployID}
}

// approveAccountOp applies the stored account spec.
func (d *Dispatcher) approveAccountOp(ctx context.Context, start time.Time, rec *store.ApprovalRequest, approverID, kind string) Reply {
	var err error
	var toast string
	if kind == notify.AccountRemoveApprove {
		err = d.store.RemoveAccount(rec.AccountID)
		toast = "Account removed."
	} else {
		var a store.Account
		if err = json.Unmarshal([]byte(rec.AccountSpec), &a); err == nil {
			err = d.store.PutAccount(&a)
		}
		toast = "Account added."
	}
	if err != nil {
		d.failApproved(ctx, rec, err.Error())
		d.audit(start, rec.RequestID, approverID, kind, "apply_failed")
		return Reply{Text: "Approved, but the account change failed."}
	}

	result := rec.DisplaySummary
	if terr := d.store.TransitionRequest(rec.RequestID, store.StatusApproved, store.RequestPatch{
		Status: store.StatusExecutedOK,
		Result: &result,
	}); terr != nil {
		d.logger.Error("record account op failed", "request_id", rec.RequestID, "error", terr)
	}
	d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":white_check_mark: `%s` approved by <@%s>", rec.DisplaySummary, approverID))
	d.audit(start, rec.RequestID, approverID, kind, "executed_ok")
	return Reply{Text: toast}
}

// failApproved moves an already-claimed record to executed_error with the
// failure detail and updates the message.
func (d *Dispatcher) failApproved(ctx context.Context, rec *store.ApprovalRequest, detail string) {
	if err := d.store.TransitionRequest(rec.RequestID, store.StatusApproved, store.RequestPatch{
		Status: store.StatusExecutedError,
		Result: &detail,
	}); err != nil {
		d.logger.Error("record failure failed", "request_id", rec.RequestID, "error", err)
	}
	d.editMessage(ctx, rec.MessageID, fmt.Sprintf(":x: `%s` failed: %s", rec.DisplaySummary, notify.Escape(detail)))
}

func (d *Dispatcher) editMessage(ctx context.Context, messageID, text string) {
	if messageID == "" {
		return
	}
	if err := d.notifier.UpdateResult(ctx, messageID, text); err != nil {
		d.logger.Error("message edit failed", "message_id", messageID, "error", err)
	}
}

func (d *Dispatcher) audit(start time.Time, targetID, approverID, kind, outcome string) {
	entry := &store.AuditEntry{
		RequestID: targetID,
		Source:    approverID,
		Action:    "callback:" + kind,
		Outcome:   outcome,
		LatencyMS: d.now().Sub(start).Milliseconds(),
	}
	if err := d.store.AppendAudit(entry); err != nil {
		d.logger.Error("audit append failed", "kind", kind, "error", err)
	}
}

func denyKind(kind string) bool {
	switch kind {
	case notify.CmdDeny, notify.UploadDeny, notify.UploadBatchDeny,
		notify.DeployDeny, notify.AccountAddDeny, notify.AccountRemoveDeny:
		return true
	}
	return false
}

// kindAllowed pairs callback kinds with the record kinds they may act on.
func kindAllowed(callbackKind, recordKind string) bool {
	switch callbackKind {
	case notify.CmdApprove, notify.CmdApproveTrust, notify.CmdDeny, notify.DangerousConfirm:
		return recordKind == store.KindExecute
	case notify.UploadApprove, notify.UploadApproveTrust, notify.UploadDeny:
		return recordKind == store.KindUpload
	case notify.UploadBatchApprove, notify.UploadBatchApproveTrust, notify.UploadBatchDeny:
		return recordKind == store.KindUploadBatch
	case notify.DeployApprove, notify.DeployDeny:
		return recordKind == store.KindDeploy
	case notify.AccountAddApprove, notify.AccountAddDeny:
		return recordKind == store.KindAddAccount
	case notify.AccountRemoveApprove, notify.AccountRemoveDeny:
		return recordKind == store.KindRemoveAccount
	}
	return false
}
