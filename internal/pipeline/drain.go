package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/clawdbot/bouncer/internal/classify"
	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/executor"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/paging"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
)

// Drain runs pending commands for a scope after a trust session opens. Each
// record is individually atomic: claim, execute, record. Compliance is
// re-run fail-closed; budget exhaustion stops the batch.
func (p *Pipeline) Drain(ctx context.Context, trustScope, accountID string) int {
	recs, err := p.store.ListPendingForScope(trustScope, accountID, p.cfg.DrainBatch)
	if err != nil {
		p.logger.Error("drain scan failed", "trust_scope", trustScope, "error", err)
		return 0
	}

	drained := 0
	for _, rec := range recs {
		start := p.now()
		cmd, err := command.Parse(rec.Command, p.cfg.CLIVerb)
		if err != nil {
			continue
		}

		comp := p.checker.CheckCommand(cmd.Normalized)
		if comp.Critical() {
			reason := findingsReason(comp.Findings)
			if err := p.store.TransitionRequest(rec.RequestID, store.StatusPending, store.RequestPatch{
				Status: store.StatusComplianceRejected,
				Result: &reason,
			}); err == nil {
				p.editMessage(ctx, rec.MessageID, ":no_entry: Rejected by compliance during trust drain: "+notify.Escape(reason))
				p.audit(start, rec.RequestID, rec.Source, "drain", "compliance_rejected", reason)
			}
			continue
		}
		if comp.HighOrWorse() || comp.ForceManual {
			continue
		}
		// Same gate as the submit path: dangerous commands wait for their
		// explicit confirmation, trust never covers them.
		if dec := p.classifier.Classify(cmd); dec.Class != classify.Approval {
			continue
		}
		if ok, _ := trust.Eligible(cmd); !ok {
			continue
		}

		if _, consumed := p.trust.ConsumeCommand(trustScope, accountID); !consumed {
			break
		}

		// Claim the record before executing so a concurrent approver
		// callback observes "already handled".
		decision := store.StatusTrustAutoApproved
		if err := p.store.TransitionRequest(rec.RequestID, store.StatusPending, store.RequestPatch{
			Status:       store.StatusApproved,
			DecisionType: &decision,
		}); err != nil {
			continue
		}

		res, runErr := p.runCommand(ctx, rec.RequestID, cmd, p.resolveAccount(rec.AccountID))
		p.recordExecution(ctx, rec, res, runErr, store.StatusApproved)
		p.audit(start, rec.RequestID, rec.Source, "drain", subStatus(res, runErr), "")
		drained++
	}
	return drained
}

// ExecuteApproved runs a command request that was just transitioned to
// approved and records the result. The dispatcher calls this after a
// successful approve transition.
func (p *Pipeline) ExecuteApproved(ctx context.Context, rec *store.ApprovalRequest) (*store.ApprovalRequest, error) {
	cmd, err := command.Parse(rec.Command, p.cfg.CLIVerb)
	if err != nil {
		return nil, fmt.Errorf("stored command unparseable: %w", err)
	}
	res, runErr := p.runCommand(ctx, rec.RequestID, cmd, p.resolveAccount(rec.AccountID))
	p.recordExecution(ctx, rec, res, runErr, store.StatusApproved)
	return p.store.GetRequest(rec.RequestID)
}

// recordExecution writes the terminal executed status and edits the
// original message with the (possibly paged) result.
func (p *Pipeline) recordExecution(ctx context.Context, rec *store.ApprovalRequest, res *executor.Result, runErr error, fromStatus string) {
	text := resultText(res, runErr)
	status := subStatus(res, runErr)
	patch := store.RequestPatch{Status: status, Result: &text}
	if res != nil {
		code := res.ExitCode
		ms := res.Duration.Milliseconds()
		patch.ExitCode = &code
		patch.ExecutionMS = &ms
	}
	if err := p.store.TransitionRequest(rec.RequestID, fromStatus, patch); err != nil {
		p.logger.Error("record execution failed", "request_id", rec.RequestID, "error", err)
	}

	if rec.MessageID == "" {
		return
	}
	display := text
	if p.pager != nil {
		if delivered, err := p.pager.Deliver(rec.RequestID, text); err == nil {
			display = delivered.Inline
		}
	}
	icon := ":white_check_mark:"
	if status == store.StatusExecutedError {
		icon = ":x:"
	}
	p.editMessage(ctx, rec.MessageID, fmt.Sprintf("%s `%s`\n```\n%s\n```",
		icon, rec.DisplaySummary, paging.Truncate(display, 2900)))
}

func (p *Pipeline) editMessage(ctx context.Context, messageID, text string) {
	if messageID == "" {
		return
	}
	if err := p.notifier.UpdateResult(ctx, messageID, text); err != nil {
		p.logger.Error("message edit failed", "message_id", messageID, "error", err)
	}
}

// Reconcile re-emits notifications for pending records that never got one.
// Each record gets at most one retry: success records the message id,
// failure marks the attempt and the record waits pending until expiry.
func (p *Pipeline) Reconcile(ctx context.Context) int {
	recs, err := p.store.ListUnnotifiedPending(p.cfg.DrainBatch)
	if err != nil {
		p.logger.Error("reconcile scan failed", "error", err)
		return 0
	}

	emitted := 0
	for _, rec := range recs {
		msg := p.approvalMessage(rec, false, p.resolveAccount(rec.AccountID))
		messageID, err := p.notifier.PostApproval(ctx, msg)
		if err != nil {
			if merr := p.store.MarkNotifyAttempt(rec.RequestID); merr != nil {
				p.logger.Error("reconcile mark attempt failed", "request_id", rec.RequestID, "error", merr)
			}
			p.audit(p.now(), rec.RequestID, rec.Source, "reconcile", "notify_failed", err.Error())
			continue
		}
		if err := p.store.SetRequestMessageID(rec.RequestID, messageID); err != nil {
			p.logger.Error("reconcile set message id failed", "request_id", rec.RequestID, "error", err)
		}
		emitted++
	}
	return emitted
}

// RunReconciler loops Reconcile on an interval until ctx is done.
func (p *Pipeline) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}
