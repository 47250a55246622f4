package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/clawdbot/bouncer/internal/classify"
	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/compliance"
	"github.com/clawdbot/bouncer/internal/executor"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/paging"
	"github.com/clawdbot/bouncer/internal/ratelimit"
	"github.com/clawdbot/bouncer/internal/risk"
	"github.com/clawdbot/bouncer/internal/rules"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
)

type fakeNotifier struct {
	mu     sync.Mutex
	fail   bool
	posted []*notify.Message
	edits  map[string]string
	nextID int
}

func (f *fakeNotifier) PostApproval(ctx context.Context, m *notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("channel unreachable")
	}
	f.posted = append(f.posted, m)
	f.nextID++
	return "chan/" + strings.Repeat("1", f.nextID), nil
}

func (f *fakeNotifier) UpdateResult(ctx context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = map[string]string{}
	}
	f.edits[messageID] = text
	return nil
}

func (f *fakeNotifier) PostText(ctx context.Context, text string) error { return nil }

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
	out  string
	code int
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd *command.Command, creds executor.Credentials) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, cmd.Normalized)
	return &executor.Result{Stdout: f.out, ExitCode: f.code, Duration: 5 * time.Millisecond}, nil
}

type testEnv struct {
	p        *Pipeline
	store    *store.Store
	notifier *fakeNotifier
	exec     *fakeExecutor
	trust    *trust.Manager
	grants   *grant.Manager
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	set, err := rules.LoadDefaults()
	if err != nil {
		t.Fatal(err)
	}
	classifier := classify.New(set)
	checker := compliance.New(&set.Compliance, []string{"111111111111"})
	scorer := risk.New(&set.Risk)

	tm := trust.NewManager(s, trust.Budgets{
		TTL: 10 * time.Minute, MaxCommands: 3, MaxUploads: 2, MaxBytes: 1000, PerUploadBytes: 600,
	})
	gm := grant.NewManager(s, classifier, checker, scorer,
		grant.Limits{TTLMax: time.Hour, MaxCommands: 20, MaxExecutions: 50, DangerousRepeatCap: 3}, "aws")

	notifier := &fakeNotifier{}
	exec := &fakeExecutor{out: "done"}
	p := New(Config{
		CLIVerb:        "aws",
		ApprovalExpiry: 5 * time.Minute,
		TrustTTL:       10 * time.Minute,
		DrainBatch:     20,
		ResultTruncate: 1000,
	}, Deps{
		Store:      s,
		Classifier: classifier,
		Checker:    checker,
		Scorer:     scorer,
		Limiter:    ratelimit.New(s, ratelimit.Limits{Window: time.Minute, MaxInWindow: 100, MaxPending: 100}),
		Trust:      tm,
		Grants:     gm,
		Notifier:   notifier,
		Executor:   exec,
		Pager:      paging.New(s, paging.Options{InlineThreshold: 3500, PageSize: 3000, TTL: time.Hour}),
		Logger:     log.New(io.Discard),
	})
	return &testEnv{p: p, store: s, notifier: notifier, exec: exec, trust: tm, grants: gm}
}

const testAccount = "111111111111"

func submit(cmd string) SubmitInput {
	return SubmitInput{
		Command:    cmd,
		Reason:     "routine",
		Source:     "bot-a",
		TrustScope: "bot-a",
		AccountID:  testAccount,
	}
}

func TestSubmitSafelistAutoApproves(t *testing.T) {
	env := newEnv(t)
	d, err := env.p.Submit(context.Background(), submit("aws s3 ls s3://bucket"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Status != StatusAutoApproved {
		t.Fatalf("Status = %s, want auto_approved", d.Status)
	}
	if d.Result != "done" || d.ExitCode == nil || *d.ExitCode != 0 {
		t.Errorf("decision = %+v", d)
	}

	rec, err := env.store.GetRequest(d.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusAutoApproved || rec.DecisionType != store.StatusExecutedOK {
		t.Errorf("record = %s / %s", rec.Status, rec.DecisionType)
	}
	if len(env.notifier.posted) != 0 {
		t.Error("safelist path must not notify")
	}
}

func TestSubmitBlocked(t *testing.T) {
	env := newEnv(t)
	d, err := env.p.Submit(context.Background(), submit("aws iam create-user --user-name eve"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusBlocked {
		t.Fatalf("Status = %s, want blocked", d.Status)
	}
	if d.BlockReason == "" || d.Suggestion == "" {
		t.Errorf("blocked decision missing reason or suggestion: %+v", d)
	}
	if len(env.exec.runs) != 0 {
		t.Error("blocked command must never execute")
	}
}

func TestSubmitComplianceCritical(t *testing.T) {
	env := newEnv(t)
	d, err := env.p.Submit(context.Background(),
		submit(`aws s3api put-bucket-acl --bucket b --acl public-read`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusComplianceRejected {
		t.Fatalf("Status = %s, want compliance_rejected", d.Status)
	}
	if len(env.exec.runs) != 0 {
		t.Error("compliance-rejected command must never execute")
	}
	// Only the audit log keeps a trace; the command never hits the
	// requests table.
	if _, err := env.store.GetRequest(d.RequestID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRequest = %v, want ErrNotFound", err)
	}
}

func TestSubmitMalformedJSONForcesManual(t *testing.T) {
	env := newEnv(t)
	// Safelisted verb, but the embedded payload does not parse. The
	// command must park for a human instead of auto-executing.
	d, err := env.p.Submit(context.Background(),
		submit(`aws s3 ls s3://bucket --query '{"Contents": }'`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want pending_approval", d.Status)
	}
	if len(env.exec.runs) != 0 {
		t.Error("unparseable payload must not auto-execute")
	}
	if len(env.notifier.posted) != 1 {
		t.Errorf("notifications = %d, want 1", len(env.notifier.posted))
	}
}

func TestSubmitPendingNotifies(t *testing.T) {
	env := newEnv(t)
	d, err := env.p.Submit(context.Background(), submit("aws ecs update-service --cluster c --service s"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want pending_approval", d.Status)
	}
	if len(env.notifier.posted) != 1 {
		t.Fatalf("notifications = %d, want 1", len(env.notifier.posted))
	}
	if got := len(env.notifier.posted[0].Buttons); got != 3 {
		t.Errorf("buttons = %d, want approve/trust/deny", got)
	}

	rec, _ := env.store.GetRequest(d.RequestID)
	if rec.MessageID == "" {
		t.Error("pending record must carry the message id")
	}
}

func TestSubmitDangerousButtons(t *testing.T) {
	env := newEnv(t)
	_, err := env.p.Submit(context.Background(), submit("aws ec2 terminate-instances --instance-ids i-1"))
	if err != nil {
		t.Fatal(err)
	}
	msg := env.notifier.posted[0]
	if len(msg.Buttons) != 2 {
		t.Fatalf("dangerous buttons = %d, want confirm/deny", len(msg.Buttons))
	}
	kind, _, err := notify.DecodeCallback(msg.Buttons[0].Value)
	if err != nil || kind != notify.DangerousConfirm {
		t.Errorf("first button = %q, %v", kind, err)
	}
}

func TestSubmitNotifyFailureKeepsPending(t *testing.T) {
	env := newEnv(t)
	env.notifier.fail = true

	d, err := env.p.Submit(context.Background(), submit("aws ecs update-service --cluster c --service s"))
	if err != nil {
		t.Fatalf("Submit = %v, want pending decision despite notify failure", err)
	}
	if d.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want pending_approval", d.Status)
	}

	rec, err := env.store.GetRequest(d.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusPending || rec.MessageID != "" {
		t.Errorf("record = %s message=%q, want pending with no message", rec.Status, rec.MessageID)
	}

	// Once the channel recovers, the reconciler re-emits the prompt.
	env.notifier.fail = false
	if n := env.p.Reconcile(context.Background()); n != 1 {
		t.Fatalf("Reconcile = %d, want 1", n)
	}
	rec, _ = env.store.GetRequest(d.RequestID)
	if rec.MessageID == "" {
		t.Error("reconciled record should carry a message id")
	}
}

func TestSummarizeBound(t *testing.T) {
	long := "aws s3 cp " + strings.Repeat("a", 200) + " s3://bucket/key"
	got := summarize(long)
	if len(got) > 100 {
		t.Errorf("len(summarize) = %d, want <= 100", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated summary = %q, want ellipsis", got)
	}
	if short := summarize("aws s3 ls"); short != "aws s3 ls" {
		t.Errorf("short command altered: %q", short)
	}
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	env := newEnv(t)
	in := submit("aws s3 ls")
	in.IdempotencyKey = "key-1"

	first, err := env.p.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.p.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if second.RequestID != first.RequestID {
		t.Errorf("replay created a new request: %s != %s", second.RequestID, first.RequestID)
	}
	if len(env.exec.runs) != 1 {
		t.Errorf("executions = %d, want 1", len(env.exec.runs))
	}
}

func TestSubmitParseError(t *testing.T) {
	env := newEnv(t)
	_, err := env.p.Submit(context.Background(), submit(`kubectl get pods`))
	var perr *command.ParseError
	if !errors.As(err, &perr) {
		t.Errorf("err = %v, want ParseError", err)
	}
}

func TestSubmitTrustAutoApprove(t *testing.T) {
	env := newEnv(t)
	if _, err := env.trust.Begin("bot-a", testAccount, 0); err != nil {
		t.Fatal(err)
	}

	d, err := env.p.Submit(context.Background(), submit("aws ec2 start-instances --instance-ids i-1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusTrustAutoApproved {
		t.Fatalf("Status = %s, want trust_auto_approved", d.Status)
	}
	if len(env.exec.runs) != 1 {
		t.Errorf("executions = %d, want 1", len(env.exec.runs))
	}
}

func TestSubmitTrustSkipsDangerous(t *testing.T) {
	env := newEnv(t)
	if _, err := env.trust.Begin("bot-a", testAccount, 0); err != nil {
		t.Fatal(err)
	}

	d, err := env.p.Submit(context.Background(), submit("aws ec2 terminate-instances --instance-ids i-1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want pending_approval for dangerous under trust", d.Status)
	}
}

func TestSubmitGrantAutoApprove(t *testing.T) {
	env := newEnv(t)
	g, _, err := env.grants.Create(grant.Request{
		Source: "bot-a", TrustScope: "bot-a", AccountID: testAccount,
		Reason:  "window",
		Entries: []string{"aws ecs update-service --cluster c --service s"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.grants.Approve(g.GrantID, false); err != nil {
		t.Fatal(err)
	}

	d, err := env.p.Submit(context.Background(), submit("aws ecs update-service --cluster c --service s"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusGrantAutoApproved {
		t.Fatalf("Status = %s, want grant_auto_approved", d.Status)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newEnv(t)
	lim := ratelimit.New(env.store, ratelimit.Limits{Window: time.Minute, MaxInWindow: 1, MaxPending: 100})
	env.p.limiter = lim

	if _, err := env.p.Submit(context.Background(), submit("aws ecs update-service --cluster c --service s")); err != nil {
		t.Fatal(err)
	}
	d, err := env.p.Submit(context.Background(), submit("aws ecs update-service --cluster c --service s2"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusRateLimited {
		t.Fatalf("Status = %s, want rate_limited", d.Status)
	}
	if d.RetryAfter <= 0 {
		t.Error("rate limited decision should carry retry_after")
	}
}

func TestDrainExecutesPending(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	d1, err := env.p.Submit(ctx, submit("aws ec2 start-instances --instance-ids i-1"))
	if err != nil || d1.Status != StatusPendingApproval {
		t.Fatalf("submit = %+v, %v", d1, err)
	}
	d2, err := env.p.Submit(ctx, submit("aws ec2 terminate-instances --instance-ids i-2"))
	if err != nil || d2.Status != StatusPendingApproval {
		t.Fatalf("submit = %+v, %v", d2, err)
	}

	if _, err := env.trust.Begin("bot-a", testAccount, 0); err != nil {
		t.Fatal(err)
	}
	drained := env.p.Drain(ctx, "bot-a", testAccount)
	if drained != 1 {
		t.Fatalf("drained = %d, want 1 (dangerous record stays pending)", drained)
	}

	rec, _ := env.store.GetRequest(d1.RequestID)
	if rec.Status != store.StatusExecutedOK || rec.DecisionType != store.StatusTrustAutoApproved {
		t.Errorf("drained record = %s / %s", rec.Status, rec.DecisionType)
	}
	rec2, _ := env.store.GetRequest(d2.RequestID)
	if rec2.Status != store.StatusPending {
		t.Errorf("dangerous record = %s, want still pending", rec2.Status)
	}
	if len(env.notifier.edits) == 0 {
		t.Error("drained record's message should be edited with the result")
	}
}

// Dangerous verbs outside the trust exclusion list (stop-, reboot-) still
// classify as dangerous and must never drain.
func TestDrainSkipsDangerousClass(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	d, err := env.p.Submit(ctx, submit("aws ec2 stop-instances --instance-ids i-1"))
	if err != nil || d.Status != StatusPendingApproval {
		t.Fatalf("submit = %+v, %v", d, err)
	}

	if _, err := env.trust.Begin("bot-a", testAccount, 0); err != nil {
		t.Fatal(err)
	}
	if drained := env.p.Drain(ctx, "bot-a", testAccount); drained != 0 {
		t.Fatalf("drained = %d, want 0", drained)
	}
	rec, _ := env.store.GetRequest(d.RequestID)
	if rec.Status != store.StatusPending {
		t.Errorf("dangerous record = %s, want still pending", rec.Status)
	}
	if len(env.exec.runs) != 0 {
		t.Errorf("executions = %d, want 0", len(env.exec.runs))
	}
}

func TestDrainStopsAtBudget(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cmd := submit("aws ec2 start-instances --instance-ids i-" + strings.Repeat("x", i+1))
		if _, err := env.p.Submit(ctx, cmd); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.trust.Begin("bot-a", testAccount, 0); err != nil {
		t.Fatal(err)
	}

	// Budget is 3 commands.
	if drained := env.p.Drain(ctx, "bot-a", testAccount); drained != 3 {
		t.Fatalf("drained = %d, want 3", drained)
	}
	pending, _ := env.store.ListPending("bot-a", 10)
	if len(pending) != 2 {
		t.Errorf("pending after drain = %d, want 2", len(pending))
	}
}

func TestReconcileReEmitsOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	rec := &store.ApprovalRequest{
		RequestID:      "req-lost",
		Kind:           store.KindExecute,
		Status:         store.StatusPending,
		DisplaySummary: "aws ecs update-service",
		Source:         "bot-a",
		TrustScope:     "bot-a",
		Command:        "aws ecs update-service --cluster c --service s",
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(5 * time.Minute),
	}
	if err := env.store.PutRequest(rec); err != nil {
		t.Fatal(err)
	}

	if n := env.p.Reconcile(ctx); n != 1 {
		t.Fatalf("Reconcile = %d, want 1", n)
	}
	got, _ := env.store.GetRequest("req-lost")
	if got.MessageID == "" {
		t.Error("reconciled record should carry a message id")
	}
	// Nothing left to reconcile.
	if n := env.p.Reconcile(ctx); n != 0 {
		t.Errorf("second Reconcile = %d, want 0", n)
	}
}

func TestReconcileRetriesOnceThenWaits(t *testing.T) {
	env := newEnv(t)
	env.notifier.fail = true

	rec := &store.ApprovalRequest{
		RequestID: "req-dead",
		Kind:      store.KindExecute,
		Status:    store.StatusPending,
		Source:    "bot-a",
		Command:   "aws ecs update-service --cluster c --service s",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := env.store.PutRequest(rec); err != nil {
		t.Fatal(err)
	}

	if n := env.p.Reconcile(context.Background()); n != 0 {
		t.Fatalf("Reconcile = %d, want 0", n)
	}
	got, err := env.store.GetRequest("req-dead")
	if err != nil {
		t.Fatalf("record should stay pending: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	// The failed attempt is not retried again, even once the channel heals.
	env.notifier.fail = false
	if n := env.p.Reconcile(context.Background()); n != 0 {
		t.Errorf("second Reconcile = %d, want 0", n)
	}
}
