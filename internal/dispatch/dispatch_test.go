package dispatch

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
	"github.com/clawdbot/bouncer/internal/deploy"
	"github.com/clawdbot/bouncer/internal/executor"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/paging"
	"github.com/clawdbot/bouncer/internal/pipeline"
	"github.com/clawdbot/bouncer/internal/ratelimit"
	"github.com/clawdbot/bouncer/internal/risk"
	"github.com/clawdbot/bouncer/internal/rules"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
	"github.com/clawdbot/bouncer/internal/upload"
)

const (
	testApprover = "U1"
	testAccount  = "111111111111"
)

type fakeNotifier struct {
	mu     sync.Mutex
	posted int
	edits  map[string]string
}

func (f *fakeNotifier) PostApproval(ctx context.Context, m *notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted++
	return "chan/" + strings.Repeat("1", f.posted), nil
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
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd *command.Command, creds executor.Credentials) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, cmd.Normalized)
	return &executor.Result{Stdout: "done", ExitCode: 0, Duration: 5 * time.Millisecond}, nil
}

type fakeUploader struct{}

func (fakeUploader) Presign(ctx context.Context, f upload.File, expiresIn time.Duration) (*upload.Presigned, error) {
	return &upload.Presigned{URL: "https://s3/" + f.Name, Key: "staging/" + f.Name}, nil
}

func (fakeUploader) PresignBatch(ctx context.Context, files []upload.File, expiresIn time.Duration) (string, []upload.Presigned, error) {
	out := make([]upload.Presigned, len(files))
	for i, f := range files {
		out[i] = upload.Presigned{URL: "https://s3/" + f.Name, Key: "staging/" + f.Name}
	}
	return "batch-1", out, nil
}

type fakeDeployer struct {
	conflict bool
}

func (f *fakeDeployer) Preview(ctx context.Context, projectID, branch string) (*deploy.Deployment, error) {
	return &deploy.Deployment{CommitSHA: "0123456789abcdef", CommitShort: "0123456", CommitMessage: "ship it"}, nil
}

func (f *fakeDeployer) Trigger(ctx context.Context, projectID, branch, reason string) (*deploy.Deployment, error) {
	if f.conflict {
		return nil, &deploy.ConflictError{RunningDeployID: "d-9", EstimatedRemaining: "4m"}
	}
	return &deploy.Deployment{DeployID: "d-1", CommitShort: "0123456"}, nil
}

type testEnv struct {
	d        *Dispatcher
	p        *pipeline.Pipeline
	store    *store.Store
	notifier *fakeNotifier
	exec     *fakeExecutor
	grants   *grant.Manager
	trust    *trust.Manager
	deployer *fakeDeployer
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
	checker := compliance.New(&set.Compliance, []string{testAccount})
	scorer := risk.New(&set.Risk)
	tm := trust.NewManager(s, trust.Budgets{
		TTL: 10 * time.Minute, MaxCommands: 5, MaxUploads: 2, MaxBytes: 1000, PerUploadBytes: 600,
	})
	gm := grant.NewManager(s, classifier, checker, scorer,
		grant.Limits{TTLMax: time.Hour, MaxCommands: 20, MaxExecutions: 50, DangerousRepeatCap: 3}, "aws")

	notifier := &fakeNotifier{}
	exec := &fakeExecutor{}
	deployer := &fakeDeployer{}
	p := pipeline.New(pipeline.Config{
		CLIVerb:        "aws",
		ApprovalExpiry: 5 * time.Minute,
		TrustTTL:       10 * time.Minute,
		DrainBatch:     20,
		ResultTruncate: 1000,
	}, pipeline.Deps{
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
	p.SetUploader(fakeUploader{})
	p.SetDeployer(deployer)

	d := New(Config{
		Approvers:    []string{testApprover},
		TrustTTL:     10 * time.Minute,
		UploadExpiry: 15 * time.Minute,
	}, Deps{
		Store:    s,
		Pipeline: p,
		Trust:    tm,
		Grants:   gm,
		Notifier: notifier,
		Uploader: fakeUploader{},
		Deployer: deployer,
		Logger:   log.New(io.Discard),
	})
	return &testEnv{d: d, p: p, store: s, notifier: notifier, exec: exec, grants: gm, trust: tm, deployer: deployer}
}

// pendingCommand parks one execute request and returns its record.
func pendingCommand(t *testing.T, env *testEnv) *store.ApprovalRequest {
	t.Helper()
	dec, err := env.p.Submit(context.Background(), pipeline.SubmitInput{
		Command:    "aws ecs update-service --cluster c --service s",
		Reason:     "routine",
		Source:     "bot-a",
		TrustScope: "bot-a",
		AccountID:  testAccount,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Status != pipeline.StatusPendingApproval {
		t.Fatalf("Status = %s, want pending_approval", dec.Status)
	}
	rec, err := env.store.GetRequest(dec.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestHandleNotAuthorized(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), "U-intruder")
	if !strings.Contains(r.Text, "not authorized") {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(rec.RequestID)
	if after.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", after.Status)
	}
}

func TestHandleMalformed(t *testing.T) {
	env := newEnv(t)
	if r := env.d.Handle(context.Background(), "no-separator", testApprover); !strings.Contains(r.Text, "Malformed") {
		t.Errorf("reply = %q", r.Text)
	}
	if r := env.d.Handle(context.Background(), "cmd_approve|req-missing", testApprover); !strings.Contains(r.Text, "Unknown request") {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestApproveExecutes(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), testApprover)
	if !strings.Contains(r.Text, "Approved") {
		t.Fatalf("reply = %q", r.Text)
	}

	after, _ := env.store.GetRequest(rec.RequestID)
	if after.Status != store.StatusExecutedOK {
		t.Errorf("status = %s, want executed_ok", after.Status)
	}
	if after.ApproverID != testApprover || after.DecisionType != notify.CmdApprove {
		t.Errorf("decision trail = %s / %s", after.ApproverID, after.DecisionType)
	}
	if len(env.exec.runs) != 1 {
		t.Errorf("runs = %d, want 1", len(env.exec.runs))
	}
	if _, ok := env.notifier.edits[rec.MessageID]; !ok {
		t.Error("result edit missing")
	}
}

func TestDenyThenApproveConflict(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	if r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdDeny, rec.RequestID), testApprover); r.Text != "Denied." {
		t.Fatalf("deny reply = %q", r.Text)
	}
	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), testApprover)
	if r.Text != "Already handled." {
		t.Fatalf("approve-after-deny reply = %q", r.Text)
	}

	after, _ := env.store.GetRequest(rec.RequestID)
	if after.Status != store.StatusDenied {
		t.Errorf("status = %s, want denied", after.Status)
	}
	if len(env.exec.runs) != 0 {
		t.Error("denied command must never execute")
	}
	if edit := env.notifier.edits[rec.MessageID]; !strings.Contains(edit, "denied") {
		t.Errorf("denial edit = %q", edit)
	}
}

func TestRepeatCallbackKeepsMessage(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), testApprover)
	firstEdit := env.notifier.edits[rec.MessageID]

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), testApprover)
	if r.Text != "Already handled." {
		t.Fatalf("replay reply = %q", r.Text)
	}
	if env.notifier.edits[rec.MessageID] != firstEdit {
		t.Error("replay must not edit the message again")
	}
	if len(env.exec.runs) != 1 {
		t.Errorf("runs = %d, want 1", len(env.exec.runs))
	}
}

func TestExpiredCallback(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	env.d.SetClock(func() time.Time { return rec.ExpiresAt.Add(time.Minute) })
	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApprove, rec.RequestID), testApprover)
	if !strings.Contains(r.Text, "expired") {
		t.Fatalf("reply = %q", r.Text)
	}

	after, _ := env.store.GetRequest(rec.RequestID)
	if after.Status != store.StatusExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}
	if edit := env.notifier.edits[rec.MessageID]; !strings.Contains(edit, "expired") {
		t.Errorf("expiry edit = %q", edit)
	}
}

func TestApproveWithTrustDrains(t *testing.T) {
	env := newEnv(t)
	first := pendingCommand(t, env)
	second := pendingCommand(t, env)
	third := pendingCommand(t, env)

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.CmdApproveTrust, first.RequestID), testApprover)
	if !strings.Contains(r.Text, "drained 2") {
		t.Fatalf("reply = %q", r.Text)
	}

	if _, err := env.trust.Status("bot-a", testAccount); err != nil {
		t.Errorf("trust session missing: %v", err)
	}
	for _, rec := range []*store.ApprovalRequest{second, third} {
		after, _ := env.store.GetRequest(rec.RequestID)
		if after.Status != store.StatusExecutedOK {
			t.Errorf("%s status = %s, want executed_ok", rec.RequestID, after.Status)
		}
		if after.DecisionType != store.StatusTrustAutoApproved {
			t.Errorf("%s decision = %s, want trust_auto_approved", rec.RequestID, after.DecisionType)
		}
	}
	if len(env.exec.runs) != 3 {
		t.Errorf("runs = %d, want 3", len(env.exec.runs))
	}
}

func TestKindMismatch(t *testing.T) {
	env := newEnv(t)
	rec := pendingCommand(t, env)

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.DeployApprove, rec.RequestID), testApprover)
	if !strings.Contains(r.Text, "does not apply") {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(rec.RequestID)
	if after.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", after.Status)
	}
}

func TestUploadApprove(t *testing.T) {
	env := newEnv(t)
	dec, err := env.p.SubmitUpload(context.Background(), pipeline.UploadInput{
		Files:     []upload.File{{Name: "report.csv", Size: 100}},
		Reason:    "stage report",
		Source:    "bot-a",
		AccountID: testAccount,
		ExpiresIn: 15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.UploadApprove, dec.RequestID), testApprover)
	if r.Text != "Upload approved." {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(dec.RequestID)
	if after.Status != store.StatusExecutedOK {
		t.Errorf("status = %s, want executed_ok", after.Status)
	}
	if !strings.Contains(after.Result, "https://s3/report.csv") {
		t.Errorf("result = %q", after.Result)
	}
}

func TestUploadBatchApproveWithTrust(t *testing.T) {
	env := newEnv(t)
	dec, err := env.p.SubmitUpload(context.Background(), pipeline.UploadInput{
		Files: []upload.File{
			{Name: "a.csv", Size: 100},
			{Name: "b.csv", Size: 100},
		},
		Reason:     "stage pair",
		Source:     "bot-a",
		TrustScope: "bot-a",
		AccountID:  testAccount,
		ExpiresIn:  15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.UploadBatchApproveTrust, dec.RequestID), testApprover)
	if !strings.Contains(r.Text, "Trust open") {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(dec.RequestID)
	if !strings.Contains(after.Result, "a.csv") || !strings.Contains(after.Result, "b.csv") {
		t.Errorf("result = %q", after.Result)
	}
	if _, err := env.trust.Status("bot-a", testAccount); err != nil {
		t.Errorf("trust session missing: %v", err)
	}
}

func TestDeployApprove(t *testing.T) {
	env := newEnv(t)
	dec, _, err := env.p.SubmitDeploy(context.Background(), pipeline.DeployInput{
		ProjectID: "api", Branch: "main", Reason: "release", Source: "bot-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.DeployApprove, dec.RequestID), testApprover)
	if !strings.Contains(r.Text, "d-1") {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(dec.RequestID)
	if after.Status != store.StatusExecutedOK {
		t.Errorf("status = %s, want executed_ok", after.Status)
	}
}

func TestDeployTemplateComplianceRejected(t *testing.T) {
	env := newEnv(t)
	tmpl := []byte(`{"Statement": [{"Effect": "Allow", "Principal": "*", "Action": "s3:*"}]}`)
	dec, _, err := env.p.SubmitDeploy(context.Background(), pipeline.DeployInput{
		ProjectID: "api", Branch: "main", Reason: "release", Source: "bot-a", Template: tmpl,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Status != pipeline.StatusComplianceRejected {
		t.Fatalf("Status = %s, want compliance_rejected", dec.Status)
	}
	if dec.BlockReason == "" {
		t.Error("block reason missing")
	}
	pending, err := env.store.ListPending("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestDeployApproveConflict(t *testing.T) {
	env := newEnv(t)
	dec, _, err := env.p.SubmitDeploy(context.Background(), pipeline.DeployInput{
		ProjectID: "api", Branch: "main", Reason: "release", Source: "bot-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.deployer.conflict = true

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.DeployApprove, dec.RequestID), testApprover)
	if !strings.Contains(r.Text, "d-9") {
		t.Fatalf("reply = %q", r.Text)
	}
	after, _ := env.store.GetRequest(dec.RequestID)
	if after.Status != store.StatusExecutedError {
		t.Errorf("status = %s, want executed_error", after.Status)
	}
}

func TestAccountAddApprove(t *testing.T) {
	env := newEnv(t)
	dec, err := env.p.SubmitAccountOp(context.Background(), pipeline.AccountOpInput{
		Account: store.Account{AccountID: "222222222222", Name: "staging"},
		Reason:  "new environment",
		Source:  "bot-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.AccountAddApprove, dec.RequestID), testApprover)
	if r.Text != "Account added." {
		t.Fatalf("reply = %q", r.Text)
	}
	if _, err := env.store.GetAccount("222222222222"); err != nil {
		t.Errorf("account not stored: %v", err)
	}
}

func TestAccountRemoveDeny(t *testing.T) {
	env := newEnv(t)
	if err := env.store.PutAccount(&store.Account{AccountID: "222222222222", Name: "staging"}); err != nil {
		t.Fatal(err)
	}
	dec, err := env.p.SubmitAccountOp(context.Background(), pipeline.AccountOpInput{
		Remove:  true,
		Account: store.Account{AccountID: "222222222222", Name: "staging"},
		Reason:  "decommission",
		Source:  "bot-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	if r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.AccountRemoveDeny, dec.RequestID), testApprover); r.Text != "Denied." {
		t.Fatalf("reply = %q", r.Text)
	}
	if _, err := env.store.GetAccount("222222222222"); err != nil {
		t.Errorf("denied removal must keep the account: %v", err)
	}
}

func TestGrantDecisions(t *testing.T) {
	env := newEnv(t)
	g, _, err := env.grants.Create(grant.Request{
		Source:     "bot-a",
		TrustScope: "bot-a",
		AccountID:  testAccount,
		Reason:     "rollout",
		TTLMinutes: 30,
		Entries:    []string{"aws ecs update-service --cluster c --service s"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.GrantApproveAll, g.GrantID), testApprover)
	if r.Text != "Grant approved." {
		t.Fatalf("reply = %q", r.Text)
	}
	if r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.GrantApproveAll, g.GrantID), testApprover); r.Text != "Already handled." {
		t.Fatalf("replay reply = %q", r.Text)
	}

	if r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.GrantRevoke, g.GrantID), testApprover); r.Text != "Grant revoked." {
		t.Fatalf("revoke reply = %q", r.Text)
	}
	after, err := env.store.GetGrantSession(g.GrantID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != store.GrantRevoked {
		t.Errorf("status = %s, want revoked", after.Status)
	}
}

func TestTrustRevoke(t *testing.T) {
	env := newEnv(t)
	sess, err := env.trust.Begin("bot-a", testAccount, 0)
	if err != nil {
		t.Fatal(err)
	}

	if r := env.d.Handle(context.Background(), notify.EncodeCallback(notify.TrustRevoke, sess.TrustID), testApprover); r.Text != "Trust session revoked." {
		t.Fatalf("reply = %q", r.Text)
	}
	if _, err := env.trust.Status("bot-a", testAccount); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("revoked session still active: %v", err)
	}
}
