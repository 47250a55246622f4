package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/slack-go/slack"

	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/pipeline"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/upload"
)

type submitBody struct {
	Command    string `json:"command"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
	TrustScope string `json:"trust_scope"`
	AccountID  string `json:"account_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in submitBody
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Command == "" || in.Source == "" {
		writeError(w, http.StatusBadRequest, "command and source are required")
		return
	}
	d, err := s.pipe.Submit(r.Context(), pipeline.SubmitInput{
		Command:        in.Command,
		Reason:         in.Reason,
		Source:         in.Source,
		TrustScope:     in.TrustScope,
		AccountID:      in.AccountID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeDecision(w, d)
}

// writeDecision maps terminal decision statuses to HTTP codes.
func writeDecision(w http.ResponseWriter, d *pipeline.Decision) {
	code := http.StatusOK
	switch d.Status {
	case pipeline.StatusPendingApproval:
		code = http.StatusAccepted
	case pipeline.StatusBlocked, pipeline.StatusComplianceRejected:
		code = http.StatusForbidden
	case pipeline.StatusRateLimited:
		code = http.StatusTooManyRequests
	case pipeline.StatusConflict:
		code = http.StatusConflict
	}
	writeJSON(w, code, d)
}

// writePipelineError keeps internal failure detail out of responses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInternal):
		s.logger.Error("request admission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "request could not be processed")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, grant.ErrNoMatch):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, grant.ErrGrantInactive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type requestView struct {
	RequestID      string    `json:"request_id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	DisplaySummary string    `json:"display_summary"`
	Source         string    `json:"source"`
	AccountID      string    `json:"account_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Result         string    `json:"result,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	DecisionType   string    `json:"decision_type,omitempty"`
	ApproverID     string    `json:"approver_id,omitempty"`
	RiskScore      int       `json:"risk_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func viewRequest(r *store.ApprovalRequest) requestView {
	return requestView{
		RequestID:      r.RequestID,
		Kind:           r.Kind,
		Status:         r.Status,
		DisplaySummary: r.DisplaySummary,
		Source:         r.Source,
		AccountID:      r.AccountID,
		Reason:         r.Reason,
		Result:         r.Result,
		ExitCode:       r.ExitCode,
		DecisionType:   r.DecisionType,
		ApproverID:     r.ApproverID,
		RiskScore:      r.RiskScore,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRequest(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	if err != nil {
		s.logger.Error("request lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(rec))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	recs, err := s.store.ListPending(r.URL.Query().Get("source"), limit)
	if err != nil {
		s.logger.Error("pending list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]requestView, len(recs))
	for i, rec := range recs {
		out[i] = viewRequest(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.GetPage(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown or expired page")
		return
	}
	if err != nil {
		s.logger.Error("page lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id":    page.PageID,
		"request_id": page.RequestID,
		"page_num":   page.PageNum,
		"page_count": page.PageCount,
		"content":    page.Content,
	})
}

type fileBody struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type presignBody struct {
	Files         []fileBody `json:"files"`
	Reason        string     `json:"reason"`
	Source        string     `json:"source"`
	TrustScope    string     `json:"trust_scope"`
	AccountID     string     `json:"account_id"`
	ExpirySeconds int        `json:"expiry_seconds"`
}

func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request, batch bool) {
	var in presignBody
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.Files) == 0 || in.Source == "" {
		writeError(w, http.StatusBadRequest, "files and source are required")
		return
	}
	if !batch && len(in.Files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file; use /v1/presign/batch for more")
		return
	}
	files := make([]upload.File, len(in.Files))
	for i, f := range in.Files {
		files[i] = upload.File{Name: f.Name, ContentType: f.ContentType, Size: f.Size}
	}
	d, err := s.pipe.SubmitUpload(r.Context(), pipeline.UploadInput{
		Files:      files,
		Reason:     in.Reason,
		Source:     in.Source,
		TrustScope: in.TrustScope,
		AccountID:  in.AccountID,
		ExpiresIn:  time.Duration(in.ExpirySeconds) * time.Second,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeDecision(w, d)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.submitUpload(w, r, false)
}

func (s *Server) handleUploadBatch(w http.ResponseWriter, r *http.Request) {
	s.submitUpload(w, r, true)
}

type presignedView struct {
	PresignedURL string    `json:"presigned_url"`
	S3Key        string    `json:"s3_key"`
	S3URI        string    `json:"s3_uri"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// presignDirect issues staging URLs with no approval step. The staging
// bucket is quarantined, so only the rate limiter stands in front.
func (s *Server) presignDirect(w http.ResponseWriter, r *http.Request, batch bool) {
	var in presignBody
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.Files) == 0 || in.Source == "" {
		writeError(w, http.StatusBadRequest, "files and source are required")
		return
	}
	if !batch && len(in.Files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file; use /v1/presign/batch for more")
		return
	}
	files := make([]upload.File, len(in.Files))
	for i, f := range in.Files {
		files[i] = upload.File{Name: f.Name, ContentType: f.ContentType, Size: f.Size}
	}
	d, res, err := s.pipe.Presign(r.Context(), pipeline.PresignInput{
		Files:     files,
		Source:    in.Source,
		AccountID: in.AccountID,
		ExpiresIn: time.Duration(in.ExpirySeconds) * time.Second,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	if res == nil {
		writeDecision(w, d)
		return
	}

	if batch {
		urls := make([]presignedView, len(res.URLs))
		for i, u := range res.URLs {
			urls[i] = presignedView{PresignedURL: u.URL, S3Key: u.Key, S3URI: u.URI, ExpiresAt: u.ExpiresAt}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     d.Status,
			"request_id": d.RequestID,
			"batch_id":   res.BatchID,
			"urls":       urls,
		})
		return
	}
	u := res.URLs[0]
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        d.Status,
		"request_id":    d.RequestID,
		"presigned_url": u.URL,
		"s3_key":        u.Key,
		"s3_uri":        u.URI,
		"expires_at":    u.ExpiresAt,
	})
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	s.presignDirect(w, r, false)
}

func (s *Server) handlePresignBatch(w http.ResponseWriter, r *http.Request) {
	s.presignDirect(w, r, true)
}

func (s *Server) handleConfirmUploads(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BatchID string   `json:"batch_id"`
		Names   []string `json:"names"`
		Keys    []string `json:"keys"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if s.uploads == nil {
		writeError(w, http.StatusBadRequest, "uploads not configured")
		return
	}

	keys := in.Keys
	byKey := map[string]string{}
	if in.BatchID != "" {
		if len(in.Names) == 0 {
			writeError(w, http.StatusBadRequest, "names are required with batch_id")
			return
		}
		keys = make([]string, len(in.Names))
		for i, name := range in.Names {
			keys[i] = s.uploads.StagedKey(in.BatchID, name)
			byKey[keys[i]] = name
		}
	}
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys or batch_id with names are required")
		return
	}

	missingKeys, err := s.uploads.Confirm(r.Context(), keys)
	if err != nil {
		s.logger.Error("upload confirm failed", "error", err)
		writeError(w, http.StatusInternalServerError, "confirm failed")
		return
	}
	missing := make([]string, 0, len(missingKeys))
	for _, k := range missingKeys {
		if name, ok := byKey[k]; ok {
			missing = append(missing, name)
			continue
		}
		missing = append(missing, k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": len(missing) == 0,
		"missing":  missing,
	})
}

type grantBody struct {
	Entries     []string `json:"entries"`
	Reason      string   `json:"reason"`
	Source      string   `json:"source"`
	TrustScope  string   `json:"trust_scope"`
	AccountID   string   `json:"account_id"`
	AccountTag  string   `json:"account_tag"`
	AllowRepeat bool     `json:"allow_repeat"`
	TTLMinutes  int      `json:"ttl_minutes"`
}

type grantEntryView struct {
	Entry     string `json:"entry"`
	Bucket    string `json:"bucket"`
	IsPattern bool   `json:"is_pattern"`
	Consumed  bool   `json:"consumed,omitempty"`
	Uses      int    `json:"uses,omitempty"`
}

type grantView struct {
	GrantID        string           `json:"grant_id"`
	Status         string           `json:"status"`
	Source         string           `json:"source"`
	Reason         string           `json:"reason,omitempty"`
	ExecutionsUsed int              `json:"executions_used"`
	MaxExecutions  int              `json:"max_executions"`
	TTLMinutes     int              `json:"ttl_minutes"`
	ExpiresAt      time.Time        `json:"expires_at,omitzero"`
	Commands       []grantEntryView `json:"commands"`
}

func viewGrant(g *store.GrantSession, cmds []store.GrantCommand) grantView {
	v := grantView{
		GrantID:        g.GrantID,
		Status:         g.Status,
		Source:         g.Source,
		Reason:         g.Reason,
		ExecutionsUsed: g.ExecutionsUsed,
		MaxExecutions:  g.MaxExecutions,
		TTLMinutes:     g.TTLMinutes,
		ExpiresAt:      g.ExpiresAt,
	}
	for _, c := range cmds {
		v.Commands = append(v.Commands, grantEntryView{
			Entry: c.Entry, Bucket: c.Bucket, IsPattern: c.IsPattern,
			Consumed: c.Consumed, Uses: c.Uses,
		})
	}
	return v
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var in grantBody
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.Entries) == 0 || in.Source == "" {
		writeError(w, http.StatusBadRequest, "entries and source are required")
		return
	}
	g, cmds, err := s.pipe.SubmitGrant(r.Context(), grant.Request{
		Source:      in.Source,
		TrustScope:  in.TrustScope,
		AccountID:   in.AccountID,
		AccountTag:  in.AccountTag,
		Reason:      in.Reason,
		AllowRepeat: in.AllowRepeat,
		TTLMinutes:  in.TTLMinutes,
		Entries:     in.Entries,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewGrant(g, cmds))
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	g, cmds, err := s.grants.Status(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown grant")
		return
	}
	if err != nil {
		s.logger.Error("grant lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, viewGrant(g, cmds))
}

func (s *Server) handleExecuteGrant(w http.ResponseWriter, r *http.Request) {
	var in submitBody
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Command == "" || in.Source == "" {
		writeError(w, http.StatusBadRequest, "command and source are required")
		return
	}
	d, err := s.pipe.ExecuteGrant(r.Context(), chi.URLParam(r, "id"), pipeline.SubmitInput{
		Command:    in.Command,
		Reason:     in.Reason,
		Source:     in.Source,
		TrustScope: in.TrustScope,
		AccountID:  in.AccountID,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeDecision(w, d)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	err := s.grants.Revoke(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown grant")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "grant is not revocable")
	case err != nil:
		s.logger.Error("grant revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "revoke failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

type trustView struct {
	TrustID      string    `json:"trust_id"`
	TrustScope   string    `json:"trust_scope"`
	AccountID    string    `json:"account_id"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	CommandsUsed int       `json:"commands_used"`
	CommandsMax  int       `json:"commands_max"`
	UploadsUsed  int       `json:"uploads_used"`
	UploadsMax   int       `json:"uploads_max"`
	BytesUsed    int64     `json:"bytes_used"`
	BytesMax     int64     `json:"bytes_max"`
}

func (s *Server) handleListTrust(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListTrustSessions()
	if err != nil {
		s.logger.Error("trust list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]trustView, len(sessions))
	for i, t := range sessions {
		out[i] = trustView{
			TrustID:      t.TrustID,
			TrustScope:   t.TrustScope,
			AccountID:    t.AccountID,
			Status:       t.Status,
			ExpiresAt:    t.ExpiresAt,
			CommandsUsed: t.CommandsUsed,
			CommandsMax:  t.CommandsMax,
			UploadsUsed:  t.UploadsUsed,
			UploadsMax:   t.UploadsMax,
			BytesUsed:    t.BytesUsed,
			BytesMax:     t.BytesMax,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleRevokeTrust(w http.ResponseWriter, r *http.Request) {
	err := s.trust.Revoke(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown trust session")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "trust session is not active")
	case err != nil:
		s.logger.Error("trust revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "revoke failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

type deployBody struct {
	ProjectID string          `json:"project_id"`
	Branch    string          `json:"branch"`
	Reason    string          `json:"reason"`
	Source    string          `json:"source"`
	Template  json.RawMessage `json:"template,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var in deployBody
	if !decodeBody(w, r, &in) {
		return
	}
	if in.ProjectID == "" || in.Source == "" {
		writeError(w, http.StatusBadRequest, "project_id and source are required")
		return
	}
	d, info, err := s.pipe.SubmitDeploy(r.Context(), pipeline.DeployInput{
		ProjectID: in.ProjectID,
		Branch:    in.Branch,
		Reason:    in.Reason,
		Source:    in.Source,
		Template:  []byte(in.Template),
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	code := http.StatusAccepted
	switch d.Status {
	case pipeline.StatusConflict:
		code = http.StatusConflict
	case pipeline.StatusComplianceRejected:
		code = http.StatusForbidden
	}
	writeJSON(w, code, struct {
		*pipeline.Decision
		Deploy *pipeline.DeployInfo `json:"deploy,omitempty"`
	}{d, info})
}

type accountBody struct {
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	RoleARN     string `json:"role_arn"`
	Bucket      string `json:"bucket"`
	Sensitivity string `json:"sensitivity"`
	Enabled     bool   `json:"enabled"`
	IsDefault   bool   `json:"is_default"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.logger.Error("account list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]accountBody, len(accounts))
	for i, a := range accounts {
		out[i] = accountBody{
			AccountID:   a.AccountID,
			Name:        a.Name,
			RoleARN:     a.RoleARN,
			Bucket:      a.Bucket,
			Sensitivity: a.Sensitivity,
			Enabled:     a.Enabled,
			IsDefault:   a.IsDefault,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleAccountOp(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Account accountBody `json:"account"`
		Reason  string      `json:"reason"`
		Source  string      `json:"source"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	d, err := s.pipe.SubmitAccountOp(r.Context(), pipeline.AccountOpInput{
		Account: store.Account{
			AccountID:   in.Account.AccountID,
			Name:        in.Account.Name,
			RoleARN:     in.Account.RoleARN,
			Bucket:      in.Account.Bucket,
			Sensitivity: in.Account.Sensitivity,
			Enabled:     in.Account.Enabled,
			IsDefault:   in.Account.IsDefault,
		},
		Reason: in.Reason,
		Source: in.Source,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeDecision(w, d)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipe.SubmitAccountOp(r.Context(), pipeline.AccountOpInput{
		Remove:  true,
		Account: store.Account{AccountID: chi.URLParam(r, "id")},
		Reason:  r.URL.Query().Get("reason"),
		Source:  r.URL.Query().Get("source"),
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeDecision(w, d)
}

func (s *Server) handleSafelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"verb_prefixes":     s.rules.Safelist.VerbPrefixes,
		"explicit_prefixes": s.rules.Safelist.ExplicitPrefixes,
	})
}

// handleSlackCallback verifies the Slack signature, decodes the interaction,
// and routes the action to the dispatcher. The reply text is returned in the
// response so Slack shows it as an ephemeral message.
func (s *Server) handleSlackCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	verifier, err := slack.NewSecretsVerifier(r.Header, s.cfg.CallbackSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}
	if _, err := verifier.Write(body); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}
	if err := verifier.Ensure(); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction payload")
		return
	}
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		writeError(w, http.StatusBadRequest, "unsupported interaction type")
		return
	}

	reply := s.disp.Handle(r.Context(), cb.ActionCallback.BlockActions[0].Value, cb.User.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"response_type": "ephemeral",
		"text":          reply.Text,
	})
}

// decodeBody reads a JSON request body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
