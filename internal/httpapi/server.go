// Package httpapi exposes the gateway over HTTP. The agent surface is
// bearer-authenticated; the Slack interaction endpoint is authenticated by
// the signing secret instead.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clawdbot/bouncer/internal/dispatch"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/pipeline"
	"github.com/clawdbot/bouncer/internal/rules"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
)

const maxBodyBytes = 1 << 20

// Config holds the server's authentication material.
type Config struct {
	// RequestSecret authenticates the agent surface.
	RequestSecret string
	// CallbackSecret is the Slack signing secret for the interaction
	// endpoint.
	CallbackSecret string
}

// Confirmer verifies staged uploads landed and resolves batch keys.
type Confirmer interface {
	Confirm(ctx context.Context, keys []string) (missing []string, err error)
	StagedKey(batchID, name string) string
}

// Server routes HTTP traffic to the pipeline and dispatcher.
type Server struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	disp    *dispatch.Dispatcher
	store   *store.Store
	trust   *trust.Manager
	grants  *grant.Manager
	uploads Confirmer
	rules   *rules.Set
	logger  *log.Logger
}

// Deps carries the server collaborators.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Dispatcher *dispatch.Dispatcher
	Store      *store.Store
	Trust      *trust.Manager
	Grants     *grant.Manager
	Uploads    Confirmer
	Rules      *rules.Set
	Logger     *log.Logger
}

// New assembles the server.
func New(cfg Config, d Deps) *Server {
	return &Server{
		cfg:     cfg,
		pipe:    d.Pipeline,
		disp:    d.Dispatcher,
		store:   d.Store,
		trust:   d.Trust,
		grants:  d.Grants,
		uploads: d.Uploads,
		rules:   d.Rules,
		logger:  d.Logger,
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Slack calls this directly; it carries its own signature.
	r.Post("/v1/callbacks/slack", s.handleSlackCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Post("/v1/submit", s.handleSubmit)
		r.Get("/v1/requests/{id}", s.handleGetRequest)
		r.Get("/v1/pending", s.handleListPending)
		r.Get("/v1/pages/{id}", s.handleGetPage)

		r.Post("/v1/presign", s.handlePresign)
		r.Post("/v1/presign/batch", s.handlePresignBatch)
		r.Post("/v1/uploads", s.handleUpload)
		r.Post("/v1/uploads/batch", s.handleUploadBatch)
		r.Post("/v1/uploads/confirm", s.handleConfirmUploads)

		r.Post("/v1/grants", s.handleCreateGrant)
		r.Get("/v1/grants/{id}", s.handleGetGrant)
		r.Post("/v1/grants/{id}/execute", s.handleExecuteGrant)
		r.Delete("/v1/grants/{id}", s.handleRevokeGrant)

		r.Get("/v1/trust", s.handleListTrust)
		r.Delete("/v1/trust/{id}", s.handleRevokeTrust)

		r.Post("/v1/deploy", s.handleDeploy)

		r.Get("/v1/accounts", s.handleListAccounts)
		r.Post("/v1/accounts", s.handleAccountOp)
		r.Delete("/v1/accounts/{id}", s.handleRemoveAccount)

		r.Get("/v1/safelist", s.handleSafelist)
	})
	return r
}

// requireBearer checks the agent's shared request secret.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.RequestSecret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.RequestSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing request secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
