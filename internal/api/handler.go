// Package api provides the HTTP handlers and router for the run service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"querydesk/internal/domain"
)

// PolicyReader returns a user's effective policy with current usage.
type PolicyReader interface {
	GetPolicy(ctx context.Context, userID string) (*domain.ExecutionPolicy, error)
}

// Runner executes ad-hoc queries.
type Runner interface {
	Execute(ctx context.Context, userID string, req domain.ExecutionRequest) (*domain.ExecutionResult, error)
}

// ResultAccess serves stored artifacts and mints download tokens.
type ResultAccess interface {
	GetForDownload(ctx context.Context, executionID, format, token string) (*domain.Download, error)
	IssueToken(ctx context.Context, executionID, format, ownerID string) (string, error)
}

// Boundary limits on request values. Policy caps are applied afterwards.
const (
	maxRequestLimit   = 10000
	maxRequestTimeout = 3600
	maxRequestBody    = 1 << 20
)

// Handler serves the /run endpoints.
type Handler struct {
	policy  PolicyReader
	runner  Runner
	results ResultAccess
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(policy PolicyReader, runner Runner, results ResultAccess, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{policy: policy, runner: runner, results: results, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for Retry-After. Used by tests.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, h.now(), err)
}

// userID returns the authenticated caller or writes a 401.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := domain.UserIDFromContext(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrUnauthorized("unauthorized: no authenticated principal"))
		return "", false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
