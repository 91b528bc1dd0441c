package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"querydesk/internal/domain"
)

// GetPolicy handles GET /run/policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	p, err := h.policy.GetPolicy(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyToAPI(p))
}

// Execute handles POST /run/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userID(w, r)
	if !ok {
		return
	}

	req, err := decodeExecuteRequest(json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		h.fail(w, r, domain.ErrValidation("sql is required"))
		return
	}
	if req.Limit != nil && (*req.Limit < 1 || *req.Limit > maxRequestLimit) {
		h.fail(w, r, domain.ErrValidation("limit must be between 1 and %d", maxRequestLimit))
		return
	}
	if req.Timeout != nil && (*req.Timeout < 1 || *req.Timeout > maxRequestTimeout) {
		h.fail(w, r, domain.ErrValidation("timeout must be between 1 and %d", maxRequestTimeout))
		return
	}

	res, err := h.runner.Execute(r.Context(), user, req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: executionToAPI(res)})
}

// Download handles GET /run/results/{queryId}/download. The token is the
// credential, so no principal is required.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "queryId")
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	token := r.URL.Query().Get("token")
	if format == "" {
		h.fail(w, r, &domain.MissingParameterError{Name: "format"})
		return
	}
	if token == "" {
		h.fail(w, r, &domain.MissingParameterError{Name: "token"})
		return
	}

	dl, err := h.results.GetForDownload(r.Context(), executionID, format, token)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Body)
}

// IssueToken handles POST /run/results/{queryId}/tokens?format=.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		h.fail(w, r, &domain.MissingParameterError{Name: "format"})
		return
	}

	url, err := h.results.IssueToken(r.Context(), chi.URLParam(r, "queryId"), format, user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{DownloadURL: url})
}
