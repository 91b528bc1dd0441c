package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/config"
	"querydesk/internal/domain"
	"querydesk/internal/engine"
	"querydesk/internal/middleware"
	"querydesk/internal/service/policy"
	"querydesk/internal/service/results"
	"querydesk/internal/service/run"
	"querydesk/internal/sqltemplate"
	"querydesk/internal/storage"
	"querydesk/internal/testutil"
)

var testNow = time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

type testServer struct {
	router   http.Handler
	bigquery *testutil.MockEngineAdapter
	trino    *testutil.MockEngineAdapter
}

func testPolicy() policy.Config {
	return policy.Config{
		MaxQueryDurationSeconds: 3600,
		MaxResultRows:           10000,
		MaxResultSizeMb:         100,
		MaxFileSizeMb:           100,
		AllowedEngines:          []string{domain.EngineBigQuery, domain.EngineTrino},
		AllowedFileTypes:        []string{domain.FormatCSV, domain.FormatJSON, domain.FormatParquet},
		QueriesPerHour:          50,
		QueriesPerDay:           500,
	}
}

func newTestServer(t *testing.T, cfg policy.Config) *testServer {
	t.Helper()
	clock := func() time.Time { return testNow }

	pol := policy.NewService(cfg, policy.NewMemoryStore(), nil)
	pol.SetClock(clock)

	cols := []string{"id", "name"}
	bq := &testutil.MockEngineAdapter{
		EngineName: domain.EngineBigQuery,
		QueryFn: func(_ context.Context, _ string, _ int) ([]string, []domain.Row, error) {
			return cols, testutil.Rows(cols, []interface{}{1, "Alice"}, []interface{}{2, "Bob, Jr."}), nil
		},
	}
	trino := &testutil.MockEngineAdapter{EngineName: domain.EngineTrino}
	disp := engine.NewDispatcher(nil)
	disp.Register(bq)
	disp.Register(trino)

	store := results.NewService(results.NewMemoryIndex(), storage.NewMemory(), results.Config{}, nil)
	store.SetClock(clock)

	orch := run.NewOrchestrator(pol, sqltemplate.New(), disp, store, nil)
	h := NewHandler(pol, orch, store, nil)
	h.SetClock(clock)

	auth := middleware.NewAuthenticator(nil,
		middleware.NewStaticAPIKeys(map[string]string{"alice-key": "alice", "bob-key": "bob"}),
		config.AuthConfig{}, nil)

	return &testServer{
		router:   NewRouter(RouterConfig{Handler: h, Auth: auth.Middleware(), AllowedOrigins: []string{"*"}}),
		bigquery: bq,
		trino:    trino,
	}
}

func (s *testServer) do(t *testing.T, method, target, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type executeEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Status       string            `json:"status"`
		QueryID      string            `json:"queryId"`
		ExecutionID  string            `json:"executionId"`
		RowsReturned int               `json:"rowsReturned"`
		Columns      []string          `json:"columns"`
		Rows         []map[string]any  `json:"rows"`
		RenderedSQL  string            `json:"renderedSql"`
		DownloadURLs map[string]string `json:"downloadUrls"`
		Error        string            `json:"error"`
	} `json:"data"`
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string         `json:"code"`
		Type    string         `json:"type"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{
		"sql":        "SELECT id, name FROM users WHERE id > {min}",
		"parameters": map[string]any{"min": 0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decode[executeEnvelope](t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "SUCCESS", env.Data.Status)
	assert.NotEmpty(t, env.Data.QueryID)
	assert.Equal(t, env.Data.QueryID, env.Data.ExecutionID)
	assert.Equal(t, 2, env.Data.RowsReturned)
	assert.Equal(t, []string{"id", "name"}, env.Data.Columns)
	assert.Equal(t, "SELECT id, name FROM users WHERE id > 0", env.Data.RenderedSQL)
	assert.Empty(t, env.Data.DownloadURLs)

	calls := s.bigquery.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1000, calls[0].Limit)
}

func TestExecute_RateLimitScenario(t *testing.T) {
	t.Parallel()
	cfg := testPolicy()
	cfg.QueriesPerHour = 2
	s := newTestServer(t, cfg)

	for range 2 {
		rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELECT 1"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELECT 1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2700", rec.Header().Get("Retry-After"))

	env := decode[errorEnvelope](t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Error.Code)
	assert.Equal(t, "RateLimitExceededException", env.Error.Type)
	assert.Equal(t, "queries_per_hour", env.Error.Details["limitType"])
	assert.InDelta(t, 2, env.Error.Details["limit"], 0)
	assert.InDelta(t, 2, env.Error.Details["currentUsage"], 0)
	assert.Equal(t, "2026-03-04T11:00:00Z", env.Error.Details["resetAt"])
	assert.Len(t, s.bigquery.Calls(), 2)

	// Another user is unaffected.
	rec = s.do(t, http.MethodPost, "/run/execute", "bob-key", map[string]any{"sql": "SELECT 1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecute_DryRunScenario(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{
		"sql":        "SELECT * FROM events WHERE day = {day}",
		"parameters": map[string]any{"day": "2026-03-04"},
		"dryRun":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decode[executeEnvelope](t, rec)
	assert.Equal(t, "VALIDATED", env.Data.Status)
	assert.Empty(t, env.Data.QueryID)
	assert.Equal(t, "SELECT * FROM events WHERE day = '2026-03-04'", env.Data.RenderedSQL)
	assert.Empty(t, env.Data.Rows)
	assert.Empty(t, s.bigquery.Calls())

	rec = s.do(t, http.MethodGet, "/run/policy", "alice-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pol := decode[policyResponse](t, rec)
	assert.Equal(t, usageResponse{}, pol.CurrentUsage)
}

func TestExecute_EngineNotSupportedScenario(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELECT 1", "engine": "mysql"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decode[errorEnvelope](t, rec)
	assert.Equal(t, "QUERY_ENGINE_NOT_SUPPORTED", env.Error.Code)
	assert.Equal(t, "QueryEngineNotSupportedException", env.Error.Type)
	assert.Equal(t, []any{"bigquery", "trino"}, env.Error.Details["allowedEngines"])
	assert.Empty(t, s.bigquery.Calls())
	assert.Empty(t, s.trino.Calls())
}

func TestExecute_CSVDownloadScenario(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{
		"sql":            "SELECT id, name FROM users",
		"downloadFormat": "csv",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[executeEnvelope](t, rec)
	link := env.Data.DownloadURLs["csv"]
	require.NotEmpty(t, link)

	// No auth header: the token is the credential.
	rec = s.do(t, http.MethodGet, link, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="result.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "28", rec.Header().Get("Content-Length"))
	assert.Equal(t, "id,name\n1,Alice\n2,\"Bob, Jr.\"", rec.Body.String())

	// Single use.
	rec = s.do(t, http.MethodGet, link, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_DOWNLOAD_TOKEN", decode[errorEnvelope](t, rec).Error.Code)

	// A fresh token from the owner works again.
	rec = s.do(t, http.MethodPost, "/run/results/"+env.Data.ExecutionID+"/tokens?format=csv", "alice-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[tokenResponse](t, rec)
	rec = s.do(t, http.MethodGet, tok.DownloadURL, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Other users cannot mint tokens for it.
	rec = s.do(t, http.MethodPost, "/run/results/"+env.Data.ExecutionID+"/tokens?format=csv", "bob-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload_Errors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantErr  string
	}{
		{"missing format", "/run/results/abc/download?token=t", http.StatusBadRequest, "MISSING_PARAMETER"},
		{"missing token", "/run/results/abc/download?format=csv", http.StatusBadRequest, "MISSING_PARAMETER"},
		{"unknown execution", "/run/results/abc/download?format=csv&token=t", http.StatusNotFound, "RESULT_NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tc.target, "", nil)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantErr, decode[errorEnvelope](t, rec).Error.Code)
		})
	}
}

func TestDownload_WrongToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELECT 1", "downloadFormat": "json"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[executeEnvelope](t, rec).Data.ExecutionID

	rec = s.do(t, http.MethodGet, "/run/results/"+id+"/download?format=json&token=guess", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_DOWNLOAD_TOKEN", decode[errorEnvelope](t, rec).Error.Code)

	rec = s.do(t, http.MethodGet, "/run/results/"+id+"/download?format=csv&token=guess", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecute_BoundaryValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	tests := []struct {
		name    string
		body    interface{}
		wantErr string
	}{
		{"blank sql", map[string]any{"sql": "  "}, "VALIDATION_ERROR"},
		{"limit zero", map[string]any{"sql": "SELECT 1", "limit": 0}, "VALIDATION_ERROR"},
		{"limit too large", map[string]any{"sql": "SELECT 1", "limit": 10001}, "VALIDATION_ERROR"},
		{"timeout too large", map[string]any{"sql": "SELECT 1", "timeout": 3601}, "VALIDATION_ERROR"},
		{"malformed json", `{"sql":`, "VALIDATION_ERROR"},
		{"missing parameter", map[string]any{"sql": "SELECT {x}"}, "MISSING_PARAMETER"},
		{"bad format", map[string]any{"sql": "SELECT 1", "downloadFormat": "xlsx"}, "VALIDATION_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantErr, decode[errorEnvelope](t, rec).Error.Code)
		})
	}
	assert.Empty(t, s.bigquery.Calls())
}

func TestExecute_EngineFailureIs200(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())
	s.trino.QueryFn = func(_ context.Context, _ string, _ int) ([]string, []domain.Row, error) {
		return nil, nil, errors.New("syntax error at line 1")
	}

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELEC 1", "engine": "trino"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[executeEnvelope](t, rec)
	assert.Equal(t, "FAILED", env.Data.Status)
	assert.Contains(t, env.Data.Error, "syntax error")
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	for _, target := range []struct{ method, path string }{
		{http.MethodGet, "/run/policy"},
		{http.MethodPost, "/run/execute"},
		{http.MethodPost, "/run/results/x/tokens?format=csv"},
	} {
		rec := s.do(t, target.method, target.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target.path)
	}

	rec := s.do(t, http.MethodGet, "/run/policy", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetPolicy(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodPost, "/run/execute", "alice-key", map[string]any{"sql": "SELECT 1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/run/policy", "alice-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, key := range []string{"maxQueryDurationSeconds", "maxResultRows", "maxResultSizeMb", "allowedEngines", "allowedFileTypes", "maxFileSizeMb", "rateLimits", "currentUsage"} {
		assert.Contains(t, raw, key)
	}

	pol := decode[policyResponse](t, rec)
	assert.Equal(t, rateLimitsResponse{QueriesPerHour: 50, QueriesPerDay: 500}, pol.RateLimits)
	assert.Equal(t, usageResponse{QueriesToday: 1, QueriesThisHour: 1}, pol.CurrentUsage)
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testPolicy())

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorEnvelope](t, rec).Error.Code)
}

func TestOpenAPIJSON(t *testing.T) {
	t.Parallel()
	body, err := OpenAPIJSON(context.Background())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/run/policy", "/run/execute", "/run/results/{queryId}/download", "/run/results/{queryId}/tokens"} {
		assert.Contains(t, paths, p)
	}
}
