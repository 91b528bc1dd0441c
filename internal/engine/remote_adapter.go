package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"querydesk/internal/domain"
)

var _ domain.EngineAdapter = (*RemoteAdapter)(nil)

// RemoteQueryRequest is the body of POST {base}/queries.
type RemoteQueryRequest struct {
	RequestID string `json:"request_id"`
	SQL       string `json:"sql"`
	Limit     int    `json:"limit"`
}

// RemoteQueryResponse is returned by a remote engine gateway.
type RemoteQueryResponse struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// RemoteAdapter forwards queries to an HTTP engine gateway (for example a
// BigQuery or Trino proxy). When the caller's context ends first, the
// in-flight query is cancelled with DELETE {base}/queries/{request_id}.
type RemoteAdapter struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewRemoteAdapter creates a RemoteAdapter. client may be nil.
func NewRemoteAdapter(name, baseURL, token string, client *http.Client) *RemoteAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteAdapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		now:     time.Now,
	}
}

// Name implements domain.EngineAdapter.
func (a *RemoteAdapter) Name() string { return a.name }

// Query implements domain.EngineAdapter.
func (a *RemoteAdapter) Query(ctx context.Context, query string, limit int) ([]string, []domain.Row, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(RemoteQueryRequest{RequestID: requestID, SQL: query, Limit: limit})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/queries", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	SignRequest(req, a.token, body, a.now())

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			a.cancel(requestID)
			return nil, nil, &domain.EngineError{Engine: a.name, Kind: domain.EngineErrorTimeout, Err: ctx.Err()}
		}
		return nil, nil, &domain.EngineError{Engine: a.name, Kind: domain.EngineErrorConnection, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			a.cancel(requestID)
		}
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	var out RemoteQueryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, nil, a.statusError(resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, nil, a.statusError(resp.StatusCode, msg)
	}

	rows := make([]domain.Row, 0, len(out.Rows))
	for _, values := range out.Rows {
		if limit > 0 && len(rows) >= limit {
			break
		}
		if len(values) != len(out.Columns) {
			return nil, nil, fmt.Errorf("row has %d values for %d columns", len(values), len(out.Columns))
		}
		rows = append(rows, domain.NewRow(out.Columns, values))
	}
	return out.Columns, rows, nil
}

func (a *RemoteAdapter) statusError(status int, msg string) error {
	kind := domain.EngineErrorQuery
	switch {
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = domain.EngineErrorTimeout
	case status >= http.StatusInternalServerError:
		kind = domain.EngineErrorConnection
	}
	return &domain.EngineError{Engine: a.name, Kind: kind, Err: errors.New(msg)}
}

// cancel asks the gateway to stop requestID. It is best-effort.
func (a *RemoteAdapter) cancel(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/queries/"+requestID, nil)
	if err != nil {
		return
	}
	SignRequest(req, a.token, nil, a.now())
	resp, err := a.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// Close implements domain.EngineAdapter.
func (a *RemoteAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
