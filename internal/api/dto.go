package api

import (
	"encoding/json"

	"querydesk/internal/domain"
)

type rateLimitsResponse struct {
	QueriesPerHour int64 `json:"queriesPerHour"`
	QueriesPerDay  int64 `json:"queriesPerDay"`
}

type usageResponse struct {
	QueriesToday    int64 `json:"queriesToday"`
	QueriesThisHour int64 `json:"queriesThisHour"`
}

type policyResponse struct {
	MaxQueryDurationSeconds int                `json:"maxQueryDurationSeconds"`
	MaxResultRows           int                `json:"maxResultRows"`
	MaxResultSizeMb         int                `json:"maxResultSizeMb"`
	AllowedEngines          []string           `json:"allowedEngines"`
	AllowedFileTypes        []string           `json:"allowedFileTypes"`
	MaxFileSizeMb           int                `json:"maxFileSizeMb"`
	RateLimits              rateLimitsResponse `json:"rateLimits"`
	CurrentUsage            usageResponse      `json:"currentUsage"`
}

func policyToAPI(p *domain.ExecutionPolicy) policyResponse {
	return policyResponse{
		MaxQueryDurationSeconds: p.MaxQueryDurationSeconds,
		MaxResultRows:           p.MaxResultRows,
		MaxResultSizeMb:         p.MaxResultSizeMb,
		AllowedEngines:          nonNil(p.AllowedEngines),
		AllowedFileTypes:        nonNil(p.AllowedFileTypes),
		MaxFileSizeMb:           p.MaxFileSizeMb,
		RateLimits: rateLimitsResponse{
			QueriesPerHour: p.RateLimits.QueriesPerHour,
			QueriesPerDay:  p.RateLimits.QueriesPerDay,
		},
		CurrentUsage: usageResponse{
			QueriesToday:    p.CurrentUsage.QueriesToday,
			QueriesThisHour: p.CurrentUsage.QueriesThisHour,
		},
	}
}

type executeRequest struct {
	SQL            string                 `json:"sql"`
	Engine         string                 `json:"engine"`
	Parameters     map[string]interface{} `json:"parameters"`
	DryRun         bool                   `json:"dryRun"`
	Limit          *int                   `json:"limit"`
	Timeout        *int                   `json:"timeout"`
	DownloadFormat string                 `json:"downloadFormat"`
	PersistResult  *bool                  `json:"persistResult"`
}

func (req executeRequest) toDomain() domain.ExecutionRequest {
	out := domain.ExecutionRequest{
		SQL:            req.SQL,
		Engine:         req.Engine,
		Parameters:     req.Parameters,
		DryRun:         req.DryRun,
		DownloadFormat: req.DownloadFormat,
		PersistResult:  req.PersistResult,
	}
	if req.Limit != nil {
		out.Limit = *req.Limit
	}
	if req.Timeout != nil {
		out.TimeoutSeconds = *req.Timeout
	}
	return out
}

type executeResponse struct {
	Status          string            `json:"status"`
	QueryID         string            `json:"queryId"`
	ExecutionID     string            `json:"executionId"`
	RowsReturned    int               `json:"rowsReturned"`
	RowCount        int               `json:"rowCount"`
	Columns         []string          `json:"columns"`
	Rows            []domain.Row      `json:"rows"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
	RenderedSQL     string            `json:"renderedSql"`
	DownloadURLs    map[string]string `json:"downloadUrls,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func executionToAPI(res *domain.ExecutionResult) executeResponse {
	rows := res.Rows
	if rows == nil {
		rows = []domain.Row{}
	}
	return executeResponse{
		Status:          string(res.Status),
		QueryID:         res.ExecutionID,
		ExecutionID:     res.ExecutionID,
		RowsReturned:    res.RowCount,
		RowCount:        res.RowCount,
		Columns:         nonNil(res.Columns),
		Rows:            rows,
		ExecutionTimeMs: res.ExecutionTimeMs,
		RenderedSQL:     res.RenderedSQL,
		DownloadURLs:    res.DownloadURLs,
		Error:           res.Error,
	}
}

type successEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type tokenResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// decodeExecuteRequest parses the body keeping numbers exact for rendering.
func decodeExecuteRequest(dec *json.Decoder) (executeRequest, error) {
	var req executeRequest
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, domain.ErrValidation("invalid request body: %v", err)
	}
	return req, nil
}
