// Package run implements the ExecutionOrchestrator: policy check, SQL
// rendering, dry-run validation, dispatch, usage recording and result handoff.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"querydesk/internal/domain"
	"querydesk/internal/observability"
	"querydesk/internal/service/results"
	"querydesk/internal/sqltemplate"
)

// Request defaults.
const (
	DefaultEngine         = domain.EngineBigQuery
	DefaultLimit          = 1000
	DefaultTimeoutSeconds = 300
)

// PolicyEngine is the subset of the policy service the orchestrator uses.
type PolicyEngine interface {
	StaticPolicy(userID string) *domain.ExecutionPolicy
	CheckAndRecord(ctx context.Context, userID string) error
}

// Dispatcher runs rendered SQL on a named engine.
type Dispatcher interface {
	Engines() []string
	Dispatch(ctx context.Context, engine, sql string, limit int, timeout time.Duration) (*domain.DispatchResult, error)
}

// ResultStore persists downloadable artifacts.
type ResultStore interface {
	Store(ctx context.Context, req results.StoreRequest) (map[string]string, error)
}

// Orchestrator executes ad-hoc queries on behalf of a user. It holds no
// mutable state of its own.
type Orchestrator struct {
	policy     PolicyEngine
	renderer   domain.SQLRenderer
	dispatcher Dispatcher
	store      ResultStore
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. store may be nil, in which case
// no artifacts are persisted.
func NewOrchestrator(policy PolicyEngine, renderer domain.SQLRenderer, dispatcher Dispatcher, store ResultStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		policy:     policy,
		renderer:   renderer,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
}

// Execute runs req for userID.
//
// Rejections that happen before dispatch are returned as typed errors:
// *domain.ValidationError, *domain.EngineNotSupportedError,
// *domain.RateLimitExceededError. A render failure returns a FAILED result
// together with the render error. Engine failures are not errors: they
// produce a FAILED result with the message set.
func (o *Orchestrator) Execute(ctx context.Context, userID string, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	o.transition(userID, domain.StateReceived)
	pol := o.policy.StaticPolicy(userID)
	applyDefaults(&req, pol)

	o.transition(userID, domain.StateValidating)
	if err := validate(&req, pol); err != nil {
		return nil, err
	}
	if !pol.AllowsEngine(req.Engine) {
		return nil, &domain.EngineNotSupportedError{Engine: req.Engine, AllowedEngines: pol.AllowedEngines}
	}
	// Policy engines that were never registered are rejected before quota is charged.
	if registered := o.dispatcher.Engines(); !slices.Contains(registered, req.Engine) {
		return nil, &domain.EngineNotSupportedError{Engine: req.Engine, AllowedEngines: registered}
	}

	rendered, err := o.renderer.Render(req.SQL, req.Parameters)
	if err != nil {
		o.transition(userID, domain.StateFailed)
		o.logger.Debug("render failed", "user", userID, "placeholders", sqltemplate.Placeholders(req.SQL), "error", err)
		return &domain.ExecutionResult{
			Status:  domain.ExecutionStatusFailed,
			Columns: []string{},
			Rows:    []domain.Row{},
			Error:   err.Error(),
		}, err
	}

	if req.DryRun {
		o.transition(userID, domain.StateValidated)
		observability.ObserveExecution(req.Engine, string(domain.ExecutionStatusValidated))
		return &domain.ExecutionResult{
			Status:      domain.ExecutionStatusValidated,
			Columns:     []string{},
			Rows:        []domain.Row{},
			RenderedSQL: rendered,
		}, nil
	}

	if err := o.policy.CheckAndRecord(ctx, userID); err != nil {
		var rle *domain.RateLimitExceededError
		if errors.As(err, &rle) {
			o.transition(userID, domain.StateQuotaRejected)
			return nil, err
		}
		return nil, fmt.Errorf("record usage: %w", err)
	}

	o.transition(userID, domain.StateDispatching)
	executionID := domain.NewID()
	res := &domain.ExecutionResult{
		ExecutionID: executionID,
		Columns:     []string{},
		Rows:        []domain.Row{},
		RenderedSQL: rendered,
	}

	start := time.Now()
	dr, err := o.dispatcher.Dispatch(ctx, req.Engine, rendered, req.Limit, time.Duration(req.TimeoutSeconds)*time.Second)
	res.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		var nse *domain.EngineNotSupportedError
		if errors.As(err, &nse) {
			return nil, err
		}
		return o.fail(userID, req.Engine, res, err.Error()), nil
	}

	if limitMb := pol.MaxResultSizeMb; limitMb > 0 {
		size, err := resultSize(dr.Rows)
		if err != nil {
			return o.fail(userID, req.Engine, res, err.Error()), nil
		}
		if size > int64(limitMb)*1024*1024 {
			return o.fail(userID, req.Engine, res,
				fmt.Sprintf("result size %d bytes exceeds the %d MB limit", size, limitMb)), nil
		}
	}

	res.Status = domain.ExecutionStatusSuccess
	res.Columns = dr.Columns
	res.Rows = dr.Rows
	res.RowCount = dr.RowCount
	if dr.DurationMs > 0 {
		res.ExecutionTimeMs = dr.DurationMs
	}

	if req.ShouldPersist() && o.store != nil {
		urls, err := o.store.Store(ctx, results.StoreRequest{
			ExecutionID:   executionID,
			OwnerID:       userID,
			Columns:       dr.Columns,
			Rows:          dr.Rows,
			Formats:       []string{req.DownloadFormat},
			MaxFileSizeMb: pol.MaxFileSizeMb,
		})
		if err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				return nil, err
			}
			return nil, fmt.Errorf("store result %s: %w", executionID, err)
		}
		res.DownloadURLs = urls
	}

	o.transition(userID, domain.StateSuccess)
	observability.ObserveExecution(req.Engine, string(domain.ExecutionStatusSuccess))
	o.logger.Info("query executed",
		"execution_id", executionID, "user", userID, "engine", req.Engine,
		"rows", res.RowCount, "duration_ms", res.ExecutionTimeMs)
	return res, nil
}

func (o *Orchestrator) fail(userID, engine string, res *domain.ExecutionResult, msg string) *domain.ExecutionResult {
	o.transition(userID, domain.StateFailed)
	observability.ObserveExecution(engine, string(domain.ExecutionStatusFailed))
	o.logger.Info("query failed", "execution_id", res.ExecutionID, "user", userID, "engine", engine, "error", msg)
	res.Status = domain.ExecutionStatusFailed
	res.Error = msg
	return res
}

func (o *Orchestrator) transition(userID string, state domain.ExecutionState) {
	o.logger.Debug("execution state", "user", userID, "state", state)
}

func applyDefaults(req *domain.ExecutionRequest, pol *domain.ExecutionPolicy) {
	req.Engine = strings.ToLower(strings.TrimSpace(req.Engine))
	if req.Engine == "" {
		req.Engine = DefaultEngine
		if len(pol.AllowedEngines) > 0 && !pol.AllowsEngine(DefaultEngine) {
			req.Engine = pol.AllowedEngines[0]
		}
	}
	if req.Limit == 0 {
		req.Limit = min(DefaultLimit, pol.MaxResultRows)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = min(DefaultTimeoutSeconds, pol.MaxQueryDurationSeconds)
	}
	req.DownloadFormat = strings.ToLower(strings.TrimSpace(req.DownloadFormat))
}

func validate(req *domain.ExecutionRequest, pol *domain.ExecutionPolicy) error {
	if strings.TrimSpace(req.SQL) == "" {
		return domain.ErrValidation("sql is required")
	}
	if req.Limit < 1 || req.Limit > pol.MaxResultRows {
		return domain.ErrValidation("limit must be between 1 and %d", pol.MaxResultRows)
	}
	if req.TimeoutSeconds < 1 || req.TimeoutSeconds > pol.MaxQueryDurationSeconds {
		return domain.ErrValidation("timeout must be between 1 and %d seconds", pol.MaxQueryDurationSeconds)
	}
	if req.DownloadFormat != "" {
		if !results.SupportedFormat(req.DownloadFormat) {
			return domain.ErrValidation("unsupported download format %q", req.DownloadFormat)
		}
		if !pol.AllowsFileType(req.DownloadFormat) {
			return domain.ErrValidation("download format %q is not allowed (allowed: %s)",
				req.DownloadFormat, strings.Join(pol.AllowedFileTypes, ", "))
		}
	}
	return nil
}

func resultSize(rows []domain.Row) (int64, error) {
	b, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("measure result size: %w", err)
	}
	return int64(len(b)), nil
}
