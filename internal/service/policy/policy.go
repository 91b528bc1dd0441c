// Package policy computes per-user execution policies and enforces the
// hourly and daily query quotas.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"querydesk/internal/domain"
	"querydesk/internal/observability"
)

// Config holds the global policy caps. A negative quota disables that limit;
// a zero quota blocks all executions.
type Config struct {
	MaxQueryDurationSeconds int
	MaxResultRows           int
	MaxResultSizeMb         int
	MaxFileSizeMb           int
	AllowedEngines          []string
	AllowedFileTypes        []string
	QueriesPerHour          int64
	QueriesPerDay           int64
}

// OverrideSource supplies per-user policy overrides.
type OverrideSource interface {
	Override(userID string) (domain.PolicyOverride, bool)
}

// Service is the PolicyEngine. It is safe for concurrent use; all shared
// state lives in the injected counter store.
type Service struct {
	cfg       Config
	counters  domain.UsageCounterStore
	overrides OverrideSource
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a policy Service.
func NewService(cfg Config, counters domain.UsageCounterStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, counters: counters, logger: logger, now: time.Now}
}

// SetOverrides configures per-user overrides. Optional.
func (s *Service) SetOverrides(src OverrideSource) {
	s.overrides = src
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetPolicy returns the effective policy for userID including current usage.
func (s *Service) GetPolicy(ctx context.Context, userID string) (*domain.ExecutionPolicy, error) {
	p := s.staticPolicy(userID)
	now := s.now()

	hour, err := s.counters.Count(ctx, domain.NewUsageKey(userID, domain.WindowHour, now))
	if err != nil {
		return nil, fmt.Errorf("read hourly usage: %w", err)
	}
	day, err := s.counters.Count(ctx, domain.NewUsageKey(userID, domain.WindowDay, now))
	if err != nil {
		return nil, fmt.Errorf("read daily usage: %w", err)
	}
	p.CurrentUsage = domain.Usage{QueriesThisHour: hour, QueriesToday: day}
	return p, nil
}

// StaticPolicy returns the effective policy without reading usage.
func (s *Service) StaticPolicy(userID string) *domain.ExecutionPolicy {
	return s.staticPolicy(userID)
}

// CheckAndRecord consumes one query from both the hourly and daily quota, or
// returns *domain.RateLimitExceededError naming the first breached limit.
// A rejected attempt consumes nothing.
func (s *Service) CheckAndRecord(ctx context.Context, userID string) error {
	p := s.staticPolicy(userID)
	now := s.now()

	hourKey := domain.NewUsageKey(userID, domain.WindowHour, now)
	if err := s.consume(ctx, hourKey, domain.LimitQueriesPerHour, p.RateLimits.QueriesPerHour, now); err != nil {
		return err
	}

	dayKey := domain.NewUsageKey(userID, domain.WindowDay, now)
	if err := s.consume(ctx, dayKey, domain.LimitQueriesPerDay, p.RateLimits.QueriesPerDay, now); err != nil {
		if p.RateLimits.QueriesPerHour >= 0 {
			if rbErr := s.counters.Decrement(ctx, hourKey); rbErr != nil {
				s.logger.Warn("roll back hourly usage failed", "user", userID, "error", rbErr)
			}
		}
		return err
	}
	return nil
}

func (s *Service) consume(ctx context.Context, key domain.UsageKey, limitType string, limit int64, now time.Time) error {
	if limit < 0 {
		return nil
	}
	count, ok, err := s.counters.IncrementIfBelow(ctx, key, limit)
	if err != nil {
		return fmt.Errorf("record %s usage: %w", key.Window, err)
	}
	if ok {
		return nil
	}
	_, end := key.Window.Bounds(now)
	observability.IncrementRateLimitRejection(limitType)
	s.logger.Info("rate limit exceeded", "user", key.UserID, "limit_type", limitType, "limit", limit, "usage", count)
	return &domain.RateLimitExceededError{
		LimitType:    limitType,
		Limit:        limit,
		CurrentUsage: count,
		ResetAt:      end,
	}
}

func (s *Service) staticPolicy(userID string) *domain.ExecutionPolicy {
	p := &domain.ExecutionPolicy{
		MaxQueryDurationSeconds: s.cfg.MaxQueryDurationSeconds,
		MaxResultRows:           s.cfg.MaxResultRows,
		MaxResultSizeMb:         s.cfg.MaxResultSizeMb,
		MaxFileSizeMb:           s.cfg.MaxFileSizeMb,
		AllowedEngines:          slices.Clone(s.cfg.AllowedEngines),
		AllowedFileTypes:        slices.Clone(s.cfg.AllowedFileTypes),
		RateLimits: domain.RateLimits{
			QueriesPerHour: s.cfg.QueriesPerHour,
			QueriesPerDay:  s.cfg.QueriesPerDay,
		},
	}
	if s.overrides == nil {
		return p
	}
	o, ok := s.overrides.Override(userID)
	if !ok {
		return p
	}
	if o.QueriesPerHour != nil {
		p.RateLimits.QueriesPerHour = *o.QueriesPerHour
	}
	if o.QueriesPerDay != nil {
		p.RateLimits.QueriesPerDay = *o.QueriesPerDay
	}
	if o.MaxResultRows != nil {
		p.MaxResultRows = *o.MaxResultRows
	}
	if o.MaxQueryDurationSeconds != nil {
		p.MaxQueryDurationSeconds = *o.MaxQueryDurationSeconds
	}
	// Overrides can only narrow the engine and file-type sets.
	if len(o.AllowedEngines) > 0 {
		p.AllowedEngines = intersect(p.AllowedEngines, o.AllowedEngines)
	}
	if len(o.AllowedFileTypes) > 0 {
		p.AllowedFileTypes = intersect(p.AllowedFileTypes, o.AllowedFileTypes)
	}
	return p
}

func intersect(base, subset []string) []string {
	out := make([]string, 0, len(subset))
	for _, v := range base {
		if slices.Contains(subset, v) {
			out = append(out, v)
		}
	}
	return out
}

// Unlimited is the quota value meaning "no limit".
const Unlimited int64 = -1
