package domain

import (
	"slices"
	"time"
)

// RateLimits are the per-user query quotas.
type RateLimits struct {
	QueriesPerHour int64
	QueriesPerDay  int64
}

// Usage is the current consumption within the active windows.
type Usage struct {
	QueriesToday    int64
	QueriesThisHour int64
}

// ExecutionPolicy is the effective, per-user execution policy. It is computed
// on read from static configuration, per-user overrides and the usage store.
type ExecutionPolicy struct {
	MaxQueryDurationSeconds int
	MaxResultRows           int
	MaxResultSizeMb         int
	AllowedEngines          []string
	AllowedFileTypes        []string
	MaxFileSizeMb           int
	RateLimits              RateLimits
	CurrentUsage            Usage
}

// AllowsEngine reports whether the engine is in the allowed set.
func (p *ExecutionPolicy) AllowsEngine(engine string) bool {
	return slices.Contains(p.AllowedEngines, engine)
}

// AllowsFileType reports whether the download format is in the allowed set.
func (p *ExecutionPolicy) AllowsFileType(format string) bool {
	return slices.Contains(p.AllowedFileTypes, format)
}

// UsageWindow is a fixed accounting window for query counts.
type UsageWindow string

// Usage windows.
const (
	WindowHour UsageWindow = "hour"
	WindowDay  UsageWindow = "day"
)

// Bounds returns the UTC start and end of the window containing now.
func (w UsageWindow) Bounds(now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch w {
	case WindowDay:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		start = now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	}
}

// UsageKey identifies one user's counter in one window instance.
type UsageKey struct {
	UserID string
	Window UsageWindow
	Start  time.Time
}

// NewUsageKey builds the key for the window instance containing now.
func NewUsageKey(userID string, window UsageWindow, now time.Time) UsageKey {
	start, _ := window.Bounds(now)
	return UsageKey{UserID: userID, Window: window, Start: start}
}

// PolicyOverride is a partial, per-user replacement of the static policy.
// Nil fields keep the global value.
type PolicyOverride struct {
	QueriesPerHour          *int64
	QueriesPerDay           *int64
	MaxResultRows           *int
	MaxQueryDurationSeconds *int
	AllowedEngines          []string
	AllowedFileTypes        []string
}
