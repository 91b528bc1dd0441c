// Package domain defines core types, interfaces, and errors for the run service.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnauthorizedError indicates a missing or invalid credential.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// MissingParameterError is returned by the SQL renderer when a placeholder
// has no corresponding parameter value.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing value for parameter %q", e.Name)
}

// EngineNotSupportedError indicates the requested engine is unknown or not
// allowed for the caller.
type EngineNotSupportedError struct {
	Engine         string
	AllowedEngines []string
}

func (e *EngineNotSupportedError) Error() string {
	return fmt.Sprintf("query engine %q is not supported (allowed: %s)", e.Engine, strings.Join(e.AllowedEngines, ", "))
}

// Rate limit types reported by RateLimitExceededError.
const (
	LimitQueriesPerHour = "queries_per_hour"
	LimitQueriesPerDay  = "queries_per_day"
)

// RateLimitExceededError reports the first breached usage limit.
type RateLimitExceededError struct {
	LimitType    string
	Limit        int64
	CurrentUsage int64
	ResetAt      time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s limit %d reached (usage %d, resets at %s)",
		e.LimitType, e.Limit, e.CurrentUsage, e.ResetAt.UTC().Format(time.RFC3339))
}

// EngineErrorKind classifies an engine failure.
type EngineErrorKind string

// Engine failure kinds.
const (
	EngineErrorTimeout    EngineErrorKind = "timeout"
	EngineErrorConnection EngineErrorKind = "connection"
	EngineErrorQuery      EngineErrorKind = "query"
)

// EngineError is the normalized failure shape of every engine adapter.
type EngineError struct {
	Engine string
	Kind   EngineErrorKind
	Err    error
}

func (e *EngineError) Error() string {
	if e.Kind == EngineErrorTimeout {
		return fmt.Sprintf("%s: query timed out: %v", e.Engine, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Engine, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// InvalidDownloadTokenError indicates a download token that does not match the
// requested artifact, has expired, or has been used up.
type InvalidDownloadTokenError struct {
	ExecutionID string
}

func (e *InvalidDownloadTokenError) Error() string {
	return fmt.Sprintf("invalid or expired download token for execution %q", e.ExecutionID)
}

// ResultNotFoundError indicates there is no (unexpired) stored result for an execution.
type ResultNotFoundError struct {
	ExecutionID string
}

func (e *ResultNotFoundError) Error() string {
	return fmt.Sprintf("result for execution %q not found", e.ExecutionID)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnauthorized creates an UnauthorizedError with a formatted message.
func ErrUnauthorized(format string, args ...interface{}) *UnauthorizedError {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}
