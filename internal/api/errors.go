package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"querydesk/internal/domain"
)

// apiError is the HTTP rendering of a domain error.
type apiError struct {
	Status  int
	Code    string
	Type    string
	Message string
	Details map[string]interface{}
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	return apiErrorFromDomainError(err).Status
}

// apiErrorFromDomainError maps a domain error to its status, code and
// details. Unknown errors become a 500 without leaking the message.
func apiErrorFromDomainError(err error) apiError {
	var (
		validation   *domain.ValidationError
		missing      *domain.MissingParameterError
		engine       *domain.EngineNotSupportedError
		rateLimit    *domain.RateLimitExceededError
		badToken     *domain.InvalidDownloadTokenError
		noResult     *domain.ResultNotFoundError
		notFound     *domain.NotFoundError
		unauthorized *domain.UnauthorizedError
	)

	switch {
	case errors.As(err, &rateLimit):
		return apiError{
			Status:  http.StatusTooManyRequests,
			Code:    "RATE_LIMIT_EXCEEDED",
			Type:    "RateLimitExceededException",
			Message: err.Error(),
			Details: map[string]interface{}{
				"limitType":    rateLimit.LimitType,
				"limit":        rateLimit.Limit,
				"currentUsage": rateLimit.CurrentUsage,
				"resetAt":      rateLimit.ResetAt.UTC().Format(time.RFC3339),
			},
		}
	case errors.As(err, &engine):
		return apiError{
			Status:  http.StatusBadRequest,
			Code:    "QUERY_ENGINE_NOT_SUPPORTED",
			Type:    "QueryEngineNotSupportedException",
			Message: err.Error(),
			Details: map[string]interface{}{
				"engine":         engine.Engine,
				"allowedEngines": nonNil(engine.AllowedEngines),
			},
		}
	case errors.As(err, &missing):
		return apiError{
			Status:  http.StatusBadRequest,
			Code:    "MISSING_PARAMETER",
			Type:    "MissingParameterException",
			Message: err.Error(),
			Details: map[string]interface{}{"parameter": missing.Name},
		}
	case errors.As(err, &badToken):
		return apiError{
			Status:  http.StatusBadRequest,
			Code:    "INVALID_DOWNLOAD_TOKEN",
			Type:    "InvalidDownloadTokenException",
			Message: err.Error(),
			Details: map[string]interface{}{"executionId": badToken.ExecutionID},
		}
	case errors.As(err, &noResult):
		return apiError{
			Status:  http.StatusNotFound,
			Code:    "RESULT_NOT_FOUND",
			Type:    "ResultNotFoundException",
			Message: err.Error(),
			Details: map[string]interface{}{"executionId": noResult.ExecutionID},
		}
	case errors.As(err, &validation):
		return apiError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Type: "ValidationException", Message: err.Error()}
	case errors.As(err, &notFound):
		return apiError{Status: http.StatusNotFound, Code: "NOT_FOUND", Type: "NotFoundException", Message: err.Error()}
	case errors.As(err, &unauthorized):
		return apiError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Type: "UnauthorizedException", Message: err.Error()}
	default:
		return apiError{
			Status:  http.StatusInternalServerError,
			Code:    "INTERNAL_ERROR",
			Type:    "InternalServerErrorException",
			Message: "internal server error",
		}
	}
}

// writeError renders err as the error envelope. 5xx causes are logged.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, now time.Time, err error) {
	ae := apiErrorFromDomainError(err)
	if ae.Status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	var rateLimit *domain.RateLimitExceededError
	if errors.As(err, &rateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateLimit.ResetAt, now)))
	}

	body := map[string]interface{}{
		"code":    ae.Code,
		"type":    ae.Type,
		"message": ae.Message,
	}
	if ae.Details != nil {
		body["details"] = ae.Details
	}
	writeJSON(w, ae.Status, map[string]interface{}{"success": false, "error": body})
}

// retryAfterSeconds rounds up the wait until resetAt, never below one second.
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
