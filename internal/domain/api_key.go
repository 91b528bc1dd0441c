package domain

import (
	"strings"
	"time"
)

// APIKey is a stored credential for programmatic access. The raw key is
// shown once at creation and never stored.
type APIKey struct {
	ID        string
	UserID    string
	Name      string
	KeyPrefix string // first 8 chars for identification
	KeyHash   string // SHA-256 hex of the raw key
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// CreateAPIKeyRequest holds parameters for creating a new API key.
type CreateAPIKeyRequest struct {
	UserID    string
	Name      string
	ExpiresAt *time.Time
}

// Validate checks that the request is well-formed.
func (r *CreateAPIKeyRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrValidation("user id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrValidation("api key name is required")
	}
	return nil
}
