package domain

import (
	"context"
	"strings"
)

// Authentication methods recorded on ContextPrincipal.Via.
const (
	AuthViaJWT    = "jwt"
	AuthViaAPIKey = "api_key"
)

type principalCtxKey struct{}

// ContextPrincipal is the authenticated caller. Name is the user id that
// quotas, overrides and result ownership are keyed by.
type ContextPrincipal struct {
	Name string
	Via  string
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(ContextPrincipal)
	return p, ok
}

// UserIDFromContext returns the caller's user id, or false when the request
// is unauthenticated or the principal has a blank name.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || strings.TrimSpace(p.Name) == "" {
		return "", false
	}
	return p.Name, true
}
