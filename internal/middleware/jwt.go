// Package middleware provides HTTP middleware for authentication, request
// ids, access logging and per-client rate limiting.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"querydesk/internal/config"
)

// ErrNoUserClaim is returned by JWTClaims.UserID when the token carries no
// usable user id.
var ErrNoUserClaim = errors.New("token has no user id claim")

// JWTClaims is the verified content of a bearer token.
type JWTClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Raw      map[string]interface{}
}

// UserID resolves the user id quotas and result ownership are keyed by.
// nameClaim is read first; integral numeric ids are accepted. An empty
// nameClaim means "sub".
func (c *JWTClaims) UserID(nameClaim string) (string, error) {
	if nameClaim == "" {
		nameClaim = "sub"
	}
	switch v := c.Raw[nameClaim].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, nil
		}
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'f', 0, 64), nil
		}
	}
	if nameClaim == "sub" && strings.TrimSpace(c.Subject) != "" {
		return strings.TrimSpace(c.Subject), nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoUserClaim, nameClaim)
}

// JWTValidator validates a JWT token and returns the parsed claims.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*JWTClaims, error)
}

// issuerAllowlist accepts any issuer when empty.
type issuerAllowlist map[string]bool

func newIssuerAllowlist(allowed []string, fallback string) issuerAllowlist {
	set := make(issuerAllowlist, len(allowed)+1)
	for _, iss := range allowed {
		if iss = strings.TrimSpace(iss); iss != "" {
			set[iss] = true
		}
	}
	if len(set) == 0 && fallback != "" {
		set[fallback] = true
	}
	return set
}

func (l issuerAllowlist) check(iss string) error {
	if len(l) > 0 && !l[iss] {
		return fmt.Errorf("issuer %q not in allowed list", iss)
	}
	return nil
}

// OIDCValidator validates JWTs against an identity provider's key set.
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
	issuers  issuerAllowlist
}

// NewOIDCValidator creates a validator from an OIDC issuer URL using
// discovery.
func NewOIDCValidator(ctx context.Context, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}
	return &OIDCValidator{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
		issuers:  newIssuerAllowlist(allowedIssuers, issuerURL),
	}, nil
}

// NewOIDCValidatorFromJWKS creates a validator from a JWKS URL without
// discovery.
func NewOIDCValidatorFromJWKS(ctx context.Context, jwksURL, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &OIDCValidator{
		verifier: oidc.NewVerifier(issuerURL, keySet, &oidc.Config{ClientID: audience}),
		issuers:  newIssuerAllowlist(allowedIssuers, issuerURL),
	}, nil
}

// Validate implements JWTValidator.
func (v *OIDCValidator) Validate(ctx context.Context, tokenString string) (*JWTClaims, error) {
	idToken, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if err := v.issuers.check(idToken.Issuer); err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	return &JWTClaims{
		Subject:  idToken.Subject,
		Issuer:   idToken.Issuer,
		Audience: idToken.Audience,
		Raw:      raw,
	}, nil
}

// HS256Validator validates JWTs signed with a shared secret. Tokens must
// carry exp.
type HS256Validator struct {
	secret  []byte
	parser  *jwt.Parser
	issuers issuerAllowlist
}

// NewHS256Validator creates a validator for HS256 tokens. A non-empty
// audience is enforced on aud; allowedIssuers, when given, on iss.
func NewHS256Validator(secret, audience string, allowedIssuers ...string) (*HS256Validator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &HS256Validator{
		secret:  []byte(secret),
		parser:  jwt.NewParser(opts...),
		issuers: newIssuerAllowlist(allowedIssuers, ""),
	}, nil
}

// Validate implements JWTValidator.
func (v *HS256Validator) Validate(_ context.Context, tokenString string) (*JWTClaims, error) {
	raw := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, raw, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	sub, _ := raw.GetSubject()
	iss, _ := raw.GetIssuer()
	aud, _ := raw.GetAudience()
	if err := v.issuers.check(iss); err != nil {
		return nil, err
	}
	return &JWTClaims{Subject: sub, Issuer: iss, Audience: []string(aud), Raw: raw}, nil
}

// NewValidator picks the validator for the configured identity provider:
// a bare JWKS URL, OIDC discovery, or the HS256 secret. It returns nil when
// no JWT method is configured.
func NewValidator(ctx context.Context, cfg config.AuthConfig) (JWTValidator, error) {
	switch {
	case cfg.JWKSURL != "":
		return NewOIDCValidatorFromJWKS(ctx, cfg.JWKSURL, cfg.IssuerURL, cfg.Audience, cfg.AllowedIssuers)
	case cfg.IssuerURL != "":
		return NewOIDCValidator(ctx, cfg.IssuerURL, cfg.Audience, cfg.AllowedIssuers)
	case cfg.JWTSecret != "":
		return NewHS256Validator(cfg.JWTSecret, cfg.Audience, cfg.AllowedIssuers...)
	default:
		return nil, nil
	}
}
