package middleware

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"querydesk/internal/config"
	"querydesk/internal/domain"
)

// APIKeyLookup resolves the SHA-256 hex hash of an API key to a user id.
type APIKeyLookup interface {
	LookupPrincipalByAPIKeyHash(ctx context.Context, keyHash string) (string, error)
}

// StaticAPIKeys is an APIKeyLookup over a fixed set of keys. Only hashes are
// kept in memory.
type StaticAPIKeys struct {
	byHash map[string]string
}

// NewStaticAPIKeys hashes raw key → user pairs.
func NewStaticAPIKeys(keys map[string]string) *StaticAPIKeys {
	byHash := make(map[string]string, len(keys))
	for k, user := range keys {
		byHash[HashAPIKey(k)] = user
	}
	return &StaticAPIKeys{byHash: byHash}
}

// LookupPrincipalByAPIKeyHash implements APIKeyLookup.
func (s *StaticAPIKeys) LookupPrincipalByAPIKeyHash(_ context.Context, keyHash string) (string, error) {
	for h, user := range s.byHash {
		if subtle.ConstantTimeCompare([]byte(h), []byte(keyHash)) == 1 {
			return user, nil
		}
	}
	return "", fmt.Errorf("api key not found")
}

// HashAPIKey returns the SHA-256 hex hash of key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// APIKeyPrefix marks keys issued by GenerateAPIKey.
const APIKeyPrefix = "qd_"

// GenerateAPIKey returns a new random raw key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// ChainAPIKeys tries each lookup in order and returns the first match. Nil
// entries are skipped.
func ChainAPIKeys(lookups ...APIKeyLookup) APIKeyLookup {
	var out apiKeyChain
	for _, l := range lookups {
		if l != nil {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type apiKeyChain []APIKeyLookup

func (c apiKeyChain) LookupPrincipalByAPIKeyHash(ctx context.Context, keyHash string) (string, error) {
	var lastErr error
	for _, l := range c {
		user, err := l.LookupPrincipalByAPIKeyHash(ctx, keyHash)
		if err == nil && user != "" {
			return user, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("api key not found")
	}
	return "", lastErr
}

// Authenticator resolves the caller from a bearer JWT or an API key and
// stores it in the request context.
type Authenticator struct {
	validator JWTValidator
	apiKeys   APIKeyLookup
	cfg       config.AuthConfig
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator. validator and apiKeys may be nil
// to disable that method.
func NewAuthenticator(validator JWTValidator, apiKeys APIKeyLookup, cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.NameClaim == "" {
		cfg.NameClaim = "sub"
	}
	return &Authenticator{validator: validator, apiKeys: apiKeys, cfg: cfg, logger: logger}
}

// Middleware tries JWT first, then API key. Returns 401 if both fail.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if auth := r.Header.Get("Authorization"); a.validator != nil && strings.HasPrefix(auth, "Bearer ") {
				claims, err := a.validator.Validate(ctx, strings.TrimPrefix(auth, "Bearer "))
				if err != nil {
					a.logger.Debug("jwt rejected", "error", err)
					writeUnauthorized(w, "invalid bearer token")
					return
				}
				user, err := claims.UserID(a.cfg.NameClaim)
				if err != nil {
					writeUnauthorized(w, fmt.Sprintf("token has no %q claim", a.cfg.NameClaim))
					return
				}
				next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(ctx, domain.ContextPrincipal{Name: user, Via: domain.AuthViaJWT})))
				return
			}

			if key := r.Header.Get(a.cfg.APIKeyHeader); key != "" && a.apiKeys != nil {
				user, err := a.apiKeys.LookupPrincipalByAPIKeyHash(ctx, HashAPIKey(key))
				if err != nil || user == "" {
					writeUnauthorized(w, "invalid API key")
					return
				}
				next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(ctx, domain.ContextPrincipal{Name: user, Via: domain.AuthViaAPIKey})))
				return
			}

			writeUnauthorized(w, "provide a valid JWT Bearer token or API key")
		})
	}
}

// writeError writes the service error envelope. Kept local to avoid an
// import cycle with the api package.
func writeError(w http.ResponseWriter, status int, code, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    code,
			"type":    typ,
			"message": message,
		},
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="querydesk"`)
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "UnauthorizedException", "unauthorized: "+message)
}
