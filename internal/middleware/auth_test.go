package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/config"
	"querydesk/internal/domain"
)

// === Test JWT Validator ===

type stubValidator struct {
	claims *JWTClaims
	err    error
}

func (v *stubValidator) Validate(_ context.Context, _ string) (*JWTClaims, error) {
	return v.claims, v.err
}

// nextHandler is a simple handler that records the context principal.
func nextHandler() (http.Handler, func() (domain.ContextPrincipal, bool)) {
	var cp domain.ContextPrincipal
	var found bool
	h := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		cp, found = domain.PrincipalFromContext(r.Context())
	})
	return h, func() (domain.ContextPrincipal, bool) { return cp, found }
}

func mustNotBeCalled(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Success bool                   `json:"success"`
		Error   map[string]interface{} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	return body.Error
}

func TestAuth_ValidJWT(t *testing.T) {
	t.Parallel()
	handler, getPrincipal := nextHandler()

	auth := NewAuthenticator(
		&stubValidator{claims: &JWTClaims{
			Subject: "user1",
			Raw:     map[string]interface{}{"sub": "user1", "email": "user1@example.com"},
		}},
		nil,
		config.AuthConfig{NameClaim: "email"},
		nil,
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	auth.Middleware()(handler).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	cp, found := getPrincipal()
	require.True(t, found)
	assert.Equal(t, "user1@example.com", cp.Name)
	assert.Equal(t, "jwt", cp.Via)
}

func TestAuth_DefaultClaimIsSubject(t *testing.T) {
	t.Parallel()
	handler, getPrincipal := nextHandler()
	auth := NewAuthenticator(&stubValidator{claims: &JWTClaims{Subject: "u-42"}}, nil, config.AuthConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t")
	w := httptest.NewRecorder()
	auth.Middleware()(handler).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cp, _ := getPrincipal()
	assert.Equal(t, "u-42", cp.Name)
}

func TestAuth_Rejections(t *testing.T) {
	t.Parallel()

	keys := NewStaticAPIKeys(map[string]string{"good-key": "api-user"})
	tests := []struct {
		name      string
		validator JWTValidator
		header    string
		value     string
	}{
		{"expired jwt", &stubValidator{err: fmt.Errorf("token expired")}, "Authorization", "Bearer expired"},
		{"missing claim", &stubValidator{claims: &JWTClaims{Raw: map[string]interface{}{}}}, "Authorization", "Bearer no-sub"},
		{"unknown api key", nil, "X-API-Key", "unknown-key"},
		{"no credentials", nil, "", ""},
		{"basic auth", nil, "Authorization", "Basic dXNlcjpwYXNz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tc.validator, keys, config.AuthConfig{}, nil)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			auth.Middleware()(mustNotBeCalled(t)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			errBody := decodeError(t, w)
			assert.Equal(t, "UNAUTHORIZED", errBody["code"])
			assert.Equal(t, "UnauthorizedException", errBody["type"])
		})
	}
}

func TestAuth_ValidAPIKey(t *testing.T) {
	t.Parallel()
	handler, getPrincipal := nextHandler()

	auth := NewAuthenticator(nil,
		NewStaticAPIKeys(map[string]string{"test-api-key-12345678": "api-user"}),
		config.AuthConfig{APIKeyHeader: "X-Service-Key"},
		nil,
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Service-Key", "test-api-key-12345678")
	w := httptest.NewRecorder()
	auth.Middleware()(handler).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	cp, found := getPrincipal()
	require.True(t, found)
	assert.Equal(t, "api-user", cp.Name)
	assert.Equal(t, "api_key", cp.Via)
}

func TestAuth_InvalidJWTDoesNotFallBackToAPIKey(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator(
		&stubValidator{err: fmt.Errorf("bad signature")},
		NewStaticAPIKeys(map[string]string{"good-key": "api-user"}),
		config.AuthConfig{},
		nil,
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	req.Header.Set("X-API-Key", "good-key")
	w := httptest.NewRecorder()
	auth.Middleware()(mustNotBeCalled(t)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStaticAPIKeys(t *testing.T) {
	t.Parallel()
	keys := NewStaticAPIKeys(map[string]string{"k1": "alice"})

	user, err := keys.LookupPrincipalByAPIKeyHash(context.Background(), HashAPIKey("k1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = keys.LookupPrincipalByAPIKeyHash(context.Background(), HashAPIKey("k2"))
	require.Error(t, err)

	assert.Len(t, HashAPIKey("k1"), 64)
}

type lookupFunc func(ctx context.Context, keyHash string) (string, error)

func (f lookupFunc) LookupPrincipalByAPIKeyHash(ctx context.Context, keyHash string) (string, error) {
	return f(ctx, keyHash)
}

func TestChainAPIKeys(t *testing.T) {
	t.Parallel()
	static := NewStaticAPIKeys(map[string]string{"static-key": "alice"})
	var dbCalls int
	stored := lookupFunc(func(_ context.Context, keyHash string) (string, error) {
		dbCalls++
		if keyHash == HashAPIKey("stored-key") {
			return "bob", nil
		}
		return "", domain.ErrNotFound("resource not found")
	})

	chain := ChainAPIKeys(nil, static, stored)

	user, err := chain.LookupPrincipalByAPIKeyHash(context.Background(), HashAPIKey("static-key"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, 0, dbCalls)

	user, err = chain.LookupPrincipalByAPIKeyHash(context.Background(), HashAPIKey("stored-key"))
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	_, err = chain.LookupPrincipalByAPIKeyHash(context.Background(), HashAPIKey("nope"))
	assert.Error(t, err)

	assert.Nil(t, ChainAPIKeys(nil, nil))
}

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, APIKeyPrefix))
	assert.Len(t, a, len(APIKeyPrefix)+32)
	assert.NotEqual(t, a, b)
}
