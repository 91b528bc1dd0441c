package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/config"
)

// makeToken creates a signed HS256 JWT from the given secret and claims.
func makeToken(secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := NewHS256Validator("", "")
	require.Error(t, err)
}

func TestHS256Validator_Validate(t *testing.T) {
	t.Parallel()

	const secret = "test-secret-32-bytes-long-xxxxx"
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		audience string
		token    string
		wantErr  bool
		wantSub  string
		wantIss  string
		wantAud  []string
	}{
		{
			name: "valid token with all claims",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "user-123", "iss": "https://auth.example.com", "aud": "my-app", "exp": exp,
			}),
			wantSub: "user-123",
			wantIss: "https://auth.example.com",
			wantAud: []string{"my-app"},
		},
		{
			name: "audience as array",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "user-789", "aud": []string{"a", "b"}, "exp": exp,
			}),
			wantSub: "user-789",
			wantAud: []string{"a", "b"},
		},
		{
			name:     "required audience present",
			audience: "querydesk",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u", "aud": "querydesk", "exp": exp}),
			wantSub:  "u",
			wantAud:  []string{"querydesk"},
		},
		{
			name:     "required audience missing",
			audience: "querydesk",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u", "aud": "other", "exp": exp}),
			wantErr:  true,
		},
		{
			name:    "wrong secret",
			token:   makeToken("another-secret", jwt.MapClaims{"sub": "u", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   makeToken(secret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()}),
			wantErr: true,
		},
		{
			name:    "no expiry",
			token:   makeToken(secret, jwt.MapClaims{"sub": "u"}),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := NewHS256Validator(secret, tc.audience)
			require.NoError(t, err)

			claims, err := v.Validate(context.Background(), tc.token)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSub, claims.Subject)
			assert.Equal(t, tc.wantIss, claims.Issuer)
			assert.Equal(t, tc.wantAud, claims.Audience)
		})
	}
}

func TestHS256Validator_RejectsNoneAlg(t *testing.T) {
	t.Parallel()
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v, err := NewHS256Validator("secret", "")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), signed)
	require.Error(t, err)
}

func TestJWTClaims_UserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		claims    JWTClaims
		nameClaim string
		want      string
		wantErr   bool
	}{
		{name: "named claim", claims: JWTClaims{Raw: map[string]interface{}{"email": "a@b.c"}}, nameClaim: "email", want: "a@b.c"},
		{name: "default is sub", claims: JWTClaims{Raw: map[string]interface{}{"sub": "u-1"}}, want: "u-1"},
		{name: "sub falls back to Subject", claims: JWTClaims{Subject: "s-1"}, nameClaim: "sub", want: "s-1"},
		{name: "integral number", claims: JWTClaims{Raw: map[string]interface{}{"uid": float64(4711)}}, nameClaim: "uid", want: "4711"},
		{name: "fractional number", claims: JWTClaims{Raw: map[string]interface{}{"uid": 1.5}}, nameClaim: "uid", wantErr: true},
		{name: "blank string", claims: JWTClaims{Raw: map[string]interface{}{"email": "  "}}, nameClaim: "email", wantErr: true},
		{name: "other claim does not fall back to Subject", claims: JWTClaims{Subject: "s-1"}, nameClaim: "email", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.claims.UserID(tc.nameClaim)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrNoUserClaim)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHS256Validator_AllowedIssuers(t *testing.T) {
	t.Parallel()

	const secret = "issuer-secret"
	exp := time.Now().Add(time.Hour).Unix()
	v, err := NewHS256Validator(secret, "", "https://idp.example.com")
	require.NoError(t, err)

	claims, err := v.Validate(context.Background(), makeToken(secret, jwt.MapClaims{"sub": "u", "iss": "https://idp.example.com", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com", claims.Issuer)

	_, err = v.Validate(context.Background(), makeToken(secret, jwt.MapClaims{"sub": "u", "iss": "https://evil.example.com", "exp": exp}))
	assert.Error(t, err)
	_, err = v.Validate(context.Background(), makeToken(secret, jwt.MapClaims{"sub": "u", "exp": exp}))
	assert.Error(t, err, "issuer is required once an allowlist is set")
}

func TestNewValidator(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(context.Background(), config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = NewValidator(context.Background(), config.AuthConfig{JWTSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &HS256Validator{}, v)

	v, err = NewValidator(context.Background(), config.AuthConfig{JWKSURL: "https://idp.example.com/keys", IssuerURL: "https://idp.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &OIDCValidator{}, v)
}
