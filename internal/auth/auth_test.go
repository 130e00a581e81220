package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "progress-tests"}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "student-1",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeProgressWrite},
	}
}

func TestParseClaimsNormalizesScopes(t *testing.T) {
	claims := validClaims()
	claims["scopes"] = "progress:write  badges:award"

	parsed, err := ParseClaims(signToken(t, claims), testConfig)
	require.NoError(t, err)
	require.Equal(t, "student-1", parsed.Subject)
	require.True(t, parsed.HasScope(ScopeProgressWrite))
	require.True(t, parsed.HasScope(ScopeBadgesAward))
	require.False(t, parsed.HasScope(ScopeProgressRead))
}

func TestParseClaimsRejectsBadTokens(t *testing.T) {
	_, err := ParseClaims("", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"
	_, err = ParseClaims(signToken(t, wrongIssuer), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err = ParseClaims(signToken(t, expired), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject := validClaims()
	delete(noSubject, "sub")
	_, err = ParseClaims(signToken(t, noSubject), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseClaims(signToken(t, validClaims()), Config{Secret: "other", Issuer: testConfig.Issuer})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsCanRead(t *testing.T) {
	self := &Claims{Subject: "student-1", Scopes: map[string]struct{}{}}
	require.True(t, self.CanRead("student-1"))
	require.False(t, self.CanRead("student-2"))

	coach := &Claims{Subject: "coach-1", Scopes: map[string]struct{}{ScopeProgressRead: {}}}
	require.True(t, coach.CanRead("student-2"))

	var missing *Claims
	require.False(t, missing.CanRead("student-1"))
}

func TestMiddlewareInjectsClaimsAndSkipsProbes(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig).Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/badges", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"type":"unauthorized","detail":"missing bearer token"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/badges", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, validClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "student-1", seen.Subject)
}
