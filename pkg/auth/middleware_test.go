package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "test"
	s, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func testValidator() *JWTValidator {
	ks := &StaticKeySet{Keys: map[string]any{"test": testSecret}}
	return NewJWTValidator(ks, []string{"cmp-gateway", "cmp-console"})
}

func userClaims(aud ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  aud,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "ada@example.com",
	}
}

type fakeKeyAuth struct {
	principal *Principal
	err       error
}

func (f *fakeKeyAuth) AuthenticateKey(context.Context, string) (*Principal, error) {
	return f.principal, f.err
}

func echoPrincipal(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := MustPrincipal(r.Context())
		w.Header().Set("X-Subject", p.Subject)
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthBearer(t *testing.T) {
	h := RequireAuth(testValidator(), nil)(echoPrincipal(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, userClaims("cmp-console")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Header().Get("X-Subject"))
}

func TestRequireAuthRejectsWrongAudience(t *testing.T) {
	h := RequireAuth(testValidator(), nil)(echoPrincipal(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, userClaims("somebody-else")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsWrongIssuer(t *testing.T) {
	ks := &StaticKeySet{Keys: map[string]any{"test": testSecret}}
	v := NewJWTValidator(ks, []string{"cmp-console"}, WithIssuer("https://id.example.com"))
	h := RequireAuth(v, nil)(echoPrincipal(t))

	claims := userClaims("cmp-console")
	claims.Issuer = "https://rogue.example.com"
	req := httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	claims.Issuer = "https://id.example.com"
	req = httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthRejectsExpired(t *testing.T) {
	claims := userClaims("cmp-console")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	h := RequireAuth(testValidator(), nil)(echoPrincipal(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthMissingCredentials(t *testing.T) {
	h := RequireAuth(testValidator(), nil)(echoPrincipal(t))
	req := httptest.NewRequest(http.MethodGet, "/v1/offerings", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthAPIKeyWinsOverBearer(t *testing.T) {
	keys := &fakeKeyAuth{principal: &Principal{Kind: KindAPIKey, Subject: "key-1", InstanceID: "inst-1"}}
	h := RequireAuth(testValidator(), keys)(echoPrincipal(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "cmp_sk_anything")
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-1", rec.Header().Get("X-Subject"))
}

func TestRequireAuthInvalidAPIKey(t *testing.T) {
	keys := &fakeKeyAuth{principal: nil}
	h := RequireAuth(testValidator(), keys)(echoPrincipal(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "cmp_sk_wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateKeyShape(t *testing.T) {
	raw, prefix, hash, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Len(t, prefix, 12)
	assert.Equal(t, raw[:12], prefix)
	assert.Len(t, hash, 64)
	assert.Equal(t, HashKey(raw), hash)

	p2, h2, ok := SplitKey(raw)
	require.True(t, ok)
	assert.Equal(t, prefix, p2)
	assert.Equal(t, hash, h2)

	_, _, ok = SplitKey("sk_other_scheme")
	assert.False(t, ok)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "se"+strings.Repeat("*", 15)+"et", MaskSecret("secret-value-secret"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****", MaskSecret(""))
}
