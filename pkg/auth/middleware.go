package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gsvlabs/cmp/pkg/api"
)

// Claims are the bearer token claims CMP consumes.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTValidator validates bearer tokens against a KeySet and an accepted
// audience set.
type JWTValidator struct {
	KeySet    KeySet
	Audiences []string
	Issuer    string
}

// ValidatorOption configures a JWTValidator.
type ValidatorOption func(*JWTValidator)

// WithIssuer pins the accepted token issuer. Empty means any issuer the
// key set can verify.
func WithIssuer(iss string) ValidatorOption {
	return func(v *JWTValidator) { v.Issuer = iss }
}

// NewJWTValidator creates a validator. Audiences must be non-empty; a
// token is accepted when any of its aud values is in the set.
func NewJWTValidator(ks KeySet, audiences []string, opts ...ValidatorOption) *JWTValidator {
	if ks == nil {
		return nil
	}
	v := &JWTValidator{KeySet: ks, Audiences: audiences}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses and validates a bearer token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if !v.audienceAccepted(claims.Audience) {
		return nil, fmt.Errorf("audience not accepted")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, fmt.Errorf("issuer not accepted")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return claims, nil
}

func (v *JWTValidator) audienceAccepted(aud jwt.ClaimStrings) bool {
	if len(v.Audiences) == 0 {
		return false
	}
	for _, a := range aud {
		for _, accepted := range v.Audiences {
			if a == accepted {
				return true
			}
		}
	}
	return false
}

// APIKeyAuthenticator resolves a presented API key to a principal.
// Invalid keys return (nil, nil); errors are reserved for backend faults.
type APIKeyAuthenticator interface {
	AuthenticateKey(ctx context.Context, raw string) (*Principal, error)
}

// RequireAuth authenticates every request. X-API-Key wins when present;
// otherwise a Bearer token is required. If validator is nil, bearer
// requests are rejected (fail closed).
func RequireAuth(validator *JWTValidator, keys APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get("X-API-Key"); raw != "" && keys != nil {
				p, err := keys.AuthenticateKey(r.Context(), raw)
				if err != nil {
					api.WriteUnavailable(w, r, "authentication backend unavailable")
					return
				}
				if p == nil {
					api.WriteUnauthorized(w, r, "invalid API key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, r, "missing credentials")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				api.WriteUnauthorized(w, r, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, r, "authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, r, "invalid or expired token")
				return
			}
			p := &Principal{
				Kind:    KindUser,
				Subject: claims.Subject,
				Email:   claims.Email,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
