// Package auth authenticates requests to the control plane and gateway.
// Two credentials are accepted: instance API keys (X-API-Key) and OIDC
// bearer tokens. Both resolve to a Principal on the request context.
package auth

import (
	"context"
	"errors"
)

// PrincipalKind distinguishes the credential a principal came from.
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindAPIKey PrincipalKind = "api_key"
)

// Principal is the authenticated caller.
type Principal struct {
	Kind    PrincipalKind
	Subject string // user id for KindUser, api key id for KindAPIKey
	Email   string

	// Set for KindAPIKey only.
	InstanceID string
	OrgID      string
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// MustPrincipal panics when the middleware did not run. Use only behind
// RequireAuth.
func MustPrincipal(ctx context.Context) *Principal {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic(err)
	}
	return p
}
