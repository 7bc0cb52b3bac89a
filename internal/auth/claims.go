// Package auth authenticates HTTP requests against user sessions and
// service keys, and issues/validates the JWTs and refresh tokens that back
// them (spec.md §4.1).
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lorapark/control-plane/internal/domain"
)

// Claims is the access-token payload. TenantID is the tenant the token was
// scoped to at issuance; switch-tenant re-issues a token rather than
// mutating this one.
type Claims struct {
	UserID   string      `json:"uid"`
	TenantID string      `json:"tid"`
	Role     domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller attached to a request context: a
// user session, a service key, or nothing (anonymous, webhook paths only).
type Principal struct {
	Kind     PrincipalKind
	UserID   string
	TenantID string
	Role     domain.Role
	KeyID    string
	Scopes   []string
}

type PrincipalKind string

const (
	PrincipalUser       PrincipalKind = "user"
	PrincipalServiceKey PrincipalKind = "service_key"
	PrincipalAnonymous  PrincipalKind = "anonymous"
)

// HasScope reports whether a service-key principal carries the named scope.
// User principals are authorized by Role, not Scopes, and always return true
// here so role checks remain the single gate for them.
func (p Principal) HasScope(scope string) bool {
	if p.Kind != PrincipalServiceKey {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AtLeast reports whether the principal's role meets min. Service keys and
// anonymous principals have no role and never satisfy a role check.
func (p Principal) AtLeast(min domain.Role) bool {
	if p.Kind != PrincipalUser {
		return false
	}
	return p.Role.AtLeast(min)
}

type contextKey string

const principalKey contextKey = "auth.principal"

// WithPrincipal attaches an authenticated principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the request's principal, defaulting to Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey).(Principal); ok {
		return p
	}
	return Principal{Kind: PrincipalAnonymous}
}
