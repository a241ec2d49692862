package tenant

import (
	"context"
	"fmt"
	"regexp"
)

type contextKey string

const scopeKey contextKey = "tenant.scope"

// SystemUser is the actor recorded for work done by the pipeline itself
const SystemUser = "system"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Scope is the tenant and user a unit of work runs for
type Scope struct {
	TenantID string
	UserID   string
}

// ValidIdentifier reports whether id is a well-formed tenant, device or user id
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// withScope binds scope to ctx. Callers outside this package go through Guard.Bind.
func withScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// FromContext returns the bound scope or ErrUnboundScope
func FromContext(ctx context.Context) (Scope, error) {
	if ctx == nil {
		return Scope{}, ErrUnboundScope
	}
	scope, ok := ctx.Value(scopeKey).(Scope)
	if !ok || scope.TenantID == "" {
		return Scope{}, ErrUnboundScope
	}
	return scope, nil
}

// TenantID returns the bound tenant id or ErrUnboundScope
func TenantID(ctx context.Context) (string, error) {
	scope, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return scope.TenantID, nil
}

// Actor returns the bound user, falling back to SystemUser
func Actor(ctx context.Context) string {
	scope, err := FromContext(ctx)
	if err != nil || scope.UserID == "" {
		return SystemUser
	}
	return scope.UserID
}

func checkIdentifier(kind, id string) error {
	if !ValidIdentifier(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, id)
	}
	return nil
}
