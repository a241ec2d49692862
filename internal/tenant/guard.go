package tenant

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Guard binds tenant scopes to units of work
type Guard struct {
	logger *zap.Logger
}

// NewGuard creates a new guard
func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{logger: logger.Named("tenant-guard")}
}

// Bind checks that the claimed tenant is the caller's actual tenant and
// returns ctx with the scope bound. Nothing is bound on failure.
func (g *Guard) Bind(ctx context.Context, claimedTenant, actualTenant, userID string) (context.Context, error) {
	if err := checkIdentifier("tenant", claimedTenant); err != nil {
		return ctx, err
	}
	if err := checkIdentifier("tenant", actualTenant); err != nil {
		return ctx, err
	}
	if claimedTenant != actualTenant {
		g.logger.Warn("Refused cross-tenant access",
			zap.String("claimed_tenant", claimedTenant),
			zap.String("actual_tenant", actualTenant),
			zap.String("user_id", userID))
		return ctx, fmt.Errorf("%w: %s is not %s", ErrTenantMismatch, claimedTenant, actualTenant)
	}
	if userID == "" {
		userID = SystemUser
	}

	// An already bound scope may only be narrowed to the same tenant
	if existing, err := FromContext(ctx); err == nil && existing.TenantID != actualTenant {
		return ctx, fmt.Errorf("%w: scope already bound to %s", ErrTenantMismatch, existing.TenantID)
	}

	return withScope(ctx, Scope{TenantID: actualTenant, UserID: userID}), nil
}

// BindClaims binds the scope carried by verified token claims
func (g *Guard) BindClaims(ctx context.Context, claimedTenant string, claims *Claims) (context.Context, error) {
	if claims == nil {
		return ctx, ErrInvalidToken
	}
	return g.Bind(ctx, claimedTenant, claims.TenantID, claims.Subject)
}
