package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// TenantContext returns a context bound to tenantID for the test user
func TenantContext(t *testing.T, tenantID string) context.Context {
	t.Helper()

	ctx, err := tenant.NewGuard(zap.NewNop()).Bind(context.Background(), tenantID, tenantID, "tester")
	require.NoError(t, err)
	return ctx
}
