package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// TenantHeader optionally names the tenant a request claims to act for.
// It must match the token's tenant when present.
const TenantHeader = "X-Tenant-ID"

// tokenQueryParam carries the token for browser websocket clients, which cannot set headers
const tokenQueryParam = "token"

// Authenticator verifies the bearer token and binds the caller's tenant scope to the request
func Authenticator(guard *tenant.Guard, secret []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tenant.ParseToken(bearerToken(r), secret)
			if err != nil {
				logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			claimed := r.Header.Get(TenantHeader)
			if claimed == "" {
				claimed = claims.TenantID
			}

			ctx, err := guard.BindClaims(r.Context(), claimed, claims)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get(tokenQueryParam)
}
