package tenant

import "errors"

var (
	// ErrTenantMismatch is returned when the claimed tenant differs from the caller's tenant
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrUnboundScope is returned when a tenant-scoped call runs without a bound scope
	ErrUnboundScope = errors.New("tenant scope not bound")

	// ErrInvalidIdentifier is returned when a tenant, device or user id is malformed
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidToken is returned when a bearer token cannot be verified
	ErrInvalidToken = errors.New("invalid token")
)
