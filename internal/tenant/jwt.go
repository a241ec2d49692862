package tenant

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the token claims that carry a tenant scope
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token and returns its claims
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(secret) == 0 {
		return nil, errors.New("tenant: empty token secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if !ValidIdentifier(claims.TenantID) {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrInvalidToken)
	}
	return claims, nil
}

// IssueToken signs claims for tenantID and userID. The pipeline never issues
// tokens to users; this exists for tests and local tooling.
func IssueToken(secret []byte, tenantID, userID string, opts ...func(*Claims)) (string, error) {
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}
	for _, opt := range opts {
		opt(claims)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
