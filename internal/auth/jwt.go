/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the API.
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
)

// Claims extends standard registered claims with roles and branch scope.
type Claims struct {
	UserID    string   `json:"uid"`
	Roles     []string `json:"roles"`
	BranchIDs []string `json:"branch_ids,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role or admin.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role) || slices.Contains(c.Roles, RoleAdmin)
}

// CanAccessBranch reports whether the token is scoped to branchID. A token
// without branch scope reaches every branch.
func (c *Claims) CanAccessBranch(branchID string) bool {
	return len(c.BranchIDs) == 0 || slices.Contains(c.BranchIDs, branchID)
}

// Issue creates JWT token string.
func Issue(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Subject:   claims.UserID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse validates token string. Only HS256 is accepted.
func Parse(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
