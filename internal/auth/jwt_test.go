package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParse_ValidHS256(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Claims{
		UserID:    "u1",
		Roles:     []string{RoleDispatcher},
		BranchIDs: []string{"b1"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != "u1" {
		t.Fatalf("expected user id u1, got %q", claims.UserID)
	}
	if !claims.CanAccessBranch("b1") || claims.CanAccessBranch("b2") {
		t.Fatalf("branch scope not honoured: %v", claims.BranchIDs)
	}
}

func TestParse_RejectsUnexpectedAlgorithm(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	claims := Claims{
		UserID: "u1",
		Roles:  []string{RoleAdmin},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   "u1",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS384, claims)
	tokenStr, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if _, err := Parse(secret, tokenStr); err == nil {
		t.Fatalf("expected parse to reject non-HS256 token")
	}
}

func TestParse_RejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Claims{UserID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(secret, token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestClaimsHasRole(t *testing.T) {
	tests := []struct {
		roles []string
		role  string
		want  bool
	}{
		{[]string{RoleDispatcher}, RoleDispatcher, true},
		{[]string{RoleAdmin}, RoleDispatcher, true},
		{[]string{"viewer"}, RoleDispatcher, false},
		{nil, RoleAdmin, false},
	}
	for _, tt := range tests {
		c := &Claims{Roles: tt.roles}
		if got := c.HasRole(tt.role); got != tt.want {
			t.Errorf("HasRole(%v, %s) = %v, want %v", tt.roles, tt.role, got, tt.want)
		}
	}
}
