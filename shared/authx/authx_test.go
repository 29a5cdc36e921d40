package authx

import (
	"context"
	"testing"
)

func TestRolesMergesClaimShapes(t *testing.T) {
	claims := map[string]any{
		"roles":        []any{"cart-writer", "shopper"},
		"realm_access": map[string]any{"roles": []any{"shopper", "support"}},
		"scope":        "openid carts:read",
	}
	roles := Roles(claims)
	want := []string{"cart-writer", "shopper", "support", "openid", "carts:read"}
	if len(roles) != len(want) {
		t.Fatalf("got %v want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("got %v want %v", roles, want)
		}
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestHasRole(t *testing.T) {
	auth := AuthContext{Subject: "u1", Roles: Roles(map[string]any{"scp": "cart:write shopper"})}
	if !auth.HasRole("cart:write") {
		t.Fatalf("expected cart:write role in %v", auth.Roles)
	}
	if auth.HasRole("admin") {
		t.Fatalf("unexpected admin role")
	}
	if !auth.HasRole("") {
		t.Fatalf("empty role must always match")
	}
}

func TestAuthContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry auth")
	}
	ctx := WithAuth(context.Background(), AuthContext{Subject: "u1"})
	if a, ok := FromContext(ctx); !ok || a.Subject != "u1" {
		t.Fatalf("unexpected auth %#v", a)
	}
}
