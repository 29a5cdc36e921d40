// Package authx verifies OIDC bearer tokens for the public cart API.
package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// AuthContext is the verified caller of one request.
type AuthContext struct {
	Subject string
	Roles   []string
	Claims  map[string]any
}

// HasRole reports whether the caller carries role. An empty role is always satisfied.
func (a AuthContext) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(contextKey{}).(AuthContext)
	return a, ok
}

// JWTVerifier checks signature, issuer, audience and time claims against the issuer's JWKS.
type JWTVerifier struct {
	keys   *KeySet
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}
	keys, err := NewKeySet(jwksURL, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, _ := claims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return AuthContext{
		Subject: subject,
		Roles:   Roles(claims),
		Claims:  claims,
	}, nil
}

// Roles collects roles from the "roles" claim, Keycloak's realm_access.roles and the
// space-separated "scope"/"scp" claims, without duplicates.
func Roles(claims map[string]any) []string {
	seen := make(map[string]bool)
	var roles []string
	add := func(v any) {
		var items []string
		switch t := v.(type) {
		case string:
			items = strings.Fields(t)
		case []string:
			items = t
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					items = append(items, s)
				}
			}
		}
		for _, role := range items {
			role = strings.TrimSpace(role)
			if role != "" && !seen[role] {
				seen[role] = true
				roles = append(roles, role)
			}
		}
	}

	add(claims["roles"])
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		add(realm["roles"])
	}
	add(claims["scope"])
	add(claims["scp"])
	return roles
}
