// Package identity verifies bearer credentials and produces the Identity
// record the rest of the fabric programs against.
package identity

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
)

// Authenticator verifies signed bearer tokens with a symmetric secret and an
// allow-list of signature algorithms.
type Authenticator struct {
	secret      []byte
	methods     []string
	defaultRole string
}

// NewAuthenticator creates an Authenticator. methods is the algorithm
// allow-list (e.g. HS256); an empty list defaults to HS256 only.
func NewAuthenticator(secret string, methods []string, defaultRole string) *Authenticator {
	if len(methods) == 0 {
		methods = []string{"HS256"}
	}
	return &Authenticator{
		secret:      []byte(secret),
		methods:     methods,
		defaultRole: defaultRole,
	}
}

// Authenticate verifies the raw bearer token and extracts the Identity.
// The raw token is preserved on the Identity for downstream database
// scoping. Signature mismatch, expiry, and malformed tokens all fail with
// UNAUTHORIZED.
func (a *Authenticator) Authenticate(token string) (*contracts.Identity, error) {
	if token == "" {
		return nil, fault.New(fault.CodeUnauthorized, "missing bearer token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods(a.methods))
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeUnauthorized)
	}
	if !parsed.Valid {
		return nil, fault.New(fault.CodeUnauthorized, "invalid token")
	}

	id := &contracts.Identity{
		Token:  token,
		Role:   a.defaultRole,
		Claims: map[string]any{},
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		id.Role = role
	}
	for k, v := range claims {
		switch k {
		case "sub", "email", "role":
		default:
			id.Claims[k] = v
		}
	}
	if id.ID == "" {
		return nil, fault.New(fault.CodeUnauthorized, "token has no subject")
	}
	return id, nil
}
