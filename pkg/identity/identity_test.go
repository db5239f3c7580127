package identity_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/identity"
)

const secret = "test-secret"

func mintToken(t *testing.T, claims jwt.MapClaims, signingSecret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingSecret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateExtractsIdentity(t *testing.T) {
	a := identity.NewAuthenticator(secret, []string{"HS256"}, "user")
	token := mintToken(t, jwt.MapClaims{
		"sub":       "u-42",
		"email":     "dev@example.com",
		"role":      "admin",
		"tenant_id": "acme",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}, secret)

	id, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "u-42", id.ID)
	assert.Equal(t, "dev@example.com", id.Email)
	assert.Equal(t, "admin", id.Role)
	assert.Equal(t, token, id.Token)
	assert.Equal(t, "acme", id.Claims["tenant_id"])
	// Promoted fields do not reappear as claims.
	assert.NotContains(t, id.Claims, "sub")
}

func TestAuthenticateDefaultRole(t *testing.T) {
	a := identity.NewAuthenticator(secret, nil, "member")
	token := mintToken(t, jwt.MapClaims{"sub": "u-1"}, secret)

	id, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "member", id.Role)
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	a := identity.NewAuthenticator(secret, nil, "user")
	token := mintToken(t, jwt.MapClaims{"sub": "u-1"}, "other-secret")

	_, err := a.Authenticate(token)
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	a := identity.NewAuthenticator(secret, nil, "user")
	token := mintToken(t, jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, secret)

	_, err := a.Authenticate(token)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestAuthenticateRejectsMalformed(t *testing.T) {
	a := identity.NewAuthenticator(secret, nil, "user")
	_, err := a.Authenticate("not-a-token")
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))

	_, err = a.Authenticate("")
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestAuthenticateRejectsDisallowedAlgorithm(t *testing.T) {
	a := identity.NewAuthenticator(secret, []string{"HS384"}, "user")
	token := mintToken(t, jwt.MapClaims{"sub": "u-1"}, secret) // HS256
	_, err := a.Authenticate(token)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestAuthenticateRequiresSubject(t *testing.T) {
	a := identity.NewAuthenticator(secret, nil, "user")
	token := mintToken(t, jwt.MapClaims{"email": "x@y.z"}, secret)
	_, err := a.Authenticate(token)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}
