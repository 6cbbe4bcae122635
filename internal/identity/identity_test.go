package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestFromToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"userId":   "u42",
		"userName": "alice",
	})

	id, err := FromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u42", id.UserID)
	assert.Equal(t, "alice", id.UserName)
	assert.Equal(t, token, id.Token)
	assert.True(t, id.Authenticated())
}

func TestFromTokenSubjectFallback(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":  "u7",
		"name": "bob",
	})

	id, err := FromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u7", id.UserID)
	assert.Equal(t, "bob", id.UserName)
}

func TestFromTokenErrors(t *testing.T) {
	_, err := FromToken("")
	assert.Error(t, err)

	_, err = FromToken("not-a-jwt")
	assert.Error(t, err)

	// Valid JWT, but no user id claim at all.
	token := signedToken(t, jwt.MapClaims{"name": "nobody"})
	_, err = FromToken(token)
	assert.Error(t, err)
}

func TestAuthenticated(t *testing.T) {
	assert.False(t, Identity{}.Authenticated())
	assert.True(t, Identity{Token: "x"}.Authenticated())
}
