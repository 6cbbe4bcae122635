// Package identity carries the session credentials bound to the push
// channel. Authentication itself happens elsewhere; this package only
// holds an already-issued session token and the user it names.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity binds a session token to the user it was issued for.
type Identity struct {
	Token    string
	UserID   string
	UserName string
}

// Authenticated reports whether a session token is present.
func (i Identity) Authenticated() bool {
	return i.Token != ""
}

// FromToken recovers the user id and display name from the session
// token's claims. The token is not verified here — the gateway is the
// authority; the client only needs the claims for display and for the
// membership check parameters.
func FromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("identity: empty session token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("identity: malformed session token: %w", err)
	}

	id := Identity{Token: token}
	id.UserID = firstString(claims, "userId", "sub", "uid")
	id.UserName = firstString(claims, "userName", "username", "name")
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("identity: session token has no user id claim")
	}
	return id, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
