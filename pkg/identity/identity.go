// Package identity derives the local user from the session token the
// marketplace issues. The signature is checked by the servers, not here.
package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrEmptyToken  = errors.New("empty token")
	ErrMissingUser = errors.New("token carries no user id")
)

// Claims are the parts of the session token the client reads.
type Claims struct {
	UserID string   `json:"user_id,omitempty"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id, preferring the sub claim.
func (c *Claims) User() string {
	if c.RegisteredClaims.Subject != "" {
		return c.RegisteredClaims.Subject
	}
	return c.UserID
}

// Parse decodes a bearer token without verifying its signature.
func Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrEmptyToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Wrap(err, "parse session token")
	}
	return claims, nil
}

// FromToken returns the user id carried by token.
func FromToken(token string) (string, error) {
	claims, err := Parse(token)
	if err != nil {
		return "", err
	}
	id := claims.User()
	if id == "" {
		return "", ErrMissingUser
	}
	return id, nil
}

// Resolve picks the configured user id when set, the token's otherwise.
func Resolve(userID, token string) (string, error) {
	if id := strings.TrimSpace(userID); id != "" {
		return id, nil
	}
	return FromToken(token)
}
