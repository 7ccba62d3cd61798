// Package jwtauth reads session tokens. Expiry and identity are taken from
// the unverified payload for the session guard; signature verification
// against a JWKS is available when the deployment configures one.
package jwtauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed indicates the token could not be decoded as a JWT.
var ErrMalformed = errors.New("jwtauth: malformed token")

// Claims is the subset of token claims the session layer needs.
type Claims struct {
	Subject string
	// Role is the optional application role claim of a locally issued token.
	Role      string
	ExpiresAt time.Time // zero if the token carries no exp
}

// tokenClaims decodes the registered claims plus the role claim.
type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// ParseUnverified decodes tok without checking its signature.
func ParseUnverified(tok string) (Claims, error) {
	if tok == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &tc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	c := Claims{Subject: tc.Subject, Role: tc.Role}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// IsExpired reports whether tok expires before now+buffer. A token that
// cannot be decoded or carries no exp counts as expired.
func IsExpired(tok string, now time.Time, buffer time.Duration) bool {
	c, err := ParseUnverified(tok)
	if err != nil || c.ExpiresAt.IsZero() {
		return true
	}
	return c.ExpiresAt.Before(now.Add(buffer))
}

// ExpiresIn returns the time left until tok's exp, and false when there is no
// usable exp.
func ExpiresIn(tok string, now time.Time) (time.Duration, bool) {
	c, err := ParseUnverified(tok)
	if err != nil || c.ExpiresAt.IsZero() {
		return 0, false
	}
	return c.ExpiresAt.Sub(now), true
}
