// Package session owns the signed-in state of the console: the tagged
// credential, its persisted keys, token refresh, logout, and the route guard
// that decides per navigation whether a protected view may render.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Provenance records who issued the current credential.
type Provenance int

const (
	ProvenanceNone Provenance = iota
	// ProvenanceLocal is a token issued by the console's own sign-in.
	ProvenanceLocal
	// ProvenanceExternalSSO is a token obtained from the external identity
	// provider. Its lifecycle is owned by the provider.
	ProvenanceExternalSSO
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceLocal:
		return "local"
	case ProvenanceExternalSSO:
		return "external_sso"
	default:
		return "none"
	}
}

// ParseProvenance is the inverse of Provenance.String.
func ParseProvenance(s string) (Provenance, error) {
	switch s {
	case "local":
		return ProvenanceLocal, nil
	case "external_sso":
		return ProvenanceExternalSSO, nil
	case "none", "":
		return ProvenanceNone, nil
	default:
		return ProvenanceNone, fmt.Errorf("session: unknown provenance %q", s)
	}
}

func (p Provenance) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Provenance) UnmarshalText(b []byte) error {
	v, err := ParseProvenance(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Credential is the current bearer credential and its provenance.
type Credential struct {
	Provenance   Provenance
	Token        string
	RefreshToken string
	UserID       string
	// Role is the application role claim of a local token, if any.
	Role string
}

// Present reports whether a token has been issued.
func (c Credential) Present() bool { return c.Token != "" }

// roleRecord is the persisted form of the role key: provenance plus the
// optional application role.
type roleRecord struct {
	Provenance Provenance `json:"provenance"`
	Role       string     `json:"role,omitempty"`
}

func encodeRole(c Credential) (string, error) {
	b, err := json.Marshal(roleRecord{Provenance: c.Provenance, Role: c.Role})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRole(s string) (roleRecord, error) {
	var rr roleRecord
	if s == "" {
		return rr, nil
	}
	if err := json.Unmarshal([]byte(s), &rr); err != nil {
		return roleRecord{}, fmt.Errorf("decoding role key: %w", err)
	}
	return rr, nil
}

var (
	// ErrNotAuthenticated is returned by operations that need a credential.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrNoRefreshToken is returned when a refresh is needed but none is held.
	ErrNoRefreshToken = errors.New("session: no refresh token")
	// ErrRefreshFailed wraps a rejected silent refresh.
	ErrRefreshFailed = errors.New("session: refresh failed")
)
