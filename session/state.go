package session

import (
	"sync"
	"time"

	"github.com/ggoodman/pushguard/internal/jwtauth"
)

// Snapshot is a read-only view of the session state.
type Snapshot struct {
	Credential Credential
	// Authenticated is true for an external SSO credential, or for a local
	// token that has not yet expired.
	Authenticated bool
	// TokenVersion changes whenever the token reference changes.
	TokenVersion uint64
}

// State is the process-wide session state. Only the Manager mutates it.
type State struct {
	mu       sync.Mutex
	cred     Credential
	version  uint64
	watchers map[int]func(Snapshot)
	nextW    int
	now      func() time.Time
}

// NewState returns an empty state.
func NewState() *State {
	return &State{watchers: make(map[int]func(Snapshot)), now: time.Now}
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{Credential: s.cred, TokenVersion: s.version}
	switch s.cred.Provenance {
	case ProvenanceExternalSSO:
		snap.Authenticated = s.cred.Present()
	case ProvenanceLocal:
		snap.Authenticated = s.cred.Present() && !jwtauth.IsExpired(s.cred.Token, s.now(), 0)
	}
	return snap
}

// Watch registers fn for every token change. The returned function
// unregisters it.
func (s *State) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *State) set(c Credential) {
	s.mu.Lock()
	changed := c.Token != s.cred.Token || c.Provenance != s.cred.Provenance
	s.cred = c
	if changed {
		s.version++
	}
	snap := s.snapshotLocked()
	watchers := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	if changed {
		for _, fn := range watchers {
			fn(snap)
		}
	}
}

func (s *State) clear() { s.set(Credential{}) }

// ExpiresIn reports how long a local credential stays authenticated. It
// returns false for other provenances and for tokens without exp.
func (s Snapshot) ExpiresIn(now time.Time) (time.Duration, bool) {
	if !s.Authenticated || s.Credential.Provenance != ProvenanceLocal {
		return 0, false
	}
	return jwtauth.ExpiresIn(s.Credential.Token, now)
}
