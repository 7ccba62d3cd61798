package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/pushguard/internal/jwtauth"
)

// DefaultRefreshBuffer is the safety margin before exp at which a token is
// treated as expired.
const DefaultRefreshBuffer = 30 * time.Second

// SSO modes passed to SSO.Initialize.
const (
	ModeCheckSSO      = "check-sso"
	ModeLoginRequired = "login-required"
)

// SSO is the external identity provider client.
type SSO interface {
	// Initialize starts (or joins) the provider handshake and reports whether
	// a provider session exists.
	Initialize(ctx context.Context, mode string) (bool, error)
	Initialized() bool
	Authenticated() bool
	Token() string
	RefreshToken() string
	// UpdateToken refreshes the token if it expires within minValidity and
	// reports whether a refresh happened.
	UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error)
	// LogoutURL ends the local provider session and returns the URL that ends
	// the provider's session and then returns to redirectURI.
	LogoutURL(ctx context.Context, redirectURI string) (string, error)
}

// Config configures a Manager.
type Config struct {
	Keys      KeyStore
	Refresher Refresher
	// SSO may be nil when no external provider is configured.
	SSO SSO
	// Verifier, when set, checks local tokens before they are accepted.
	Verifier jwtauth.Verifier

	// RefreshBuffer overrides DefaultRefreshBuffer.
	RefreshBuffer time.Duration
	// Origin is the console's external base URL, used for the provider logout
	// return address.
	Origin string

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the session State.
type Manager struct {
	state     *State
	keys      KeyStore
	refresher Refresher
	sso       SSO
	verifier  jwtauth.Verifier
	buffer    time.Duration
	origin    string
	log       *slog.Logger
	now       func() time.Time

	flight singleflight.Group

	// writeMu serializes credential writes. epoch changes on every login,
	// restore and logout; a refresh started under an older epoch is dropped.
	writeMu sync.Mutex
	epoch   uint64

	mu       sync.Mutex
	onLogout map[int]func(context.Context)
	nextHook int
}

// NewManager creates a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Keys == nil {
		return nil, errors.New("session: key store is required")
	}
	m := &Manager{
		state:     NewState(),
		keys:      cfg.Keys,
		refresher: cfg.Refresher,
		sso:       cfg.SSO,
		verifier:  cfg.Verifier,
		buffer:    cfg.RefreshBuffer,
		origin:    cfg.Origin,
		log:       cfg.Logger,
		now:       cfg.Now,
		onLogout:  make(map[int]func(context.Context)),
	}
	if m.buffer <= 0 {
		m.buffer = DefaultRefreshBuffer
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.state.now = m.now
	return m, nil
}

// State returns the read-only session state.
func (m *Manager) State() *State { return m.state }

// RefreshBuffer returns the expiry safety margin.
func (m *Manager) RefreshBuffer() time.Duration { return m.buffer }

// Now returns the manager's clock.
func (m *Manager) Now() time.Time { return m.now() }

// OnLogout registers fn to run during Logout, after the keys are cleared.
// The returned function unregisters it.
func (m *Manager) OnLogout(fn func(context.Context)) (cancel func()) {
	m.mu.Lock()
	id := m.nextHook
	m.nextHook++
	m.onLogout[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.onLogout, id)
			m.mu.Unlock()
		})
	}
}

// commit persists c and publishes it to the state under a new epoch.
func (m *Manager) commit(ctx context.Context, c Credential) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.persist(ctx, c); err != nil {
		return err
	}
	m.epoch++
	m.state.set(c)
	return nil
}

func (m *Manager) currentEpoch() uint64 {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.epoch
}

// Restore loads the persisted keys into the state, returning the credential.
func (m *Manager) Restore(ctx context.Context) (Credential, error) {
	get := func(key string) (string, error) {
		v, _, err := m.keys.Get(ctx, key)
		return v, err
	}
	var c Credential
	var err error
	if c.Token, err = get(KeyToken); err != nil {
		return Credential{}, fmt.Errorf("restoring session: %w", err)
	}
	if c.RefreshToken, err = get(KeyRefreshToken); err != nil {
		return Credential{}, fmt.Errorf("restoring session: %w", err)
	}
	if c.UserID, err = get(KeyUserID); err != nil {
		return Credential{}, fmt.Errorf("restoring session: %w", err)
	}
	role, err := get(KeyRole)
	if err != nil {
		return Credential{}, fmt.Errorf("restoring session: %w", err)
	}
	rr, err := decodeRole(role)
	if err != nil {
		m.log.WarnContext(ctx, "session.restore.role.corrupt", slog.String("err", err.Error()))
	}
	c.Provenance, c.Role = rr.Provenance, rr.Role
	if c.Present() && c.Provenance == ProvenanceNone {
		c.Provenance = ProvenanceLocal
	}
	m.writeMu.Lock()
	m.epoch++
	m.state.set(c)
	m.writeMu.Unlock()
	return c, nil
}

// LoginLocal accepts a locally issued token pair. The user id and role are
// read from the token's sub and role claims.
func (m *Manager) LoginLocal(ctx context.Context, accessToken, refreshToken string) (Credential, error) {
	if accessToken == "" {
		return Credential{}, ErrNotAuthenticated
	}
	if m.verifier != nil {
		if _, err := m.verifier.CheckAuthentication(ctx, accessToken); err != nil {
			return Credential{}, err
		}
	}
	c := Credential{Provenance: ProvenanceLocal, Token: accessToken, RefreshToken: refreshToken}
	if claims, err := jwtauth.ParseUnverified(accessToken); err != nil {
		m.log.WarnContext(ctx, "session.login.decode.fail", slog.String("err", err.Error()))
	} else {
		c.UserID, c.Role = claims.Subject, claims.Role
	}
	if err := m.commit(ctx, c); err != nil {
		return Credential{}, err
	}
	m.log.InfoContext(ctx, "session.login.ok", slog.String("user_id", c.UserID), slog.String("provenance", c.Provenance.String()))
	return c, nil
}

// CompleteSSO finishes an external SSO return. It reports whether a provider
// session was established; if so the credential is stored.
func (m *Manager) CompleteSSO(ctx context.Context) (bool, error) {
	if m.sso == nil {
		return false, nil
	}
	ok, err := m.sso.Initialize(ctx, ModeCheckSSO)
	if err != nil {
		return false, err
	}
	if !ok || m.sso.Token() == "" {
		return false, nil
	}
	c := Credential{
		Provenance:   ProvenanceExternalSSO,
		Token:        m.sso.Token(),
		RefreshToken: m.sso.RefreshToken(),
	}
	if claims, err := jwtauth.ParseUnverified(c.Token); err == nil {
		c.UserID = claims.Subject
	}
	if err := m.commit(ctx, c); err != nil {
		return false, err
	}
	m.log.InfoContext(ctx, "session.sso.ok", slog.String("user_id", c.UserID))
	return true, nil
}

// Refresh replaces the current token. Concurrent calls share one in-flight
// request. A refresh overtaken by a logout or a new login returns
// ErrNotAuthenticated and stores nothing.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	epoch := m.currentEpoch()
	v, err, shared := m.flight.Do("refresh:"+strconv.FormatUint(epoch, 10), func() (any, error) {
		return m.refresh(ctx, epoch)
	})
	if shared {
		m.log.DebugContext(ctx, "session.refresh.coalesced")
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) refresh(ctx context.Context, epoch uint64) (Credential, error) {
	cur := m.state.Snapshot().Credential
	if cur.Provenance == ProvenanceExternalSSO && m.sso != nil {
		if _, err := m.sso.UpdateToken(ctx, m.buffer); err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		next := cur
		next.Token = m.sso.Token()
		if rt := m.sso.RefreshToken(); rt != "" {
			next.RefreshToken = rt
		}
		return m.accept(ctx, epoch, next)
	}

	if cur.RefreshToken == "" {
		return Credential{}, ErrNoRefreshToken
	}
	if m.refresher == nil {
		return Credential{}, fmt.Errorf("%w: no refresher configured", ErrRefreshFailed)
	}
	pair, err := m.refresher.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		m.log.WarnContext(ctx, "session.refresh.fail", slog.String("err", err.Error()))
		return Credential{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	next := cur
	next.Token = pair.AccessToken
	if pair.RefreshToken != "" {
		next.RefreshToken = pair.RefreshToken
	}
	return m.accept(ctx, epoch, next)
}

func (m *Manager) accept(ctx context.Context, epoch uint64, c Credential) (Credential, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.epoch != epoch {
		m.log.InfoContext(ctx, "session.refresh.stale")
		return Credential{}, ErrNotAuthenticated
	}
	if err := m.persist(ctx, c); err != nil {
		return Credential{}, err
	}
	m.state.set(c)
	m.log.InfoContext(ctx, "session.refresh.ok", slog.String("provenance", c.Provenance.String()))
	return c, nil
}

func (m *Manager) persist(ctx context.Context, c Credential) error {
	role, err := encodeRole(c)
	if err != nil {
		return err
	}
	for _, kv := range [][2]string{
		{KeyToken, c.Token},
		{KeyRole, role},
		{KeyUserID, c.UserID},
		{KeyRefreshToken, c.RefreshToken},
	} {
		if kv[1] == "" {
			if err := m.keys.Delete(ctx, kv[0]); err != nil {
				return fmt.Errorf("clearing %s: %w", kv[0], err)
			}
			continue
		}
		if err := m.keys.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("storing %s: %w", kv[0], err)
		}
	}
	return nil
}

// Logout clears the persisted keys and the state, runs the logout hooks and
// returns where the user should be sent: the provider's logout URL when an
// external session is live, otherwise the root route.
func (m *Manager) Logout(ctx context.Context) string {
	m.writeMu.Lock()
	m.epoch++
	if err := m.keys.Delete(ctx, AllKeys...); err != nil {
		m.log.ErrorContext(ctx, "session.logout.keys.fail", slog.String("err", err.Error()))
	}
	m.state.clear()
	m.writeMu.Unlock()

	m.mu.Lock()
	hooks := make([]func(context.Context), 0, len(m.onLogout))
	for _, fn := range m.onLogout {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	if m.sso != nil && m.sso.Initialized() && m.sso.Authenticated() {
		u, err := m.sso.LogoutURL(ctx, m.origin+RootRoute)
		if err == nil && u != "" {
			m.log.InfoContext(ctx, "session.logout.ok", slog.String("redirect", "provider"))
			return u
		}
		if err != nil {
			m.log.WarnContext(ctx, "session.logout.provider.fail", slog.String("err", err.Error()))
		}
	}
	m.log.InfoContext(ctx, "session.logout.ok", slog.String("redirect", RootRoute))
	return RootRoute
}

// KeepAlive refreshes an external SSO token ahead of its expiry until ctx is
// done or the session is no longer an external one. A failed refresh logs the
// user out.
func (m *Manager) KeepAlive(ctx context.Context) error {
	var floor time.Duration
	for {
		snap := m.state.Snapshot()
		if snap.Credential.Provenance != ProvenanceExternalSSO || m.sso == nil {
			return nil
		}
		wait := time.Duration(0)
		if left, ok := jwtauth.ExpiresIn(snap.Credential.Token, m.now()); ok {
			wait = left - m.buffer
		}
		// A provider that keeps issuing short-lived tokens must not be polled
		// in a tight loop.
		wait = max(wait, floor)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.Refresh(ctx); err != nil {
			if errors.Is(err, ErrNotAuthenticated) {
				// The session changed underneath the refresh.
				floor = time.Second
				continue
			}
			m.log.WarnContext(ctx, "session.keepalive.fail", slog.String("err", err.Error()))
			m.Logout(ctx)
			return err
		}
		floor = time.Second
	}
}
