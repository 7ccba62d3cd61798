// Package oidc is the external SSO client used by the session manager. It
// performs provider discovery, the PKCE authorization-code exchange, ID token
// verification, token refresh and RP-initiated logout.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/pushguard/session"
)

var (
	// ErrNotInitialized is returned by operations that need discovery first.
	ErrNotInitialized = errors.New("oidc: client not initialized")
	// ErrUnknownState is returned for a callback whose state was not issued
	// by this client.
	ErrUnknownState = errors.New("oidc: unknown authorization state")
)

// Config configures a Client.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes defaults to openid, profile and email.
	Scopes []string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type callback struct {
	code  string
	state string
}

// Client implements session.SSO.
type Client struct {
	cfg Config
	log *slog.Logger

	flight singleflight.Group

	mu          sync.Mutex
	initialized bool
	oauth       *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	endSession  string
	token       *oauth2.Token
	idToken     string
	pending     map[string]string // state -> PKCE verifier
	cb          *callback
}

// New creates a client. No network call is made until Initialize.
func New(cfg Config) (*Client, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc: issuer and client id are required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{cfg: cfg, log: log, pending: make(map[string]string)}, nil
}

func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.cfg.HTTPClient != nil {
		return oidc.ClientContext(ctx, c.cfg.HTTPClient)
	}
	return ctx
}

// Initialize runs discovery once, exchanges a pending callback if one was
// recorded, and reports whether a provider session exists. Concurrent calls
// share one attempt; a failed attempt is not cached.
func (c *Client) Initialize(ctx context.Context, mode string) (bool, error) {
	c.mu.Lock()
	if c.initialized && c.cb == nil {
		ok := c.authenticatedLocked()
		c.mu.Unlock()
		return ok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do("init", func() (any, error) {
		return c.initialize(ctx, mode)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) initialize(ctx context.Context, mode string) (bool, error) {
	ctx = c.httpContext(ctx)

	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()

	if !initialized {
		// The provider keeps this context for later key set fetches.
		provider, err := oidc.NewProvider(context.WithoutCancel(ctx), c.cfg.Issuer)
		if err != nil {
			c.log.ErrorContext(ctx, "sso.init.fail", slog.String("mode", mode), slog.String("err", err.Error()))
			return false, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			EndSession string `json:"end_session_endpoint"`
		}
		if err := provider.Claims(&meta); err != nil {
			return false, fmt.Errorf("invalid discovery metadata: %w", err)
		}

		c.mu.Lock()
		c.oauth = &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			RedirectURL:  c.cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       c.cfg.Scopes,
		}
		c.verifier = provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID})
		c.endSession = meta.EndSession
		c.initialized = true
		c.mu.Unlock()
		c.log.InfoContext(ctx, "sso.init.ok", slog.String("mode", mode))
	}

	c.mu.Lock()
	cb := c.cb
	c.cb = nil
	c.mu.Unlock()
	if cb != nil {
		if err := c.exchange(ctx, *cb); err != nil {
			c.log.WarnContext(ctx, "sso.exchange.fail", slog.String("err", err.Error()))
			return false, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedLocked(), nil
}

// SetCallback records the authorization response parameters of a redirect
// back from the provider. The exchange happens on the next Initialize.
func (c *Client) SetCallback(params url.Values) bool {
	code, state := params.Get("code"), params.Get("state")
	if code == "" {
		return false
	}
	c.mu.Lock()
	c.cb = &callback{code: code, state: state}
	c.mu.Unlock()
	return true
}

func (c *Client) exchange(ctx context.Context, cb callback) error {
	c.mu.Lock()
	verifier, ok := c.pending[cb.state]
	delete(c.pending, cb.state)
	oauth := c.oauth
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, cb.state)
	}

	tok, err := oauth.Exchange(ctx, cb.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}
	return c.accept(ctx, tok)
}

func (c *Client) accept(ctx context.Context, tok *oauth2.Token) error {
	rawID, _ := tok.Extra("id_token").(string)
	if rawID != "" {
		if _, err := c.verifier.Verify(ctx, rawID); err != nil {
			return fmt.Errorf("id token verification failed: %w", err)
		}
	}
	c.mu.Lock()
	c.token = tok
	if rawID != "" {
		c.idToken = rawID
	}
	c.mu.Unlock()
	return nil
}

// LoginURL starts an authorization request and returns the provider URL to
// redirect the user to.
func (c *Client) LoginURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return "", ErrNotInitialized
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	c.pending[state] = verifier
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Initialized implements session.SSO.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Authenticated implements session.SSO.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedLocked()
}

func (c *Client) authenticatedLocked() bool {
	return c.token != nil && c.token.AccessToken != ""
}

// Token implements session.SSO.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return ""
	}
	return c.token.AccessToken
}

// RefreshToken implements session.SSO.
func (c *Client) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return ""
	}
	return c.token.RefreshToken
}

// UpdateToken implements session.SSO.
func (c *Client) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return false, ErrNotInitialized
	}
	if c.token == nil || c.token.RefreshToken == "" {
		c.mu.Unlock()
		return false, session.ErrNoRefreshToken
	}
	if !c.token.Expiry.IsZero() && time.Until(c.token.Expiry) > minValidity {
		c.mu.Unlock()
		return false, nil
	}
	stale := *c.token
	oauth := c.oauth
	c.mu.Unlock()

	// Force the token source past its own expiry check.
	stale.Expiry = time.Unix(1, 0)
	tok, err := oauth.TokenSource(c.httpContext(ctx), &stale).Token()
	if err != nil {
		return false, fmt.Errorf("token refresh failed: %w", err)
	}
	if err := c.accept(ctx, tok); err != nil {
		return false, err
	}
	c.log.DebugContext(ctx, "sso.refresh.ok")
	return true, nil
}

// LogoutURL implements session.SSO. The local token is dropped immediately;
// without an end_session_endpoint the redirect URI itself is returned.
func (c *Client) LogoutURL(ctx context.Context, redirectURI string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idToken := c.idToken
	c.token, c.idToken = nil, ""
	if !c.initialized {
		return "", ErrNotInitialized
	}
	if c.endSession == "" {
		return redirectURI, nil
	}
	u, err := url.Parse(c.endSession)
	if err != nil {
		return "", fmt.Errorf("invalid end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("post_logout_redirect_uri", redirectURI)
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ session.SSO = (*Client)(nil)
