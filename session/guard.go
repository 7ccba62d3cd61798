package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ggoodman/pushguard/internal/jwtauth"
	"github.com/ggoodman/pushguard/internal/logctx"
)

// Routes.
const (
	RootRoute      = "/"
	DashboardRoute = "/dashboard"
)

// GuardState is a route-evaluation state.
type GuardState int

const (
	Unresolved GuardState = iota
	Checking
	Authorized
	Unauthorized
)

func (s GuardState) String() string {
	switch s {
	case Checking:
		return "checking"
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unresolved"
	}
}

// Navigation is the URL a guard evaluates.
type Navigation struct {
	Path     string
	Query    url.Values
	Fragment url.Values
}

// ParseNavigation parses a request URI or full URL. Fragment parameters are
// parsed the same way as the query.
func ParseNavigation(raw string) (Navigation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Navigation{}, fmt.Errorf("parsing navigation: %w", err)
	}
	return NavigationFromURL(u), nil
}

// NavigationFromURL builds a Navigation from u.
func NavigationFromURL(u *url.URL) Navigation {
	frag, _ := url.ParseQuery(strings.TrimPrefix(u.Fragment, "#"))
	path := u.Path
	if path == "" {
		path = RootRoute
	}
	return Navigation{Path: path, Query: u.Query(), Fragment: frag}
}

var ssoMarkers = []string{"state", "session_state", "code"}

// HasSSOMarkers reports whether the navigation carries SSO redirect
// parameters in its query or fragment.
func (n Navigation) HasSSOMarkers() bool {
	for _, k := range ssoMarkers {
		if n.Query.Has(k) || n.Fragment.Has(k) {
			return true
		}
	}
	return false
}

// Decision is the outcome of one evaluation.
type Decision struct {
	State GuardState
	// Redirect is set when the view must not render.
	Redirect string
	// Path lists every state visited, starting at Unresolved.
	Path []GuardState
}

// Rendered reports whether the requested view renders.
func (d Decision) Rendered() bool { return d.State == Authorized }

// Guard evaluates private and public routes against a Manager.
type Guard struct {
	m   *Manager
	log *slog.Logger
}

// NewGuard creates a guard.
func NewGuard(m *Manager, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Guard{m: m, log: log}
}

// Evaluate decides whether a protected view may render for nav.
func (g *Guard) Evaluate(ctx context.Context, nav Navigation) Decision {
	rd := &logctx.RouteData{Path: nav.Path, State: Unresolved.String()}
	ctx = logctx.WithRouteData(ctx, rd)
	d := Decision{Path: []GuardState{Unresolved}}
	finish := func(s GuardState, reason string) Decision {
		rd.State = s.String()
		d.State = s
		d.Path = append(d.Path, s)
		if s == Unauthorized {
			d.Redirect = RootRoute
		}
		g.log.DebugContext(ctx, "guard.transition", slog.String("to", s.String()), slog.String("reason", reason))
		return d
	}

	if nav.HasSSOMarkers() && nav.Path == RootRoute {
		return finish(Authorized, "sso_return")
	}

	cred := g.m.State().Snapshot().Credential
	if !cred.Present() {
		restored, err := g.m.Restore(ctx)
		if err != nil {
			g.log.WarnContext(ctx, "guard.restore.fail", slog.String("err", err.Error()))
		}
		cred = restored
	}

	if cred.Provenance == ProvenanceExternalSSO && cred.Present() {
		return finish(Authorized, "external_session")
	}
	if !cred.Present() {
		return finish(Unauthorized, "no_token")
	}

	d.Path = append(d.Path, Checking)
	rd.State = Checking.String()
	if !jwtauth.IsExpired(cred.Token, g.m.Now(), g.m.RefreshBuffer()) {
		return finish(Authorized, "token_valid")
	}
	if _, err := g.m.Refresh(ctx); err != nil {
		g.log.InfoContext(ctx, "guard.refresh.fail", slog.String("err", err.Error()))
		return finish(Unauthorized, "refresh_failed")
	}
	return finish(Authorized, "refreshed")
}

// EvaluatePublic is the inverse guard for the public route: an authenticated
// session is sent to the dashboard.
func (g *Guard) EvaluatePublic(ctx context.Context, nav Navigation) Decision {
	snap := g.m.State().Snapshot()
	if !snap.Credential.Present() {
		if _, err := g.m.Restore(ctx); err == nil {
			snap = g.m.State().Snapshot()
		}
	}
	if snap.Authenticated && !nav.HasSSOMarkers() {
		return Decision{State: Authorized, Redirect: DashboardRoute, Path: []GuardState{Unresolved, Authorized}}
	}
	return Decision{State: Authorized, Path: []GuardState{Unresolved, Authorized}}
}

// Track evaluates nav now and again whenever the token reference changes,
// passing each decision to fn until the returned cancel is called.
func (g *Guard) Track(ctx context.Context, nav Navigation, fn func(Decision)) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	changes := make(chan struct{}, 1)
	unwatch := g.m.State().Watch(func(Snapshot) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})

	go func() {
		defer unwatch()
		fn(g.Evaluate(ctx, nav))
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				fn(g.Evaluate(ctx, nav))
			}
		}
	}()
	return stop
}
