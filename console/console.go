// Package console is the foreground HTTP surface: the guarded notification
// views, the session endpoints and the platform endpoints used by open views.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/pushguard/internal/logctx"
	"github.com/ggoodman/pushguard/notification"
	"github.com/ggoodman/pushguard/platform"
	"github.com/ggoodman/pushguard/reconcile"
	"github.com/ggoodman/pushguard/session"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// DefaultPollTimeout bounds a view command long-poll.
const DefaultPollTimeout = 25 * time.Second

// SSOCallback is the part of the SSO client the console drives directly.
type SSOCallback interface {
	SetCallback(params url.Values) bool
	LoginURL(ctx context.Context) (string, error)
	Initialize(ctx context.Context, mode string) (bool, error)
}

// Config configures a Handler.
type Config struct {
	Engine  *reconcile.Engine
	Manager *session.Manager
	Guard   *session.Guard

	// Platform and SSO are optional; their routes are not mounted when nil.
	Platform *platform.Platform
	SSO      SSOCallback

	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Handler serves the console.
type Handler struct {
	engine   *reconcile.Engine
	manager  *session.Manager
	guard    *session.Guard
	platform *platform.Platform
	sso      SSOCallback
	poll     time.Duration
	log      *slog.Logger
	mux      *http.ServeMux
}

// New constructs the console handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Engine == nil || cfg.Manager == nil {
		return nil, errors.New("console: engine and session manager are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		engine:   cfg.Engine,
		manager:  cfg.Manager,
		guard:    cfg.Guard,
		platform: cfg.Platform,
		sso:      cfg.SSO,
		poll:     cfg.PollTimeout,
		log:      slog.New(logctx.Handler{Handler: log.Handler()}),
	}
	if h.guard == nil {
		h.guard = session.NewGuard(cfg.Manager, h.log)
	}
	if h.poll <= 0 {
		h.poll = DefaultPollTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /login", h.handleLogin)
	mux.HandleFunc("GET /dashboard", h.private(h.handleDashboard))
	mux.HandleFunc("GET /api/notifications", h.private(h.handleList))
	mux.HandleFunc("POST /api/notifications/fetch", h.private(h.handleFetch))
	mux.HandleFunc("POST /api/notifications/read-all", h.private(h.handleReadAll))
	mux.HandleFunc("POST /api/notifications/{id}/read", h.private(h.handleRead))
	mux.HandleFunc("GET /api/events", h.private(h.handleEvents))
	mux.HandleFunc("GET /api/session", h.handleGetSession)
	mux.HandleFunc("POST /api/session", h.handlePostSession)
	mux.HandleFunc("POST /api/logout", h.handleLogout)
	if h.platform != nil {
		mux.HandleFunc("POST /api/views", h.private(h.handleRegisterView))
		mux.HandleFunc("DELETE /api/views/{id}", h.private(h.handleUnregisterView))
		mux.HandleFunc("GET /api/views/{id}/commands", h.private(h.handleViewCommands))
		mux.HandleFunc("POST /api/clicks", h.private(h.handleClick))
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSONError emits a minimal JSON error body.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WarnContext(ctx, "http.encode.fail", slog.String("err", err.Error()))
	}
}

// decodeJSON rejects bodies that are not declared as JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) withSession(ctx context.Context) context.Context {
	c := h.manager.State().Snapshot().Credential
	return logctx.WithSessionData(ctx, &logctx.SessionData{UserID: c.UserID, Provenance: c.Provenance.String()})
}

// private runs the route guard. Page routes are redirected to the root route;
// API routes get a 401 carrying the redirect target.
func (h *Handler) private(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d := h.guard.Evaluate(ctx, session.NavigationFromURL(r.URL))
		if !d.Rendered() {
			h.log.InfoContext(ctx, "http.guard.redirect", slog.String("state", d.State.String()))
			if isAPI(r) {
				w.Header().Set("Location", d.Redirect)
				writeJSONError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
			return
		}
		next(w, r.WithContext(h.withSession(ctx)))
	}
}

func isAPI(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/api/") }

type publicView struct {
	Route         string `json:"route"`
	Authenticated bool   `json:"authenticated"`
	LoginURL      string `json:"loginUrl,omitempty"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nav := session.NavigationFromURL(r.URL)

	if nav.HasSSOMarkers() && h.sso != nil {
		h.sso.SetCallback(r.URL.Query())
		ok, err := h.manager.CompleteSSO(ctx)
		if err != nil {
			h.log.WarnContext(ctx, "http.sso.return.fail", slog.String("err", err.Error()))
		}
		if ok {
			http.Redirect(w, r, session.DashboardRoute, http.StatusSeeOther)
			return
		}
	}

	d := h.guard.EvaluatePublic(ctx, nav)
	if d.Redirect != "" {
		http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
		return
	}
	view := publicView{Route: session.RootRoute, Authenticated: h.manager.State().Snapshot().Authenticated}
	if h.sso != nil {
		view.LoginURL = "/login"
	}
	h.writeJSON(ctx, w, http.StatusOK, view)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sso == nil {
		writeJSONError(w, http.StatusNotFound, "external sign-in is not configured")
		return
	}
	if _, err := h.sso.Initialize(ctx, session.ModeLoginRequired); err != nil {
		h.log.ErrorContext(ctx, "http.login.init.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "identity provider unavailable")
		return
	}
	u, err := h.sso.LoginURL(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to start sign-in")
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

type snapshotView struct {
	Notifications []notification.Record `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
	Version       uint64                `json:"version"`
}

func toView(s reconcile.Snapshot) snapshotView {
	list := s.Notifications
	if list == nil {
		list = []notification.Record{}
	}
	return snapshotView{Notifications: list, UnreadCount: s.UnreadCount, Version: s.Version}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := h.engine.Snapshot()
	if snap.Version == 0 {
		snap = h.engine.FetchNotifications(ctx)
	}
	h.writeJSON(ctx, w, http.StatusOK, toView(snap))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, http.StatusOK, toView(h.engine.Snapshot()))
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.writeJSON(ctx, w, http.StatusOK, toView(h.engine.FetchNotifications(ctx)))
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithNotificationData(r.Context(), &logctx.NotificationData{ID: r.PathValue("id")})
	h.writeJSON(ctx, w, http.StatusOK, toView(h.engine.MarkAsRead(ctx, r.PathValue("id"))))
}

func (h *Handler) handleReadAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.writeJSON(ctx, w, http.StatusOK, toView(h.engine.MarkAllAsRead(ctx)))
}

// lockedWriteFlusher serializes writes to an SSE stream.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (l *lockedWriteFlusher) event(name string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

// handleEvents streams every engine snapshot as a server-sent event.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.events.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	updates := make(chan reconcile.Snapshot, 16)
	cancel := h.engine.Watch(func(s reconcile.Snapshot) {
		select {
		case updates <- s:
		default:
			h.log.WarnContext(ctx, "sse.update.dropped", slog.Uint64("version", s.Version))
		}
	})
	defer cancel()
	// Leave the stream when the session ends.
	unwatch := h.manager.State().Watch(func(s session.Snapshot) {
		if !s.Authenticated {
			select {
			case updates <- reconcile.Snapshot{Version: ^uint64(0)}:
			default:
			}
		}
	})
	defer unwatch()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	lw := &lockedWriteFlusher{w: w, f: f}

	var last uint64
	send := func(s reconcile.Snapshot) bool {
		if s.Version != 0 && s.Version <= last {
			return true
		}
		last = s.Version
		b, err := json.Marshal(toView(s))
		if err != nil {
			h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
			return false
		}
		return lw.event("notifications", b) == nil
	}
	if !send(h.engine.Snapshot()) {
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case s := <-updates:
			if s.Version == ^uint64(0) {
				_ = lw.event("logout", []byte(`{"redirect":"/"}`))
				h.log.InfoContext(ctx, "sse.stream.logout")
				return
			}
			if !send(s) {
				return
			}
		}
	}
}
