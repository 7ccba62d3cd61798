package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ggoodman/pushguard/delivery/background"
	"github.com/ggoodman/pushguard/platform"
	"github.com/ggoodman/pushguard/session"
)

type sessionView struct {
	Authenticated bool   `json:"authenticated"`
	Provenance    string `json:"provenance,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Role          string `json:"role,omitempty"`
}

func toSessionView(s session.Snapshot) sessionView {
	v := sessionView{Authenticated: s.Authenticated}
	if s.Credential.Present() {
		v.Provenance = s.Credential.Provenance.String()
		v.UserID = s.Credential.UserID
		v.Role = s.Credential.Role
	}
	return v
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.manager.State().Snapshot().Credential.Present() {
		if _, err := h.manager.Restore(ctx); err != nil {
			h.log.WarnContext(ctx, "http.session.restore.fail", slog.String("err", err.Error()))
		}
	}
	h.writeJSON(ctx, w, http.StatusOK, toSessionView(h.manager.State().Snapshot()))
}

type loginRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) handlePostSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccessToken == "" {
		writeJSONError(w, http.StatusBadRequest, "accessToken is required")
		return
	}
	if _, err := h.manager.LoginLocal(ctx, req.AccessToken, req.RefreshToken); err != nil {
		h.log.InfoContext(ctx, "http.session.login.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "token rejected")
		return
	}
	ctx = h.withSession(ctx)
	h.log.InfoContext(ctx, "http.session.login.ok")
	h.writeJSON(ctx, w, http.StatusCreated, toSessionView(h.manager.State().Snapshot()))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := h.withSession(r.Context())
	redirect := h.manager.Logout(ctx)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"redirect": redirect})
}

type registerViewRequest struct {
	URL       string `json:"url"`
	Focusable bool   `json:"focusable"`
}

func (h *Handler) handleRegisterView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerViewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		req.URL = background.RootURL
	}
	info, err := h.platform.RegisterView(ctx, req.URL, req.Focusable)
	if err != nil {
		h.log.ErrorContext(ctx, "http.view.register.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to register view")
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, info)
}

func (h *Handler) handleUnregisterView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.platform.UnregisterView(ctx, r.PathValue("id")); err != nil {
		h.log.ErrorContext(ctx, "http.view.unregister.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to unregister view")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type viewCommandView struct {
	EventID string `json:"eventId"`
	Action  string `json:"action"`
	URL     string `json:"url,omitempty"`
}

var errGotCommand = errors.New("command received")

// handleViewCommands long-polls for the next command addressed to a view.
// The after parameter resumes after a previously returned event id; the url
// parameter reports the view's current location.
func (h *Handler) handleViewCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if err := h.platform.TouchView(ctx, id, r.URL.Query().Get("url")); err != nil {
		if errors.Is(err, platform.ErrUnknownView) {
			writeJSONError(w, http.StatusNotFound, "unknown view")
			return
		}
		h.log.ErrorContext(ctx, "http.view.touch.fail", slog.String("view", id), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to update view")
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, h.poll)
	defer cancel()
	var got viewCommandView
	err := h.platform.ViewCommands(pollCtx, id, r.URL.Query().Get("after"), func(eventID string, cmd platform.ViewCommand) error {
		got = viewCommandView{EventID: eventID, Action: cmd.Action, URL: cmd.URL}
		return errGotCommand
	})
	switch {
	case errors.Is(err, errGotCommand):
		h.writeJSON(ctx, w, http.StatusOK, got)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
	default:
		h.log.WarnContext(ctx, "http.view.poll.fail", slog.String("view", id), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusGone, "view closed")
	}
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var c background.Click
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := h.platform.Click(ctx, c); err != nil {
		h.log.ErrorContext(ctx, "http.click.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to deliver click")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
