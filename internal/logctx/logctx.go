package logctx

import (
	"context"
	"log/slog"
)

// Handler adds request, session, notification and route groups carried on the
// context to every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.String("provenance", sd.Provenance),
		))
	}

	if nd, ok := ctx.Value(notificationDataKey{}).(*NotificationData); ok {
		r.AddAttrs(slog.Group("notif",
			slog.String("id", nd.ID),
			slog.String("event_id", nd.EventID),
			slog.String("topic", nd.Topic),
		))
	}

	if rt, ok := ctx.Value(routeDataKey{}).(*RouteData); ok {
		r.AddAttrs(slog.Group("route",
			slog.String("path", rt.Path),
			slog.String("state", rt.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	UserID     string
	Provenance string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type notificationDataKey struct{}

// NotificationData identifies the push being handled.
type NotificationData struct {
	ID      string
	EventID string
	Topic   string
}

func WithNotificationData(ctx context.Context, data *NotificationData) context.Context {
	return context.WithValue(ctx, notificationDataKey{}, data)
}

type routeDataKey struct{}

// RouteData is the navigation under guard evaluation.
type RouteData struct {
	Path  string
	State string
}

func WithRouteData(ctx context.Context, data *RouteData) context.Context {
	return context.WithValue(ctx, routeDataKey{}, data)
}
