// Package foreground delivers pushes to the reconciliation engine while a user
// session is active.
package foreground

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pushguard/broker"
	"github.com/ggoodman/pushguard/internal/logctx"
	"github.com/ggoodman/pushguard/notification"
	"github.com/ggoodman/pushguard/reconcile"
	"github.com/ggoodman/pushguard/session"
)

// Config configures a Listener.
type Config struct {
	Broker broker.Broker
	Topic  string
	Engine *reconcile.Engine

	// State gates Start: no subscription is made without an authenticated
	// session.
	State *session.State

	Logger *slog.Logger
	Now    func() time.Time
}

// Listener subscribes the engine to a push topic.
type Listener struct {
	broker broker.Broker
	topic  string
	engine *reconcile.Engine
	state  *session.State
	log    *slog.Logger
	now    func() time.Time
}

// New creates a listener.
func New(cfg Config) (*Listener, error) {
	if cfg.Broker == nil || cfg.Engine == nil {
		return nil, errors.New("foreground: broker and engine are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("foreground: topic is required")
	}
	l := &Listener{
		broker: cfg.Broker,
		topic:  cfg.Topic,
		engine: cfg.Engine,
		state:  cfg.State,
		log:    cfg.Logger,
		now:    cfg.Now,
	}
	if l.log == nil {
		l.log = slog.New(slog.DiscardHandler)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Subscription is a running listener.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Unsubscribe stops delivery and waits for the in-flight message, if any.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended. It is nil after Unsubscribe and
// only meaningful once Done is closed.
func (s *Subscription) Err() error { return s.err }

// Start subscribes from the current tail of the topic.
func (l *Listener) Start(ctx context.Context) (*Subscription, error) {
	if l.state != nil && !l.state.Snapshot().Authenticated {
		return nil, session.ErrNotAuthenticated
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		l.log.InfoContext(ctx, "delivery.foreground.start", slog.String("topic", l.topic))
		err := l.broker.Subscribe(ctx, l.topic, "", l.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.log.ErrorContext(ctx, "delivery.foreground.fail", slog.String("err", err.Error()))
			sub.err = err
		}
		l.log.InfoContext(ctx, "delivery.foreground.stop", slog.String("topic", l.topic))
	}()
	return sub, nil
}

func (l *Listener) handle(ctx context.Context, env broker.MessageEnvelope) error {
	ctx = logctx.WithNotificationData(ctx, &logctx.NotificationData{EventID: env.ID, Topic: l.topic})
	p, err := notification.DecodePayload(env.Data)
	if err != nil {
		l.log.WarnContext(ctx, "delivery.foreground.decode.fail", slog.String("err", err.Error()))
		return nil
	}
	r := notification.FromPayload(p, l.now())
	if l.engine.AddNotification(ctx, r) {
		l.log.InfoContext(ctx, "delivery.foreground.add.ok", slog.String("id", r.ID))
	}
	return nil
}
