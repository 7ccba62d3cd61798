// Package background is the background delivery listener: a detached worker
// that consumes the push channel, records every message in the durable store,
// raises a platform notification, and routes clicks on that notification to a
// foreground view.
//
// The worker shares nothing with the foreground process except the durable
// store and the platform primitives.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/pushguard/broker"
	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/internal/logctx"
	"github.com/ggoodman/pushguard/notification"
)

// DefaultIcon is displayed when a payload carries no image.
const DefaultIcon = "/icon-192x192.png"

// RootURL is the click target when the notification data carries no url.
const RootURL = "/"

// DisplayOptions describe a platform notification.
type DisplayOptions struct {
	Body string         `json:"body"`
	Icon string         `json:"icon"`
	Data map[string]any `json:"data,omitempty"`
	// Tag identifies the displayed notification for later dismissal.
	Tag string `json:"tag"`
}

// Displayer shows and dismisses platform notifications.
type Displayer interface {
	Show(ctx context.Context, title string, opts DisplayOptions) error
	Dismiss(ctx context.Context, tag string) error
}

// View is an open foreground view.
type View interface {
	ID() string
	// Focusable reports whether the view can be brought forward.
	Focusable() bool
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context) error
}

// ViewHost enumerates and opens foreground views.
type ViewHost interface {
	Views(ctx context.Context) ([]View, error)
	Open(ctx context.Context, url string) error
}

// Click is a user interaction with a displayed notification.
type Click struct {
	Tag  string         `json:"tag"`
	Data map[string]any `json:"data,omitempty"`
}

// ClickOutcome reports which of the two routing actions a click produced.
type ClickOutcome int

const (
	ClickNone ClickOutcome = iota
	ClickNavigated
	ClickOpened
)

func (o ClickOutcome) String() string {
	switch o {
	case ClickNavigated:
		return "navigated"
	case ClickOpened:
		return "opened"
	default:
		return "none"
	}
}

// Config configures a Worker.
type Config struct {
	Broker broker.Broker
	Topic  string

	// ClickTopic carries Click events raised by the platform.
	ClickTopic string

	Store     durable.Store
	Displayer Displayer
	Views     ViewHost

	// DefaultIcon overrides the package DefaultIcon.
	DefaultIcon string

	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// Worker is the background delivery listener.
type Worker struct {
	broker     broker.Broker
	topic      string
	clickTopic string
	store      durable.Store
	displayer  Displayer
	views      ViewHost
	icon       string
	log        *slog.Logger
	now        func() time.Time
}

// New creates a worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("background: durable store is required")
	}
	if cfg.Displayer == nil {
		return nil, errors.New("background: displayer is required")
	}
	w := &Worker{
		broker:     cfg.Broker,
		topic:      cfg.Topic,
		clickTopic: cfg.ClickTopic,
		store:      cfg.Store,
		displayer:  cfg.Displayer,
		views:      cfg.Views,
		icon:       cfg.DefaultIcon,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if w.icon == "" {
		w.icon = DefaultIcon
	}
	if w.log == nil {
		w.log = slog.New(slog.DiscardHandler)
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Run consumes the push topic until ctx is done, resuming after lastEventID
// when it is non-empty.
func (w *Worker) Run(ctx context.Context, lastEventID string) error {
	if w.broker == nil {
		return errors.New("background: broker is required to run")
	}
	if err := w.store.Open(ctx); err != nil {
		// Display still works without the store; adds will fail and be logged.
		w.log.WarnContext(ctx, "delivery.background.open.fail", slog.String("err", err.Error()))
	}
	w.log.InfoContext(ctx, "delivery.background.start", slog.String("topic", w.topic))
	err := w.broker.Subscribe(ctx, w.topic, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		ctx = logctx.WithNotificationData(ctx, &logctx.NotificationData{EventID: env.ID, Topic: w.topic})
		p, err := notification.DecodePayload(env.Data)
		if err != nil {
			w.log.WarnContext(ctx, "delivery.background.decode.fail", slog.String("err", err.Error()))
			return nil
		}
		w.HandlePush(ctx, p)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunClicks consumes click events until ctx is done.
func (w *Worker) RunClicks(ctx context.Context) error {
	if w.broker == nil || w.clickTopic == "" {
		return errors.New("background: broker and click topic are required")
	}
	err := w.broker.Subscribe(ctx, w.clickTopic, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		var c Click
		if err := json.Unmarshal(env.Data, &c); err != nil {
			w.log.WarnContext(ctx, "delivery.click.decode.fail", slog.String("err", err.Error()))
			return nil
		}
		ctx = logctx.WithNotificationData(ctx, &logctx.NotificationData{ID: c.Tag, EventID: env.ID, Topic: w.clickTopic})
		if _, err := w.HandleClick(ctx, c); err != nil {
			w.log.ErrorContext(ctx, "delivery.click.fail", slog.String("err", err.Error()))
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandlePush records the message in the durable store and displays it. A
// failed store write does not prevent the display.
func (w *Worker) HandlePush(ctx context.Context, p notification.Payload) notification.Record {
	arrived := w.now()
	r := notification.Record{
		ID:        notification.IDAt(arrived),
		Title:     p.Title(),
		Body:      p.Body(),
		Image:     p.Image(),
		Timestamp: arrived,
		Data:      p.Data,
	}.Clone()

	if err := w.store.Add(ctx, r); err != nil {
		w.log.ErrorContext(ctx, "delivery.background.store.fail",
			slog.String("id", r.ID),
			slog.String("err", err.Error()))
	}

	icon := p.Image()
	if icon == "" {
		icon = w.icon
	}
	if err := w.displayer.Show(ctx, p.Title(), DisplayOptions{
		Body: p.Body(),
		Icon: icon,
		Data: p.Data,
		Tag:  r.ID,
	}); err != nil {
		w.log.ErrorContext(ctx, "delivery.background.display.fail",
			slog.String("id", r.ID),
			slog.String("err", err.Error()))
	} else {
		w.log.InfoContext(ctx, "delivery.background.display.ok", slog.String("id", r.ID))
	}
	return r
}

// HandleClick dismisses the clicked notification and routes to its target:
// the first focusable view is navigated and focused, otherwise a new view is
// opened. Exactly one of the two happens.
func (w *Worker) HandleClick(ctx context.Context, c Click) (ClickOutcome, error) {
	if err := w.displayer.Dismiss(ctx, c.Tag); err != nil {
		w.log.WarnContext(ctx, "delivery.background.dismiss.fail", slog.String("err", err.Error()))
	}

	target := notification.URLFromData(c.Data)
	if target == "" {
		target = RootURL
	}
	if w.views == nil {
		return ClickNone, errors.New("background: no view host")
	}

	views, err := w.views.Views(ctx)
	if err != nil {
		w.log.WarnContext(ctx, "delivery.background.views.fail", slog.String("err", err.Error()))
		views = nil
	}
	for _, v := range views {
		if !v.Focusable() {
			continue
		}
		if err := v.Navigate(ctx, target); err != nil {
			return ClickNone, err
		}
		if err := v.Focus(ctx); err != nil {
			return ClickNavigated, err
		}
		w.log.InfoContext(ctx, "delivery.click.navigated", slog.String("view", v.ID()), slog.String("url", target))
		return ClickNavigated, nil
	}

	if err := w.views.Open(ctx, target); err != nil {
		return ClickNone, err
	}
	w.log.InfoContext(ctx, "delivery.click.opened", slog.String("url", target))
	return ClickOpened, nil
}
