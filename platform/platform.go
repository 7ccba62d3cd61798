// Package platform carries the platform notification and view primitives
// used by the background worker across process boundaries. Displays, view
// commands, window opens and clicks are broker topics; the set of open views
// is a registry blob kept in slot storage.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/pushguard/broker"
	"github.com/ggoodman/pushguard/delivery/background"
	"github.com/ggoodman/pushguard/storage"
)

const (
	DisplayTopic = "platform.display"
	OpenTopic    = "platform.open"
	ClickTopic   = "platform.click"

	viewTopicPrefix = "platform.view:"
	registryKey     = "platform.views"
)

// DefaultStaleAfter is how long a view stays listed without a Touch.
const DefaultStaleAfter = 2 * time.Minute

// ErrUnknownView is returned for operations on an unregistered view.
var ErrUnknownView = errors.New("platform: unknown view")

// Display actions.
const (
	ActionShow    = "show"
	ActionDismiss = "dismiss"
)

// DisplayEvent is published on DisplayTopic.
type DisplayEvent struct {
	Action  string                     `json:"action"`
	Title   string                     `json:"title,omitempty"`
	Options background.DisplayOptions `json:"options"`
}

// View command actions.
const (
	ActionNavigate = "navigate"
	ActionFocus    = "focus"
)

// ViewCommand is published on a view's own topic.
type ViewCommand struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// OpenRequest is published on OpenTopic.
type OpenRequest struct {
	URL string `json:"url"`
}

// ViewInfo is one registry entry.
type ViewInfo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Focusable bool      `json:"focusable"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Config configures a Platform.
type Config struct {
	Broker broker.Broker
	Slots  storage.Storage

	// StaleAfter overrides DefaultStaleAfter.
	StaleAfter time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Platform implements background.Displayer and background.ViewHost.
type Platform struct {
	broker     broker.Broker
	slots      storage.Storage
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time

	// mu serializes registry read-modify-write within this process.
	mu sync.Mutex
}

// New creates a Platform.
func New(cfg Config) (*Platform, error) {
	if cfg.Broker == nil || cfg.Slots == nil {
		return nil, errors.New("platform: broker and slots are required")
	}
	p := &Platform{
		broker:     cfg.Broker,
		slots:      cfg.Slots,
		staleAfter: cfg.StaleAfter,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if p.staleAfter <= 0 {
		p.staleAfter = DefaultStaleAfter
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Platform) publish(ctx context.Context, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", topic, err)
	}
	if _, err := p.broker.Publish(ctx, topic, b); err != nil {
		return err
	}
	return nil
}

// Show implements background.Displayer.
func (p *Platform) Show(ctx context.Context, title string, opts background.DisplayOptions) error {
	return p.publish(ctx, DisplayTopic, DisplayEvent{Action: ActionShow, Title: title, Options: opts})
}

// Dismiss implements background.Displayer.
func (p *Platform) Dismiss(ctx context.Context, tag string) error {
	return p.publish(ctx, DisplayTopic, DisplayEvent{Action: ActionDismiss, Options: background.DisplayOptions{Tag: tag}})
}

// Open implements background.ViewHost.
func (p *Platform) Open(ctx context.Context, url string) error {
	return p.publish(ctx, OpenTopic, OpenRequest{URL: url})
}

// Click raises a click on a displayed notification.
func (p *Platform) Click(ctx context.Context, c background.Click) error {
	return p.publish(ctx, ClickTopic, c)
}

// Views implements background.ViewHost. Views are returned in registration
// order and stale entries are omitted.
func (p *Platform) Views(ctx context.Context) ([]background.View, error) {
	infos, err := p.ListViews(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]background.View, 0, len(infos))
	for _, info := range infos {
		out = append(out, &remoteView{p: p, info: info})
	}
	return out, nil
}

// ListViews returns the live registry entries.
func (p *Platform) ListViews(ctx context.Context) ([]ViewInfo, error) {
	all, err := p.loadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-p.staleAfter)
	live := all[:0]
	for _, v := range all {
		if v.LastSeen.After(cutoff) {
			live = append(live, v)
		}
	}
	return live, nil
}

// RegisterView adds a view showing url and returns its entry.
func (p *Platform) RegisterView(ctx context.Context, url string, focusable bool) (ViewInfo, error) {
	info := ViewInfo{ID: uuid.NewString(), URL: url, Focusable: focusable, LastSeen: p.now()}
	err := p.updateRegistry(ctx, func(views []ViewInfo) ([]ViewInfo, error) {
		return append(views, info), nil
	})
	if err != nil {
		return ViewInfo{}, err
	}
	p.log.InfoContext(ctx, "platform.view.register", slog.String("view", info.ID), slog.String("url", url))
	return info, nil
}

// TouchView refreshes a view's liveness and, when url is non-empty, its
// current location.
func (p *Platform) TouchView(ctx context.Context, id, url string) error {
	return p.updateRegistry(ctx, func(views []ViewInfo) ([]ViewInfo, error) {
		for i := range views {
			if views[i].ID == id {
				views[i].LastSeen = p.now()
				if url != "" {
					views[i].URL = url
				}
				return views, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, id)
	})
}

// UnregisterView removes a view. Unknown ids are ignored.
func (p *Platform) UnregisterView(ctx context.Context, id string) error {
	err := p.updateRegistry(ctx, func(views []ViewInfo) ([]ViewInfo, error) {
		out := views[:0]
		for _, v := range views {
			if v.ID != id {
				out = append(out, v)
			}
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	return p.broker.Cleanup(ctx, viewTopicPrefix+id)
}

// ViewCommands delivers the commands addressed to a view until ctx is done or
// fn returns an error.
func (p *Platform) ViewCommands(ctx context.Context, id, lastEventID string, fn func(eventID string, cmd ViewCommand) error) error {
	return p.broker.Subscribe(ctx, viewTopicPrefix+id, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		var cmd ViewCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			p.log.WarnContext(ctx, "platform.view.decode.fail", slog.String("view", id), slog.String("err", err.Error()))
			return nil
		}
		return fn(env.ID, cmd)
	})
}

func (p *Platform) loadRegistry(ctx context.Context) ([]ViewInfo, error) {
	item, err := p.slots.Get(ctx, registryKey)
	if err != nil {
		return nil, fmt.Errorf("reading view registry: %w", err)
	}
	if item == nil || len(item.Data) == 0 {
		return []ViewInfo{}, nil
	}
	var views []ViewInfo
	if err := json.Unmarshal(item.Data, &views); err != nil {
		p.log.WarnContext(ctx, "platform.registry.corrupt", slog.String("err", err.Error()))
		return []ViewInfo{}, nil
	}
	return views, nil
}

func (p *Platform) updateRegistry(ctx context.Context, fn func([]ViewInfo) ([]ViewInfo, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	views, err := p.loadRegistry(ctx)
	if err != nil {
		return err
	}
	views, err = fn(views)
	if err != nil {
		return err
	}
	b, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("encoding view registry: %w", err)
	}
	if err := p.slots.Set(ctx, registryKey, b); err != nil {
		return fmt.Errorf("writing view registry: %w", err)
	}
	return nil
}

type remoteView struct {
	p    *Platform
	info ViewInfo
}

func (v *remoteView) ID() string      { return v.info.ID }
func (v *remoteView) Focusable() bool { return v.info.Focusable }

func (v *remoteView) Navigate(ctx context.Context, url string) error {
	if err := v.p.publish(ctx, viewTopicPrefix+v.info.ID, ViewCommand{Action: ActionNavigate, URL: url}); err != nil {
		return err
	}
	return v.p.TouchView(ctx, v.info.ID, url)
}

func (v *remoteView) Focus(ctx context.Context) error {
	return v.p.publish(ctx, viewTopicPrefix+v.info.ID, ViewCommand{Action: ActionFocus})
}

var (
	_ background.Displayer = (*Platform)(nil)
	_ background.ViewHost  = (*Platform)(nil)
)
