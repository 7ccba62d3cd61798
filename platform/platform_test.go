package platform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/broker"
	"github.com/ggoodman/pushguard/broker/memory"
	"github.com/ggoodman/pushguard/delivery/background"
	durablemem "github.com/ggoodman/pushguard/durable/memory"
	storagemem "github.com/ggoodman/pushguard/storage/memory"
)

func newPlatform(t *testing.T, now func() time.Time) (*Platform, *memory.Broker) {
	t.Helper()
	b := memory.New()
	slots, err := storagemem.New(8)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	p, err := New(Config{Broker: b, Slots: slots, Now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, b
}

// next returns the first envelope published on topic after subscribe.
func next(t *testing.T, b broker.Broker, topic string, publish func()) broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan broker.MessageEnvelope, 1)
	stop := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, topic, "", func(_ context.Context, env broker.MessageEnvelope) error {
			got <- env
			return stop
		})
	}()
	time.Sleep(30 * time.Millisecond)
	publish()
	select {
	case env := <-got:
		<-done
		return env
	case <-ctx.Done():
		t.Fatalf("nothing published on %s", topic)
		return broker.MessageEnvelope{}
	}
}

func TestShowPublishesDisplayEvent(t *testing.T) {
	p, b := newPlatform(t, nil)
	env := next(t, b, DisplayTopic, func() {
		_ = p.Show(context.Background(), "hi", background.DisplayOptions{Body: "there", Icon: "/i.png", Tag: "1"})
	})
	var ev DisplayEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Action != ActionShow || ev.Title != "hi" || ev.Options.Body != "there" || ev.Options.Tag != "1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p, _ := newPlatform(t, func() time.Time { return now })
	ctx := context.Background()

	a, err := p.RegisterView(ctx, "/dashboard", true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bView, _ := p.RegisterView(ctx, "/", false)

	views, _ := p.Views(ctx)
	if len(views) != 2 || views[0].ID() != a.ID || !views[0].Focusable() || views[1].Focusable() {
		t.Fatalf("unexpected views %+v", views)
	}

	now = now.Add(DefaultStaleAfter + time.Second)
	if err := p.TouchView(ctx, bView.ID, ""); err != nil {
		t.Fatalf("touch: %v", err)
	}
	infos, _ := p.ListViews(ctx)
	if len(infos) != 1 || infos[0].ID != bView.ID {
		t.Fatalf("expected only the touched view to be live, got %+v", infos)
	}

	if err := p.UnregisterView(ctx, bView.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if infos, _ := p.ListViews(ctx); len(infos) != 0 {
		t.Fatalf("expected no live views, got %+v", infos)
	}
	if err := p.TouchView(ctx, "missing", ""); !errors.Is(err, ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
}

func TestViewCommandsReceiveNavigateAndFocus(t *testing.T) {
	p, _ := newPlatform(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, _ := p.RegisterView(ctx, "/dashboard", true)
	cmds := make(chan ViewCommand, 2)
	go func() {
		_ = p.ViewCommands(ctx, info.ID, "", func(_ string, cmd ViewCommand) error {
			cmds <- cmd
			return nil
		})
	}()
	time.Sleep(30 * time.Millisecond)

	views, _ := p.Views(ctx)
	if err := views[0].Navigate(ctx, "/dashboard/news"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if err := views[0].Focus(ctx); err != nil {
		t.Fatalf("focus: %v", err)
	}

	first, second := <-cmds, <-cmds
	if first.Action != ActionNavigate || first.URL != "/dashboard/news" || second.Action != ActionFocus {
		t.Fatalf("unexpected commands %+v %+v", first, second)
	}
	infos, _ := p.ListViews(ctx)
	if infos[0].URL != "/dashboard/news" {
		t.Fatalf("expected registry location updated, got %q", infos[0].URL)
	}
}

func TestWorkerClickOpensThroughPlatform(t *testing.T) {
	p, b := newPlatform(t, nil)
	w, err := background.New(background.Config{Store: durablemem.New(), Displayer: p, Views: p})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	env := next(t, b, OpenTopic, func() {
		out, err := w.HandleClick(context.Background(), background.Click{Tag: "1", Data: map[string]any{"url": "/dashboard/events"}})
		if err != nil || out != background.ClickOpened {
			t.Errorf("HandleClick: %v %v", out, err)
		}
	})
	var req OpenRequest
	_ = json.Unmarshal(env.Data, &req)
	if req.URL != "/dashboard/events" {
		t.Fatalf("expected open at /dashboard/events, got %q", req.URL)
	}
}
