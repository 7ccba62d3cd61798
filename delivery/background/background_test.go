package background

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/broker/memory"
	"github.com/ggoodman/pushguard/durable"
	durablemem "github.com/ggoodman/pushguard/durable/memory"
	"github.com/ggoodman/pushguard/notification"
)

type shown struct {
	title string
	opts  DisplayOptions
}

type fakeDisplayer struct {
	mu        sync.Mutex
	shown     []shown
	dismissed []string
}

func (d *fakeDisplayer) Show(_ context.Context, title string, opts DisplayOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, shown{title, opts})
	return nil
}

func (d *fakeDisplayer) Dismiss(_ context.Context, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissed = append(d.dismissed, tag)
	return nil
}

func (d *fakeDisplayer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

type fakeView struct {
	id        string
	focusable bool
	navigated []string
	focused   int
}

func (v *fakeView) ID() string      { return v.id }
func (v *fakeView) Focusable() bool { return v.focusable }
func (v *fakeView) Navigate(_ context.Context, url string) error {
	v.navigated = append(v.navigated, url)
	return nil
}
func (v *fakeView) Focus(context.Context) error {
	v.focused++
	return nil
}

type fakeHost struct {
	mu     sync.Mutex
	views  []View
	opened []string
}

func (h *fakeHost) Views(context.Context) ([]View, error) { return h.views, nil }
func (h *fakeHost) Open(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, url)
	return nil
}

func (h *fakeHost) openedURLs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...)
}

type rejectingStore struct{ durable.Store }

func (rejectingStore) Open(context.Context) error { return nil }
func (rejectingStore) Add(context.Context, notification.Record) error {
	return durable.ErrWrite
}

var fixed = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newWorker(t *testing.T, store durable.Store, host ViewHost) (*Worker, *fakeDisplayer) {
	t.Helper()
	d := &fakeDisplayer{}
	w, err := New(Config{
		Store:     store,
		Displayer: d,
		Views:     host,
		Now:       func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, d
}

func TestHandlePush_StoresThenDisplays(t *testing.T) {
	store := durablemem.New()
	ctx := context.Background()
	_ = store.Open(ctx)
	w, d := newWorker(t, store, &fakeHost{})

	p := notification.Payload{
		Notification: &notification.PayloadNotification{Title: "Build done", Body: "green"},
		Data:         map[string]any{"url": "/dashboard/events"},
	}
	r := w.HandlePush(ctx, p)

	if r.ID != notification.IDAt(fixed) || r.Read {
		t.Fatalf("unexpected record %+v", r)
	}
	all, _ := store.GetAll(ctx)
	if len(all) != 1 || all[0].Title != "Build done" {
		t.Fatalf("expected stored record, got %+v", all)
	}
	if d.count() != 1 {
		t.Fatalf("expected one display, got %d", d.count())
	}
	got := d.shown[0]
	if got.title != "Build done" || got.opts.Body != "green" || got.opts.Icon != DefaultIcon || got.opts.Tag != r.ID {
		t.Fatalf("unexpected display %+v", got)
	}
	if got.opts.Data["url"] != "/dashboard/events" {
		t.Fatalf("expected data forwarded, got %v", got.opts.Data)
	}
}

func TestHandlePush_ImageUsedAsIcon(t *testing.T) {
	store := durablemem.New()
	ctx := context.Background()
	_ = store.Open(ctx)
	w, d := newWorker(t, store, &fakeHost{})
	w.HandlePush(ctx, notification.Payload{Notification: &notification.PayloadNotification{Title: "t", Image: "/img.png"}})
	if d.shown[0].opts.Icon != "/img.png" {
		t.Fatalf("expected payload image as icon, got %q", d.shown[0].opts.Icon)
	}
}

func TestHandlePush_StoreFailureStillDisplays(t *testing.T) {
	w, d := newWorker(t, rejectingStore{}, &fakeHost{})
	w.HandlePush(context.Background(), notification.Payload{Notification: &notification.PayloadNotification{Title: "t"}})
	if d.count() != 1 {
		t.Fatalf("expected display despite store failure, got %d", d.count())
	}
}

func TestHandleClick_NavigatesFirstFocusableView(t *testing.T) {
	hidden := &fakeView{id: "a"}
	first := &fakeView{id: "b", focusable: true}
	second := &fakeView{id: "c", focusable: true}
	host := &fakeHost{views: []View{hidden, first, second}}
	w, d := newWorker(t, durablemem.New(), host)

	out, err := w.HandleClick(context.Background(), Click{Tag: "1", Data: map[string]any{"url": "/dashboard/news"}})
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if out != ClickNavigated {
		t.Fatalf("expected navigated, got %v", out)
	}
	if len(first.navigated) != 1 || first.navigated[0] != "/dashboard/news" || first.focused != 1 {
		t.Fatalf("expected first focusable view navigated and focused, got %+v", first)
	}
	if len(second.navigated) != 0 || len(hidden.navigated) != 0 || len(host.opened) != 0 {
		t.Fatal("exactly one routing action should occur")
	}
	if len(d.dismissed) != 1 || d.dismissed[0] != "1" {
		t.Fatalf("expected notification dismissed, got %v", d.dismissed)
	}
}

func TestHandleClick_OpensWhenNoView(t *testing.T) {
	host := &fakeHost{views: []View{&fakeView{id: "a"}}}
	w, _ := newWorker(t, durablemem.New(), host)

	out, err := w.HandleClick(context.Background(), Click{Tag: "1"})
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if out != ClickOpened || len(host.opened) != 1 || host.opened[0] != RootURL {
		t.Fatalf("expected open at root, got %v %v", out, host.opened)
	}
}

func TestRun_ConsumesPushTopic(t *testing.T) {
	b := memory.New()
	store := durablemem.New()
	d := &fakeDisplayer{}
	w, err := New(Config{Broker: b, Topic: "push", Store: store, Displayer: d, Views: &fakeHost{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "") }()
	time.Sleep(50 * time.Millisecond)

	_, _ = b.Publish(ctx, "push", []byte("not json"))
	raw, _ := notification.Payload{Notification: &notification.PayloadNotification{Title: "hello"}}.Encode()
	_, _ = b.Publish(ctx, "push", raw)

	deadline := time.Now().Add(2 * time.Second)
	for d.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("expected one display, got %d", d.count())
	}
	all, _ := store.GetAll(context.Background())
	if len(all) != 1 {
		t.Fatalf("expected one stored record, got %d", len(all))
	}
}

func TestRunClicks(t *testing.T) {
	b := memory.New()
	host := &fakeHost{}
	w, err := New(Config{Broker: b, ClickTopic: "clicks", Store: durablemem.New(), Displayer: &fakeDisplayer{}, Views: host})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.RunClicks(ctx) }()
	time.Sleep(50 * time.Millisecond)

	raw, _ := json.Marshal(Click{Tag: "7", Data: map[string]any{"url": "/x"}})
	_, _ = b.Publish(ctx, "clicks", raw)
	deadline := time.Now().Add(2 * time.Second)
	for len(host.openedURLs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunClicks: %v", err)
	}
	if got := host.openedURLs(); len(got) != 1 || got[0] != "/x" {
		t.Fatalf("expected view opened at /x, got %v", got)
	}
}
