package foreground

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/pushguard/broker/memory"
	"github.com/ggoodman/pushguard/cache"
	durablemem "github.com/ggoodman/pushguard/durable/memory"
	"github.com/ggoodman/pushguard/notification"
	"github.com/ggoodman/pushguard/reconcile"
	"github.com/ggoodman/pushguard/session"
	storagemem "github.com/ggoodman/pushguard/storage/memory"
)

const topic = "push"

type fixture struct {
	broker  *memory.Broker
	durable *durablemem.Store
	engine  *reconcile.Engine
	manager *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	slots, err := storagemem.New(32)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	m, err := session.NewManager(session.Config{Keys: session.NewSlotKeyStore(slots)})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	d := durablemem.New()
	return &fixture{
		broker:  memory.New(),
		durable: d,
		engine:  reconcile.New(cache.New(slots), d),
		manager: m,
	}
}

func (f *fixture) listener(t *testing.T, now func() time.Time) *Listener {
	t.Helper()
	l, err := New(Config{Broker: f.broker, Topic: topic, Engine: f.engine, State: f.manager.State(), Now: now})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	return l
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	f.loginFor(t, time.Hour)
}

func (f *fixture) loginFor(t *testing.T, ttl time.Duration) {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.manager.LoginLocal(context.Background(), tok, "rt"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func (f *fixture) publish(t *testing.T, raw string) {
	t.Helper()
	if _, err := f.broker.Publish(context.Background(), topic, []byte(raw)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStart_RequiresAuthenticatedSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.listener(t, nil).Start(context.Background())
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestListener_AddsPushes(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	sub, err := f.listener(t, nil).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Unsubscribe()
	time.Sleep(100 * time.Millisecond)

	f.publish(t, `{"notification":{"body":"no title here"},"data":{"url":"/orders/7"}}`)
	eventually(t, "first notification", func() bool { return len(f.engine.Snapshot().Notifications) == 1 })

	got := f.engine.Snapshot().Notifications[0]
	if got.Title != notification.DefaultTitle || got.Body != "no title here" || got.URL() != "/orders/7" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Read {
		t.Fatal("pushed record must start unread")
	}
}

func TestListener_SkipsUndecodablePayload(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	sub, err := f.listener(t, nil).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Unsubscribe()
	time.Sleep(100 * time.Millisecond)

	f.publish(t, `not json`)
	f.publish(t, `{"notification":{"title":"after"}}`)
	eventually(t, "valid notification", func() bool { return len(f.engine.Snapshot().Notifications) == 1 })
	if got := f.engine.Snapshot().Notifications[0].Title; got != "after" {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestListener_DuplicatePushIgnored(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	sub, err := f.listener(t, func() time.Time { return fixed }).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Unsubscribe()
	time.Sleep(100 * time.Millisecond)

	f.publish(t, `{"notification":{"title":"same","body":"same"}}`)
	f.publish(t, `{"notification":{"title":"same","body":"same"}}`)
	eventually(t, "first push", func() bool { return len(f.engine.Snapshot().Notifications) == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := len(f.engine.Snapshot().Notifications); n != 1 {
		t.Fatalf("expected duplicates to collapse to 1, got %d", n)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	sub, err := f.listener(t, nil).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected Done to be closed after Unsubscribe")
	}
	if sub.Err() != nil {
		t.Fatalf("expected clean stop, got %v", sub.Err())
	}

	f.publish(t, `{"notification":{"title":"late"}}`)
	time.Sleep(100 * time.Millisecond)
	if n := len(f.engine.Snapshot().Notifications); n != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", n)
	}
}

func TestSupervisor_FollowsSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Written by the background process before the user signs in.
	_ = f.durable.Open(ctx)
	_ = f.durable.Add(ctx, notification.Record{ID: "1", Title: "offline", Timestamp: time.Now().Add(-time.Minute)})

	sup := NewSupervisor(f.listener(t, nil), f.manager, nil)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if sup.Active() {
		t.Fatal("supervisor must not subscribe without a session")
	}

	f.login(t)
	eventually(t, "active subscription", sup.Active)
	if snap := f.engine.Snapshot(); len(snap.Notifications) != 1 || snap.Notifications[0].ID != "1" {
		t.Fatalf("expected durable record drained on sign-in, got %+v", snap.Notifications)
	}

	time.Sleep(100 * time.Millisecond)
	f.publish(t, `{"notification":{"title":"live"}}`)
	eventually(t, "live notification", func() bool { return len(f.engine.Snapshot().Notifications) == 2 })

	f.manager.Logout(ctx)
	eventually(t, "teardown on logout", func() bool { return !sup.Active() })

	f.publish(t, `{"notification":{"title":"after logout"}}`)
	time.Sleep(100 * time.Millisecond)
	if n := len(f.engine.Snapshot().Notifications); n != 2 {
		t.Fatalf("expected no delivery after logout, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_StopsWhenLocalTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := NewSupervisor(f.listener(t, nil), f.manager, nil)
	go func() { _ = sup.Run(ctx) }()

	f.loginFor(t, 2*time.Second)
	eventually(t, "active subscription", sup.Active)

	deadline := time.Now().Add(5 * time.Second)
	for sup.Active() {
		if time.Now().After(deadline) {
			t.Fatal("subscription outlived the local token")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if f.manager.State().Snapshot().Authenticated {
		t.Fatal("expected the expired token to read as unauthenticated")
	}
}
