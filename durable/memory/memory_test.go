package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/durable/durabletest"
	"github.com/ggoodman/pushguard/notification"
)

func TestMemoryStore(t *testing.T) {
	durabletest.RunStoreTests(t, func(t *testing.T, shared durable.Store) durable.Store {
		if shared != nil {
			return shared
		}
		return New()
	})
}

func TestGetAllReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Add(ctx, notification.Record{ID: "1", Timestamp: time.Now(), Data: map[string]any{"url": "/a"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ := s.GetAll(ctx)
	got[0].Data["url"] = "/mutated"
	again, _ := s.GetAll(ctx)
	if again[0].URL() != "/a" {
		t.Fatalf("expected stored record to be isolated from caller mutation, got %q", again[0].URL())
	}
}
