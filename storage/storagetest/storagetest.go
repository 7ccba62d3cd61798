// Package storagetest provides a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/storage"
)

// Factory creates an empty storage for one test.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the suite against the factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "notifications", []byte(`[]`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "notifications")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `[]` {
		t.Fatalf("Get() returned wrong data: got %s", item.Data)
	}
	if item.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Fatal("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() should not return error for non-existent key: %v", err)
	}
	if item != nil {
		t.Fatal("Get() should return nil for non-existent key")
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("one"))
	if err := s.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, _ := s.Get(ctx, "k")
	if item == nil || string(item.Data) != "two" {
		t.Fatalf("expected overwritten value, got %v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ttl := 100 * time.Millisecond
	if err := s.Set(ctx, "ttl-key", []byte("v"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set() with TTL failed: %v", err)
	}
	item, err := s.Get(ctx, "ttl-key")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set for data with TTL")
	}
	time.Sleep(ttl + 100*time.Millisecond)
	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() failed after expiration: %v", err)
	}
	if item != nil {
		t.Fatal("Get() returned non-nil item after expiration")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("global"))
	_ = s.Set(ctx, "k", []byte("alice"), storage.WithUser("alice"))
	_ = s.Set(ctx, "k", []byte("bob"), storage.WithUser("bob"))

	for ns, want := range map[string]string{"": "global", "alice": "alice", "bob": "bob"} {
		item, err := s.Get(ctx, "k", storage.WithUser(ns))
		if err != nil || item == nil || string(item.Data) != want {
			t.Fatalf("namespace %q: expected %q, got %v (err %v)", ns, want, item, err)
		}
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("u"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("u"))
	if err := s.Delete(ctx, storage.WithUser("u"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("u")); item != nil {
		t.Fatal("deleted key should be gone")
	}
	if item, _ := s.Get(ctx, "b", storage.WithUser("u")); item == nil {
		t.Fatal("sibling key should survive")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "k3"} {
		_ = s.Set(ctx, k, []byte(k), storage.WithUser("u"))
	}
	_ = s.Set(ctx, "k1", []byte("keep"))
	if err := s.Delete(ctx, storage.WithUser("u")); err != nil {
		t.Fatalf("Delete() namespace failed: %v", err)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if item, _ := s.Get(ctx, k, storage.WithUser("u")); item != nil {
			t.Fatalf("key %s should be gone", k)
		}
	}
	if item, _ := s.Get(ctx, "k1"); item == nil {
		t.Fatal("global key should survive user namespace delete")
	}
}
