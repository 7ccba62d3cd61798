package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/durable/durabletest"
	"github.com/ggoodman/pushguard/notification"
)

func newStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	durabletest.RunStoreTests(t, func(t *testing.T, shared durable.Store) durable.Store {
		if shared != nil {
			// A second pool onto the same file stands in for the other process.
			return newStore(t, shared.(*Store).Path())
		}
		return newStore(t, filepath.Join(t.TempDir(), "notifications.db"))
	})
}

func TestOpen_NewerSchemaBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.db")
	s := newStore(t, path)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (2)"); err != nil {
		t.Fatalf("bump version: %v", err)
	}

	other := newStore(t, path)
	if err := other.Open(ctx); err == nil {
		t.Fatalf("expected open against newer schema to fail")
	}
}

func TestWatch_FiresOnWriteFromOtherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.db")
	watcher := newStore(t, path)
	writer := newStore(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, 20*time.Millisecond, func(context.Context) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	if err := writer.Add(ctx, notification.Record{ID: "bg-1", Title: "t", Timestamp: time.Now()}); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("expected change notification")
	}
	cancel()
	<-done
}
