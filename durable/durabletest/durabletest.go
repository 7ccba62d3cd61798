// Package durabletest provides a conformance suite for durable.Store
// implementations.
package durabletest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/notification"
)

// StoreFactory creates a fresh, unopened store for one test. When shared is
// non-nil the factory must return a second handle onto the same physical
// storage as shared (a different "process").
type StoreFactory func(t *testing.T, shared durable.Store) durable.Store

// RunStoreTests runs the complete durable.Store suite.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Open_Idempotent", func(t *testing.T) { testOpenIdempotent(t, factory) })
	t.Run("GetAll_BeforeOpenIsEmpty", func(t *testing.T) { testGetAllBeforeOpen(t, factory) })
	t.Run("Clear_BeforeOpenSucceeds", func(t *testing.T) { testClearBeforeOpen(t, factory) })
	t.Run("Add_ThenGetAll", func(t *testing.T) { testAddGetAll(t, factory) })
	t.Run("Add_DuplicateIDFails", func(t *testing.T) { testAddDuplicate(t, factory) })
	t.Run("Clear_RemovesAll", func(t *testing.T) { testClear(t, factory) })
	t.Run("SharedHandles_SeeEachOther", func(t *testing.T) { testSharedHandles(t, factory) })
	t.Run("ConcurrentAdds", func(t *testing.T) { testConcurrentAdds(t, factory) })
}

func rec(id string) notification.Record {
	return notification.Record{
		ID:        id,
		Title:     "title " + id,
		Body:      "body " + id,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(id)) * time.Minute),
		Data:      map[string]any{"url": "/events/" + id},
	}
}

func openStore(t *testing.T, factory StoreFactory) durable.Store {
	t.Helper()
	s := factory(t, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func testOpenIdempotent(t *testing.T, factory StoreFactory) {
	s := openStore(t, factory)
	ctx := context.Background()
	if err := s.Add(ctx, rec("a")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("second open: %v", err)
	}
	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected reopen to keep 1 record, got %d", len(got))
	}
}

func testGetAllBeforeOpen(t *testing.T, factory StoreFactory) {
	s := factory(t, nil)
	got, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("expected soft-fail on missing store, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func testClearBeforeOpen(t *testing.T, factory StoreFactory) {
	s := factory(t, nil)
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("expected clear on missing store to succeed, got %v", err)
	}
}

func testAddGetAll(t *testing.T, factory StoreFactory) {
	s := openStore(t, factory)
	ctx := context.Background()
	want := rec("1")
	want.Image = "/img.png"
	if err := s.Add(ctx, want); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0]
	if r.ID != want.ID || r.Title != want.Title || r.Body != want.Body || r.Image != want.Image || r.Read {
		t.Fatalf("unexpected record: %+v", r)
	}
	if !r.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", r.Timestamp, want.Timestamp)
	}
	if r.URL() != "/events/1" {
		t.Fatalf("expected data url to round-trip, got %q", r.URL())
	}
}

func testAddDuplicate(t *testing.T, factory StoreFactory) {
	s := openStore(t, factory)
	ctx := context.Background()
	if err := s.Add(ctx, rec("dup")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := s.Add(ctx, rec("dup"))
	if !errors.Is(err, durable.ErrWrite) {
		t.Fatalf("expected ErrWrite on duplicate, got %v", err)
	}
	got, _ := s.GetAll(ctx)
	if len(got) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d records", len(got))
	}
}

func testClear(t *testing.T, factory StoreFactory) {
	s := openStore(t, factory)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		if err := s.Add(ctx, rec(id)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store after clear, got %d", len(got))
	}
	// Cleared stores remain writable.
	if err := s.Add(ctx, rec("1")); err != nil {
		t.Fatalf("add after clear: %v", err)
	}
}

func testSharedHandles(t *testing.T, factory StoreFactory) {
	writer := openStore(t, factory)
	reader := factory(t, writer)
	ctx := context.Background()
	if err := reader.Open(ctx); err != nil {
		t.Fatalf("open reader: %v", err)
	}
	if err := writer.Add(ctx, rec("bg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := reader.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != 1 || got[0].ID != "bg" {
		t.Fatalf("expected reader to observe writer's record, got %+v", got)
	}
	if err := reader.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = writer.GetAll(ctx)
	if len(got) != 0 {
		t.Fatalf("expected writer to observe clear, got %d", len(got))
	}
}

func testConcurrentAdds(t *testing.T, factory StoreFactory) {
	s := openStore(t, factory)
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Add(ctx, rec("c"+strconv.Itoa(i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add: %v", err)
	}
	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d records, got %d", n, len(got))
	}
}
