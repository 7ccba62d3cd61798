package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/pushguard/storage"
	"github.com/ggoodman/pushguard/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCapacityEvictsOldest(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_ = s.Set(ctx, "c", []byte("3"))

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatal("expected oldest slot to be evicted")
	}
	if item, _ := s.Get(ctx, "c"); item == nil {
		t.Fatal("expected newest slot to be present")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := New(10)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("abc"))
	item, _ := s.Get(ctx, "k")
	item.Data[0] = 'z'
	again, _ := s.Get(ctx, "k")
	if string(again.Data) != "abc" {
		t.Fatalf("stored data was mutated through Get result: %s", again.Data)
	}
}
