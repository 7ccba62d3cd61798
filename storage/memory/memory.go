// Package memory provides an in-process storage.Storage bounded by an LRU, so
// that the oldest slots are evicted once capacity is reached.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/pushguard/storage"
)

// Storage implements storage.Storage in memory.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]
}

// New creates an in-memory slot store holding at most maxItems keys.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Storage{cache: cache}, nil
}

// Get implements storage.Storage.Get.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Resolve(opts...)
	k := storage.Prefix(options.Namespace) + key

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(k)
		return nil, nil
	}
	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set implements storage.Storage.Set.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Resolve(opts...)
	if options.Key != nil {
		return storage.ErrInvalidOptions
	}
	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		UpdatedAt: now,
	}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(storage.Prefix(options.Namespace)+key, item)
	s.mu.Unlock()
	return nil
}

// Delete implements storage.Storage.Delete.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Resolve(opts...)
	prefix := storage.Prefix(options.Namespace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if options.Key != nil {
		s.cache.Remove(prefix + *options.Key)
		return nil
	}
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close implements storage.Storage.Close.
func (s *Storage) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
