// Package cache implements the fast notification cache: the foreground's
// reload-durable copy of the reconciled notification list, serialized into a
// single storage slot.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/pushguard/notification"
	"github.com/ggoodman/pushguard/storage"
)

// DefaultKey is the slot holding the serialized notification list.
const DefaultKey = "notifications"

// Cache loads and saves the notification list.
type Cache struct {
	slots storage.Storage
	key   string
	ns    []storage.Option
	log   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithKey overrides the slot key.
func WithKey(key string) Option {
	return func(c *Cache) { c.key = key }
}

// WithUser scopes the cache to a user namespace.
func WithUser(userID string) Option {
	return func(c *Cache) { c.ns = []storage.Option{storage.WithUser(userID)} }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates a cache over the given slot storage.
func New(slots storage.Storage, opts ...Option) *Cache {
	c := &Cache{slots: slots, key: DefaultKey}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	return c
}

// Load returns the cached records. A corrupt blob is removed and treated as
// empty; a slot read failure is logged and also treated as empty.
func (c *Cache) Load(ctx context.Context) []notification.Record {
	item, err := c.slots.Get(ctx, c.key, c.ns...)
	if err != nil {
		c.log.WarnContext(ctx, "cache.load.fail", slog.String("err", err.Error()))
		return []notification.Record{}
	}
	if item == nil || len(item.Data) == 0 {
		return []notification.Record{}
	}

	records, err := notification.DecodeList(item.Data)
	if err != nil {
		c.log.WarnContext(ctx, "cache.load.corrupt", slog.String("err", err.Error()))
		if derr := c.slots.Delete(ctx, append([]storage.Option{storage.WithKey(c.key)}, c.ns...)...); derr != nil {
			c.log.WarnContext(ctx, "cache.discard.fail", slog.String("err", derr.Error()))
		}
		return []notification.Record{}
	}
	return records
}

// Save replaces the cached records.
func (c *Cache) Save(ctx context.Context, records []notification.Record) error {
	blob, err := notification.EncodeList(records)
	if err != nil {
		return fmt.Errorf("encoding notifications: %w", err)
	}
	if err := c.slots.Set(ctx, c.key, blob, c.ns...); err != nil {
		return fmt.Errorf("saving notifications: %w", err)
	}
	return nil
}

// Clear removes the cached list.
func (c *Cache) Clear(ctx context.Context) error {
	return c.slots.Delete(ctx, append([]storage.Option{storage.WithKey(c.key)}, c.ns...)...)
}
