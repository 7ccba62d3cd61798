// Package redis provides a durable.Store backed by a Redis hash, for
// deployments where the background worker and the console run on different
// hosts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/notification"
)

// Config contains configuration options for the Redis durable store.
type Config struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "pushguard:durable:"
	KeyPrefix string

	// Logger receives soft-fail diagnostics. Nil discards.
	Logger *slog.Logger
}

// Store implements durable.Store. Records live in one hash keyed by id; a
// separate key records the schema version written by Open.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	log       *slog.Logger
}

// New creates a Redis-backed durable store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "pushguard:durable:"
	}
	log := config.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix, log: log}, nil
}

func (s *Store) recordsKey() string { return s.keyPrefix + "notifications" }
func (s *Store) schemaKey() string  { return s.keyPrefix + "schema_version" }

// Open implements durable.Store.Open.
func (s *Store) Open(ctx context.Context) error {
	if err := s.client.SetNX(ctx, s.schemaKey(), durable.SchemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", durable.ErrOpen, err)
	}
	raw, err := s.client.Get(ctx, s.schemaKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: reading schema version: %v", durable.ErrOpen, err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid schema version %q", durable.ErrOpen, raw)
	}
	if v > durable.SchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d", durable.ErrOpen, v, durable.SchemaVersion)
	}
	return nil
}

// Add implements durable.Store.Add. HSETNX gives the primary-key constraint.
func (s *Store) Add(ctx context.Context, r notification.Record) error {
	if r.ID == "" {
		return fmt.Errorf("%w: record id is required", durable.ErrWrite)
	}
	n, err := s.client.Exists(ctx, s.schemaKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", durable.ErrWrite, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: store not open", durable.ErrWrite)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encoding %q: %v", durable.ErrWrite, r.ID, err)
	}
	ok, err := s.client.HSetNX(ctx, s.recordsKey(), r.ID, data).Result()
	if err != nil {
		return fmt.Errorf("%w: writing %q: %v", durable.ErrWrite, r.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate id %q", durable.ErrWrite, r.ID)
	}
	return nil
}

// GetAll implements durable.Store.GetAll.
func (s *Store) GetAll(ctx context.Context) ([]notification.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.recordsKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []notification.Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", durable.ErrUnavailable, err)
	}
	out := make([]notification.Record, 0, len(vals))
	for id, raw := range vals {
		var r notification.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.WarnContext(ctx, "durable.getall.skip_row", slog.String("id", id), slog.String("err", err.Error()))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Clear implements durable.Store.Clear.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.recordsKey()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", durable.ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ durable.Store = (*Store)(nil)
