// Package backends builds the storage, durable store, broker and session key
// store named by a config.Config.
package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/pushguard/broker"
	brokermem "github.com/ggoodman/pushguard/broker/memory"
	brokerredis "github.com/ggoodman/pushguard/broker/redis"
	"github.com/ggoodman/pushguard/durable"
	durablemem "github.com/ggoodman/pushguard/durable/memory"
	durableredis "github.com/ggoodman/pushguard/durable/redis"
	"github.com/ggoodman/pushguard/durable/sqlite"
	"github.com/ggoodman/pushguard/internal/config"
	"github.com/ggoodman/pushguard/internal/logctx"
	"github.com/ggoodman/pushguard/session"
	"github.com/ggoodman/pushguard/session/keyringstore"
	"github.com/ggoodman/pushguard/storage"
	storagemem "github.com/ggoodman/pushguard/storage/memory"
	storageredis "github.com/ggoodman/pushguard/storage/redis"
)

// Set is the opened backends of one process.
type Set struct {
	Durable durable.Store
	Slots   storage.Storage
	Broker  broker.Broker
	Keys    session.KeyStore

	closers []io.Closer
}

// Logger builds the process logger: JSON on stderr, wrapped with the context
// handler.
func Logger(cfg *config.Config) *slog.Logger {
	return NewLogger(os.Stderr, cfg)
}

// NewLogger is Logger writing to w.
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})})
}

// Open builds every backend. Each redis-backed component owns its client and
// closes it with itself.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Set, error) {
	s := &Set{}
	redisClient := func() (*redis.Client, error) {
		c := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return c, nil
	}

	fail := func(err error) (*Set, error) {
		_ = s.Close()
		return nil, err
	}

	switch cfg.DurableBackend {
	case config.BackendSQLite:
		st, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath, Logger: log})
		if err != nil {
			return fail(err)
		}
		s.Durable = st
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		st, err := durableredis.New(durableredis.Config{Client: c, KeyPrefix: cfg.KeyPrefix + "durable:", Logger: log})
		if err != nil {
			return fail(err)
		}
		s.Durable = st
	default:
		s.Durable = durablemem.New()
	}
	s.closers = append(s.closers, s.Durable)

	switch cfg.CacheBackend {
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		st, err := storageredis.New(storageredis.Config{Client: c, KeyPrefix: cfg.KeyPrefix + "storage:"})
		if err != nil {
			return fail(err)
		}
		s.Slots = st
	default:
		st, err := storagemem.New(cfg.CacheCapacity)
		if err != nil {
			return fail(err)
		}
		s.Slots = st
	}
	s.closers = append(s.closers, s.Slots)

	switch cfg.BrokerBackend {
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		b := brokerredis.New(brokerredis.Config{Client: c, KeyPrefix: cfg.KeyPrefix + "broker:", MaxLen: 10000})
		s.Broker = b
		s.closers = append(s.closers, b)
	default:
		s.Broker = brokermem.New()
	}

	switch cfg.SessionStore {
	case config.SessionStoreKeyring:
		ks, err := keyringstore.Open(keyringstore.Config{FileDir: cfg.KeyringDir, FilePassword: cfg.KeyringPass})
		if err != nil {
			return fail(err)
		}
		s.Keys = ks
	default:
		s.Keys = session.NewSlotKeyStore(s.Slots)
	}

	log.InfoContext(ctx, "backends.open.ok",
		slog.String("durable", cfg.DurableBackend),
		slog.String("cache", cfg.CacheBackend),
		slog.String("broker", cfg.BrokerBackend),
		slog.String("session", cfg.SessionStore))
	return s, nil
}

// SharedBroker reports whether the broker reaches other processes.
func (s *Set) SharedBroker() bool {
	_, local := s.Broker.(*brokermem.Broker)
	return !local
}

// Close releases every backend in reverse order of opening.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
