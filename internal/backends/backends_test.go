package backends

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	brokermem "github.com/ggoodman/pushguard/broker/memory"
	durablemem "github.com/ggoodman/pushguard/durable/memory"
	"github.com/ggoodman/pushguard/durable/sqlite"
	"github.com/ggoodman/pushguard/internal/config"
	"github.com/ggoodman/pushguard/session"
)

func baseConfig() *config.Config {
	return &config.Config{
		LogLevel:       "info",
		DurableBackend: config.BackendMemory,
		CacheBackend:   config.BackendMemory,
		CacheCapacity:  16,
		BrokerBackend:  config.BackendMemory,
		SessionStore:   config.SessionStoreSlots,
		KeyPrefix:      "test:",
	}
}

func TestOpen_Memory(t *testing.T) {
	cfg := baseConfig()
	s, err := Open(context.Background(), cfg, NewLogger(&bytes.Buffer{}, cfg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok := s.Durable.(*durablemem.Store); !ok {
		t.Fatalf("expected memory durable store, got %T", s.Durable)
	}
	if _, ok := s.Broker.(*brokermem.Broker); !ok || s.SharedBroker() {
		t.Fatalf("expected process-local broker, got %T", s.Broker)
	}
	if _, ok := s.Keys.(*session.SlotKeyStore); !ok {
		t.Fatalf("expected slot key store, got %T", s.Keys)
	}
}

func TestOpen_SQLite(t *testing.T) {
	cfg := baseConfig()
	cfg.DurableBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "push.db")
	s, err := Open(context.Background(), cfg, NewLogger(&bytes.Buffer{}, cfg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Durable.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite durable store, got %T", s.Durable)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpen_RedisUnavailable(t *testing.T) {
	cfg := baseConfig()
	cfg.DurableBackend = config.BackendRedis
	cfg.RedisAddr = "127.0.0.1:1"
	if _, err := Open(context.Background(), cfg, NewLogger(&bytes.Buffer{}, cfg)); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestNewLogger_JSONAtLevel(t *testing.T) {
	cfg := baseConfig()
	var buf bytes.Buffer
	log := NewLogger(&buf, cfg)
	log.Info("backends.test")
	if !strings.Contains(buf.String(), `"msg":"backends.test"`) {
		t.Fatalf("expected JSON output, got %s", buf.String())
	}
	buf.Reset()
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %s", buf.String())
	}
}
