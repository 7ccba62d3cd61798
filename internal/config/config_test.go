package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PUSHGUARD_HTTP_ADDR", ":9090")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected env override, got %q", cfg.HTTPAddr)
	}
	if cfg.DurableBackend != BackendSQLite || cfg.CacheBackend != BackendMemory || cfg.PushTopic != "push" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RefreshBuffer != 30*time.Second {
		t.Fatalf("expected 30s refresh buffer, got %v", cfg.RefreshBuffer)
	}
	if cfg.DefaultIcon != "/icon-192x192.png" {
		t.Fatalf("unexpected default icon %q", cfg.DefaultIcon)
	}
	if cfg.SSOEnabled() {
		t.Fatal("SSO should be disabled without an issuer")
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "PUSHGUARD_DURABLE_BACKEND=redis\nPUSHGUARD_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PUSHGUARD_DURABLE_BACKEND")
		os.Unsetenv("PUSHGUARD_LOG_LEVEL")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DurableBackend != BackendRedis {
		t.Fatalf("expected redis from .env, got %q", cfg.DurableBackend)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", lvl)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{
		LogLevel:       "loud",
		DurableBackend: "tape",
		CacheBackend:   BackendMemory,
		BrokerBackend:  BackendMemory,
		SessionStore:   SessionStoreSlots,
		CacheCapacity:  1,
		OIDCIssuer:     "https://idp.example",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"durable backend", "OIDC_CLIENT_ID", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
