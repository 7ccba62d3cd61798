// Package config loads process configuration from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	SessionStoreSlots   = "storage"
	SessionStoreKeyring = "keyring"
)

// Config is shared by the console and the worker. Defaults are provided via
// struct tags.
type Config struct {
	HTTPAddr string `env:"PUSHGUARD_HTTP_ADDR,default=:8080"`
	// Origin is the console's external base URL. ENV: PUSHGUARD_ORIGIN
	Origin   string `env:"PUSHGUARD_ORIGIN,default=http://localhost:8080"`
	LogLevel string `env:"PUSHGUARD_LOG_LEVEL,default=info"`

	DurableBackend string `env:"PUSHGUARD_DURABLE_BACKEND,default=sqlite"`
	SQLitePath     string `env:"PUSHGUARD_SQLITE_PATH,default=pushguard.db"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix      string `env:"PUSHGUARD_KEY_PREFIX,default=pushguard:"`

	CacheBackend  string `env:"PUSHGUARD_CACHE_BACKEND,default=memory"`
	CacheCapacity int    `env:"PUSHGUARD_CACHE_CAPACITY,default=1024"`
	// BrokerBackend selects the push transport. ENV: PUSHGUARD_BROKER_BACKEND
	BrokerBackend string `env:"PUSHGUARD_BROKER_BACKEND,default=memory"`

	SessionStore string `env:"PUSHGUARD_SESSION_STORE,default=storage"`
	KeyringDir   string `env:"PUSHGUARD_KEYRING_DIR"`
	KeyringPass  string `env:"PUSHGUARD_KEYRING_PASSWORD"`

	PushTopic   string `env:"PUSHGUARD_PUSH_TOPIC,default=push"`
	DefaultIcon string `env:"PUSHGUARD_DEFAULT_ICON,default=/icon-192x192.png"`

	RefreshURL string `env:"PUSHGUARD_REFRESH_URL"`
	// TokenURL refreshes local sessions with a standard refresh_token grant
	// when RefreshURL is unset. ENV: PUSHGUARD_TOKEN_URL
	TokenURL      string        `env:"PUSHGUARD_TOKEN_URL"`
	RefreshBuffer time.Duration `env:"PUSHGUARD_REFRESH_BUFFER,default=30s"`
	JWKSURL       string        `env:"PUSHGUARD_JWKS_URL"`

	OIDCIssuer       string `env:"OIDC_ISSUER"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `env:"OIDC_REDIRECT_URL"`
}

// Load reads the .env files (missing files are ignored) and decodes the
// environment. Variables already set in the environment win over .env.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	if len(files) == 0 {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and dependent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.DurableBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown durable backend %q", c.DurableBackend))
	}
	switch c.CacheBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}
	switch c.BrokerBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown broker backend %q", c.BrokerBackend))
	}
	switch c.SessionStore {
	case SessionStoreSlots, SessionStoreKeyring:
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q", c.SessionStore))
	}
	if c.CacheCapacity <= 0 {
		errs = append(errs, errors.New("cache capacity must be positive"))
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		errs = append(errs, errors.New("OIDC_CLIENT_ID is required when OIDC_ISSUER is set"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// SSOEnabled reports whether an external identity provider is configured.
func (c *Config) SSOEnabled() bool { return c.OIDCIssuer != "" }
