// Package keyringstore keeps the persisted session keys in the operating
// system keyring instead of slot storage.
package keyringstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"

	"github.com/ggoodman/pushguard/session"
)

// DefaultServiceName names the keyring entries.
const DefaultServiceName = "pushguard"

// Config configures a Store.
type Config struct {
	ServiceName string
	// Backends restricts the keyring backends. Defaults to the platform
	// backends with an encrypted file fallback.
	Backends []keyring.BackendType
	// FileDir and FilePassword configure the file backend.
	FileDir      string
	FilePassword string
}

// Store implements session.KeyStore on a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the keyring.
func Open(cfg Config) (*Store, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.config/pushguard/session"
	}
	if cfg.FilePassword == "" {
		cfg.FilePassword = "pushguard-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.ServiceName,
		AllowedBackends:          cfg.Backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an open keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func missing(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Get implements session.KeyStore.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	item, err := s.ring.Get(key)
	if missing(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting session key %q: %w", key, err)
	}
	return string(item.Data), true, nil
}

// Set implements session.KeyStore.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: DefaultServiceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting session key %q: %w", key, err)
	}
	return nil
}

// Delete implements session.KeyStore. Absent keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := s.ring.Remove(key); err != nil && !missing(err) {
			errs = append(errs, fmt.Errorf("deleting session key %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

var _ session.KeyStore = (*Store)(nil)
