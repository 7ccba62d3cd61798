package session

import (
	"context"
	"errors"

	"github.com/ggoodman/pushguard/storage"
)

// Persisted session keys. Logout removes all four.
const (
	KeyToken        = "token"
	KeyRole         = "role"
	KeyUserID       = "userId"
	KeyRefreshToken = "refreshToken"
)

// AllKeys lists every persisted session key.
var AllKeys = []string{KeyToken, KeyRole, KeyUserID, KeyRefreshToken}

// KeyStore persists session keys across restarts.
type KeyStore interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// SlotKeyStore keeps session keys in slot storage under a "session." prefix.
type SlotKeyStore struct {
	slots storage.Storage
}

// NewSlotKeyStore creates a KeyStore over slot storage.
func NewSlotKeyStore(slots storage.Storage) *SlotKeyStore {
	return &SlotKeyStore{slots: slots}
}

func slotKey(key string) string { return "session." + key }

func (s *SlotKeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	item, err := s.slots.Get(ctx, slotKey(key))
	if err != nil {
		return "", false, err
	}
	if item == nil {
		return "", false, nil
	}
	return string(item.Data), true, nil
}

func (s *SlotKeyStore) Set(ctx context.Context, key, value string) error {
	return s.slots.Set(ctx, slotKey(key), []byte(value))
}

func (s *SlotKeyStore) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := s.slots.Delete(ctx, storage.WithKey(slotKey(k))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ KeyStore = (*SlotKeyStore)(nil)
