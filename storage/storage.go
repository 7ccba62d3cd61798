// Package storage provides reload-durable key/value slots: small text blobs
// that survive a restart of the console process but are not a cross-process
// coordination medium. The fast notification cache and the persisted session
// keys are both kept in slots.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is the slot contract.
type Storage interface {
	// Get retrieves the value stored under key within the selected namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns an error only for storage engine failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes one key (WithKey) or, without WithKey, the whole
	// namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with metadata.
type Item struct {
	Data      []byte
	UpdatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has passed its expiry.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of operation options.
type Options struct {
	Namespace Namespace      // nil = global
	Key       *string        // Delete target
	TTL       *time.Duration // expiry for Set
}

// Resolve applies opts in order.
func Resolve(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace selects an isolated group of keys. A nil Namespace is global.
type Namespace interface {
	namespace()
}

// UserNamespace scopes keys to one signed-in user.
type UserNamespace struct {
	UserID string
}

func (UserNamespace) namespace() {}

// WithUser selects the user namespace.
func WithUser(userID string) Option {
	return func(opts *Options) {
		if userID == "" {
			opts.Namespace = nil
			return
		}
		opts.Namespace = UserNamespace{UserID: userID}
	}
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets an expiry for Set.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Prefix returns the backend-neutral key prefix of a namespace.
func Prefix(ns Namespace) string {
	switch n := ns.(type) {
	case UserNamespace:
		return "user:" + n.UserID + ":"
	default:
		return "global:"
	}
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
