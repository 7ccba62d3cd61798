// Package durable defines the durable notification store: persistent,
// process-independent storage reachable from both the background delivery
// worker and the foreground console.
//
// Implementations must target shared physical storage so a record added by
// one process is visible to GetAll in another. No ordering is guaranteed
// between concurrent Add, GetAll and Clear calls issued from different
// processes; reconciliation deduplicates instead of locking.
package durable

import (
	"context"
	"errors"

	"github.com/ggoodman/pushguard/notification"
)

// SchemaVersion is the store layout version created by Open.
const SchemaVersion = 1

var (
	// ErrOpen is returned by Open when the storage engine is unavailable or
	// blocked (e.g. by a pending upgrade).
	ErrOpen = errors.New("durable: open failed")

	// ErrWrite is returned by Add on constraint violation (duplicate id) or
	// when the store cannot be written.
	ErrWrite = errors.New("durable: write failed")

	// ErrUnavailable marks failures of the storage engine itself. GetAll may
	// return it when the engine cannot be reached at all.
	ErrUnavailable = errors.New("durable: storage unavailable")
)

// Store is the durable notification store contract.
type Store interface {
	// Open creates the store at SchemaVersion if absent. It is idempotent.
	Open(ctx context.Context) error

	// Add inserts a record keyed by its id. A second Add with the same id
	// fails with ErrWrite.
	Add(ctx context.Context, r notification.Record) error

	// GetAll returns every record in unspecified order. A missing store or
	// schema yields an empty result, not an error.
	GetAll(ctx context.Context) ([]notification.Record, error)

	// Clear removes every record. Clearing a store that does not exist yet
	// succeeds.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}
