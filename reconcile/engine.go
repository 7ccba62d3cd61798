// Package reconcile merges the durable store and the fast cache into the
// single deduplicated, newest-first notification view published to the
// foreground, and owns the read-state mutations over that view.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/pushguard/cache"
	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/notification"
)

// Snapshot is one published state of the engine.
type Snapshot struct {
	Notifications []notification.Record
	UnreadCount   int
	// Version increases with every publish. Watchers may receive snapshots
	// out of order under concurrent mutation and should drop stale versions.
	Version uint64
}

// Engine is the notification reconciliation engine. All operations are
// serialized; storage failures are logged and never returned.
type Engine struct {
	cache   *cache.Cache
	durable durable.Store
	log     *slog.Logger

	mu       sync.Mutex
	records  []notification.Record
	version  uint64
	watchers map[int]func(Snapshot)
	nextW    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine. store may be nil, in which case reconciliation uses
// the fast cache alone.
func New(c *cache.Cache, store durable.Store, opts ...Option) *Engine {
	e := &Engine{
		cache:    c,
		durable:  store,
		records:  []notification.Record{},
		watchers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	return e
}

// Snapshot returns the current published state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Watch registers fn to be called with every published state. The returned
// function unregisters it.
func (e *Engine) Watch(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextW
	e.nextW++
	e.watchers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		})
	}
}

// FetchNotifications rebuilds the published view from the fast cache and the
// durable store. Cache records come first so their read state survives the
// merge; durable records that collide with them by id or by the duplicate
// heuristic are dropped. The merged list is saved to the cache before the
// durable store is drained, and the drain is skipped if that save fails.
func (e *Engine) FetchNotifications(ctx context.Context) Snapshot {
	e.mu.Lock()

	merged := e.cache.Load(ctx)
	drained := e.readDurable(ctx)

	if len(drained) > 0 {
		merged = notification.Dedupe(append(merged, drained...))
	}
	notification.SortNewestFirst(merged)

	if len(drained) > 0 {
		if err := e.cache.Save(ctx, merged); err != nil {
			e.log.WarnContext(ctx, "reconcile.drain.save.fail",
				slog.Int("drained", len(drained)),
				slog.String("err", err.Error()))
		} else if err := e.durable.Clear(ctx); err != nil {
			e.log.WarnContext(ctx, "reconcile.drain.clear.fail", slog.String("err", err.Error()))
		}
	}

	e.records = merged
	snap, watchers := e.publishLocked()
	e.mu.Unlock()

	e.log.DebugContext(ctx, "reconcile.fetch.ok",
		slog.Int("count", len(snap.Notifications)),
		slog.Int("drained", len(drained)),
		slog.Int("unread", snap.UnreadCount))
	notify(watchers, snap)
	return snap
}

func (e *Engine) readDurable(ctx context.Context) []notification.Record {
	if e.durable == nil {
		return nil
	}
	if err := e.durable.Open(ctx); err != nil {
		e.log.WarnContext(ctx, "reconcile.durable.open.fail", slog.String("err", err.Error()))
		return nil
	}
	records, err := e.durable.GetAll(ctx)
	if err != nil {
		e.log.WarnContext(ctx, "reconcile.durable.read.fail", slog.String("err", err.Error()))
		return nil
	}
	return records
}

// AddNotification prepends r unless the current view already holds a
// duplicate of it. It reports whether the record was added.
func (e *Engine) AddNotification(ctx context.Context, r notification.Record) bool {
	e.mu.Lock()
	if notification.Contains(e.records, r) {
		e.mu.Unlock()
		e.log.DebugContext(ctx, "reconcile.add.duplicate", slog.String("id", r.ID))
		return false
	}

	next := make([]notification.Record, 0, len(e.records)+1)
	next = append(next, r.Clone())
	next = append(next, e.records...)
	e.records = next
	snap, watchers := e.publishLocked()
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.log.DebugContext(ctx, "reconcile.add.ok", slog.String("id", r.ID), slog.Int("unread", snap.UnreadCount))
	notify(watchers, snap)
	return true
}

// MarkAsRead marks one record read. An unknown id is a no-op.
func (e *Engine) MarkAsRead(ctx context.Context, id string) Snapshot {
	return e.mutate(ctx, func(records []notification.Record) {
		for i := range records {
			if records[i].ID == id {
				records[i].Read = true
			}
		}
	})
}

// MarkAllAsRead marks every record read.
func (e *Engine) MarkAllAsRead(ctx context.Context) Snapshot {
	return e.mutate(ctx, func(records []notification.Record) {
		for i := range records {
			records[i].Read = true
		}
	})
}

func (e *Engine) mutate(ctx context.Context, fn func([]notification.Record)) Snapshot {
	e.mu.Lock()
	next := make([]notification.Record, len(e.records))
	copy(next, e.records)
	fn(next)
	e.records = next
	snap, watchers := e.publishLocked()
	e.persistLocked(ctx)
	e.mu.Unlock()

	notify(watchers, snap)
	return snap
}

func (e *Engine) persistLocked(ctx context.Context) {
	if err := e.cache.Save(ctx, e.records); err != nil {
		e.log.WarnContext(ctx, "reconcile.persist.fail", slog.String("err", err.Error()))
	}
}

func (e *Engine) publishLocked() (Snapshot, []func(Snapshot)) {
	e.version++
	watchers := make([]func(Snapshot), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	return e.snapshotLocked(), watchers
}

func (e *Engine) snapshotLocked() Snapshot {
	out := make([]notification.Record, len(e.records))
	for i, r := range e.records {
		out[i] = r.Clone()
	}
	return Snapshot{
		Notifications: out,
		UnreadCount:   notification.UnreadCount(e.records),
		Version:       e.version,
	}
}

func notify(watchers []func(Snapshot), snap Snapshot) {
	for _, fn := range watchers {
		fn(snap)
	}
}
