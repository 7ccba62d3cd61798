// Package memory provides an in-process broker.Broker. Topics are retained in
// memory with a bounded backlog, so it serves single-binary runs and tests but
// not a split foreground/background deployment.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/pushguard/broker"
)

// DefaultRetention is the number of envelopes kept per topic for resume.
const DefaultRetention = 1024

// Broker implements broker.Broker in memory.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topic
	retention int
}

type topic struct {
	mu       sync.Mutex
	base     int64 // sequence of messages[0]
	next     int64 // sequence of the next published envelope
	messages []broker.MessageEnvelope
	waiters  map[chan struct{}]struct{}
	closed   bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithRetention bounds the per-topic backlog.
func WithRetention(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retention = n
		}
	}
}

// New creates an in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{topics: make(map[string]*topic), retention: DefaultRetention}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{base: 1, next: 1, waiters: make(map[chan struct{}]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := b.topic(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("%w: %q", broker.ErrTopicClosed, name)
	}
	seq := t.next
	t.next++
	env := broker.MessageEnvelope{ID: strconv.FormatInt(seq, 10), Data: append([]byte(nil), data...)}
	t.messages = append(t.messages, env)
	if over := len(t.messages) - b.retention; over > 0 {
		t.messages = append([]broker.MessageEnvelope(nil), t.messages[over:]...)
		t.base += int64(over)
	}
	for w := range t.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := b.topic(name)
	wake := make(chan struct{}, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", broker.ErrTopicClosed, name)
	}
	cursor := t.next
	if lastEventID != "" {
		seq, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || seq < 0 {
			t.mu.Unlock()
			return fmt.Errorf("%w: %q", broker.ErrInvalidEventID, lastEventID)
		}
		if seq < t.next {
			cursor = seq + 1
		}
	}
	t.waiters[wake] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.waiters, wake)
		t.mu.Unlock()
	}()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return fmt.Errorf("%w: %q", broker.ErrTopicClosed, name)
		}
		if cursor < t.base {
			cursor = t.base
		}
		batch := append([]broker.MessageEnvelope(nil), t.messages[cursor-t.base:]...)
		cursor = t.next
		t.mu.Unlock()

		for _, env := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Cleanup implements broker.Broker.Cleanup.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.closed = true
	t.messages = nil
	for w := range t.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
