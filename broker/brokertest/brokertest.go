// Package brokertest provides a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromNext", func(t *testing.T) {
		testPublishAndSubscribeFromNext(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("FanOutToEverySubscriber", func(t *testing.T) {
		testFanOut(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromInvalidEventID", func(t *testing.T) {
		testResumeFromInvalidEventID(t, factory)
	})
}

var topics = []string{
	"push-1", "push-2", "push-3", "push-4", "push-5a", "push-5b",
	"push-6", "push-7", "push-8", "push-9",
}

type collector struct {
	mu   sync.Mutex
	envs []broker.MessageEnvelope
}

func (c *collector) add(env broker.MessageEnvelope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return len(c.envs)
}

func (c *collector) snapshot() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.envs...)
}

func waitDone(t *testing.T, done <-chan error, want error) {
	t.Helper()
	select {
	case err := <-done:
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("Expected subscription to end with %v, got %v", want, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testPublishAndSubscribeFromNext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Published before the subscription: must not be delivered.
	if _, err := b.Publish(ctx, "push-1", []byte(`{"early":true}`)); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	var got collector
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "push-1", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			if got.add(env) >= 1 {
				cancel()
			}
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, "push-1", []byte(`{"notification":{"title":"hi"}}`))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if eventID == "" {
		t.Fatal("Expected non-empty event ID")
	}
	waitDone(t, done, context.Canceled)

	envs := got.snapshot()
	if len(envs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(envs))
	}
	if envs[0].ID != eventID {
		t.Fatalf("Expected event ID %s, got %s", eventID, envs[0].ID)
	}
	if string(envs[0].Data) != `{"notification":{"title":"hi"}}` {
		t.Fatalf("Unexpected payload %s", envs[0].Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Publish(ctx, "push-2", []byte("one"))
	if err != nil {
		t.Fatalf("Failed to publish first message: %v", err)
	}
	second, err := b.Publish(ctx, "push-2", []byte("two"))
	if err != nil {
		t.Fatalf("Failed to publish second message: %v", err)
	}

	var got collector
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "push-2", first, func(ctx context.Context, env broker.MessageEnvelope) error {
			if got.add(env) >= 1 {
				cancel()
			}
			return nil
		})
	}()
	waitDone(t, done, context.Canceled)

	envs := got.snapshot()
	if len(envs) != 1 || envs[0].ID != second || string(envs[0].Data) != "two" {
		t.Fatalf("Expected only the second message, got %+v", envs)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 10
	var got collector
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "push-3", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			if got.add(env) >= n {
				cancel()
			}
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, "push-3", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
	}
	waitDone(t, done, context.Canceled)

	envs := got.snapshot()
	if len(envs) != n {
		t.Fatalf("Expected %d messages, got %d", n, len(envs))
	}
	for i, env := range envs {
		if string(env.Data) != fmt.Sprintf("%d", i) {
			t.Fatalf("Message %d out of order: %s", i, env.Data)
		}
	}
}

func testFanOut(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var a, c collector
	doneA := make(chan error, 1)
	doneC := make(chan error, 1)
	go func() {
		doneA <- b.Subscribe(ctx, "push-4", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			a.add(env)
			return nil
		})
	}()
	go func() {
		doneC <- b.Subscribe(ctx, "push-4", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			c.add(env)
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, "push-4", []byte("x"))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	waitDone(t, doneA, nil)
	waitDone(t, doneC, nil)

	for name, col := range map[string]*collector{"first": &a, "second": &c} {
		envs := col.snapshot()
		if len(envs) != 1 || envs[0].ID != eventID {
			t.Fatalf("%s subscriber: expected event %s, got %+v", name, eventID, envs)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var a, c collector
	doneA := make(chan error, 1)
	doneC := make(chan error, 1)
	go func() {
		doneA <- b.Subscribe(ctx, "push-5a", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			a.add(env)
			return nil
		})
	}()
	go func() {
		doneC <- b.Subscribe(ctx, "push-5b", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			c.add(env)
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, "push-5a", []byte("for-a")); err != nil {
		t.Fatalf("Failed to publish to push-5a: %v", err)
	}
	if _, err := b.Publish(ctx, "push-5b", []byte("for-b")); err != nil {
		t.Fatalf("Failed to publish to push-5b: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	waitDone(t, doneA, nil)
	waitDone(t, doneC, nil)

	if envs := a.snapshot(); len(envs) != 1 || string(envs[0].Data) != "for-a" {
		t.Fatalf("push-5a subscriber got %+v", envs)
	}
	if envs := c.snapshot(); len(envs) != 1 || string(envs[0].Data) != "for-b" {
		t.Fatalf("push-5b subscriber got %+v", envs)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "push-6", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			return nil
		})
	}()
	waitDone(t, done, context.DeadlineExceeded)
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expectedErr := errors.New("handler error")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "push-7", "", func(ctx context.Context, env broker.MessageEnvelope) error {
			return expectedErr
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, "push-7", []byte("x")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	waitDone(t, done, expectedErr)
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventID, err := b.Publish(ctx, "push-8", []byte("x"))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if err := b.Cleanup(ctx, "push-8"); err != nil {
		t.Fatalf("Failed to cleanup topic: %v", err)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer subCancel()
	err = b.Subscribe(subCtx, "push-8", eventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		t.Fatal("Should not receive any messages after cleanup")
		return nil
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("Subscription returned error after cleanup (acceptable): %v", err)
	}
}

func testResumeFromInvalidEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, "push-9", "non-existent-id", func(ctx context.Context, env broker.MessageEnvelope) error {
		return nil
	})
	if err == nil {
		t.Fatal("Expected error for invalid event ID, got nil")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Subscription should fail immediately for invalid event ID, not timeout")
	}
}

// cleanupBroker is a best-effort removal of the suite's topics.
func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, topic := range topics {
		if err := b.Cleanup(ctx, topic); err != nil {
			t.Logf("Warning: failed to cleanup topic %s: %v", topic, err)
		}
	}
	if closer, ok := b.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Logf("Warning: failed to close broker: %v", err)
		}
	}
}
