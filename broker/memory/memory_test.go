package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/pushguard/broker"
	"github.com/ggoodman/pushguard/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestRetentionDropsOldestForResume(t *testing.T) {
	b := New(WithRetention(2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, _ := b.Publish(ctx, "t", []byte("1"))
	_, _ = b.Publish(ctx, "t", []byte("2"))
	_, _ = b.Publish(ctx, "t", []byte("3"))
	_, _ = b.Publish(ctx, "t", []byte("4"))

	var got []string
	stop := errors.New("stop")
	err := b.Subscribe(ctx, "t", first, func(ctx context.Context, env broker.MessageEnvelope) error {
		got = append(got, string(env.Data))
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if got[0] != "3" || got[1] != "4" {
		t.Fatalf("expected retained backlog [3 4], got %v", got)
	}
}

func TestCleanupEndsSubscription(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "t", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	if err := b.Cleanup(ctx, "t"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrTopicClosed) {
			t.Fatalf("expected ErrTopicClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not end after cleanup")
	}
}
