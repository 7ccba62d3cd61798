package redis

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/durable/durabletest"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	conn := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 3})
	if err := conn.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = conn.Close()

	durabletest.RunStoreTests(t, func(t *testing.T, shared durable.Store) durable.Store {
		prefix := "test:durable:" + uuid.NewString() + ":"
		if shared != nil {
			prefix = shared.(*Store).keyPrefix
		}
		client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 3})
		s, err := New(Config{Client: client, KeyPrefix: prefix})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			client.Del(ctx, s.recordsKey(), s.schemaKey())
			_ = s.Close()
		})
		return s
	})
}
