// Package redis provides a Redis Streams broker.Broker. The push service, the
// background worker and the console can run as separate processes sharing one
// Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/pushguard/broker"
)

// Broker is a Redis Streams-based implementation of the broker.Broker
// interface. Every subscriber reads the stream independently, without a
// consumer group, so each one sees every envelope.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "pushguard:broker:" if empty.
	KeyPrefix string
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64
	// Block is the XREAD block interval between context checks. Defaults to 1s.
	Block time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "pushguard:broker:"
	}
	block := config.Block
	if block <= 0 {
		block = time.Second
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    config.MaxLen,
		block:     block,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"data": data,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	eventID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(topic)

	startID := lastEventID
	if startID == "" {
		// Pin "$" to a concrete id so envelopes published between two XREAD
		// calls are not skipped.
		latest, err := b.latestID(ctx, streamKey)
		if err != nil {
			return err
		}
		startID = latest
	} else if !validStreamID(startID) {
		return fmt.Errorf("%w: %q", broker.ErrInvalidEventID, lastEventID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					// Skip malformed message and continue from next
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.Cleanup.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	err := b.client.Del(ctx, b.streamKey(topic)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) latestID(ctx context.Context, streamKey string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read stream tail %s: %w", streamKey, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

// validStreamID accepts "<ms>" or "<ms>-<seq>".
func validStreamID(id string) bool {
	ms, seq, found := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if !found {
		return true
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

var _ broker.Broker = (*Broker)(nil)
