// Package broker is the push channel: ordered, topic-scoped envelopes fanned
// out to every live subscriber, with resume from a known event id. The push
// service publishes delivery payloads to a topic and both delivery listeners
// subscribe to it. The platform primitives ride on the same channel.
package broker

import (
	"context"
	"errors"
)

// ErrTopicClosed is returned when publishing to or subscribing to a topic that
// has been cleaned up.
var ErrTopicClosed = errors.New("broker: topic closed")

// ErrInvalidEventID is returned when a resume cursor is not an event id the
// backend could have generated.
var ErrInvalidEventID = errors.New("broker: invalid event id")

// Broker publishes and fans out envelopes per topic.
type Broker interface {
	// Publish appends data to topic and returns the generated event id.
	// Event ids are monotonically increasing within a topic.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe blocks, calling handler for each envelope on topic, until ctx
	// is cancelled or handler returns an error. If lastEventID is empty the
	// subscription starts with the next published envelope; otherwise it
	// resumes after lastEventID.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler MessageHandler) error

	// Cleanup removes a topic and its retained envelopes.
	Cleanup(ctx context.Context, topic string) error
}

// MessageHandler consumes one envelope. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a published payload with its event id.
type MessageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
