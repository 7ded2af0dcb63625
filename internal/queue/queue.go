// Package queue is the transport between the submission path and the worker:
// durable, at-least-once queues with manual acknowledgment. The production
// broker is NATS JetStream; Memory provides the same contract in-process.
package queue

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotConnected = errors.New("queue: broker is not connected")
	ErrPublish      = errors.New("queue: failed to publish message")
	ErrConnection   = errors.New("queue: failed to connect to broker")
	ErrDuplicate    = errors.New("queue: duplicate message id")
)

// Message is a single persistent message. ID is used by the broker to drop
// duplicate publishes of the same unit of work: a publish whose ID was already
// seen inside the duplicate window fails with ErrDuplicate.
type Message struct {
	ID   string
	Body []byte
}

// Delivery is one delivery attempt of a message to a consumer. Exactly one of
// Ack or Nack should be called.
type Delivery interface {
	Body() []byte
	// Attempt is 1 on first delivery and grows on broker redelivery.
	Attempt() int
	Ack() error
	Nack(requeue bool) error
}

// Handler processes one delivery. It owns the ack decision.
type Handler func(ctx context.Context, d Delivery)

type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
	Connected() bool
}

type Consumer interface {
	// Consume delivers messages from queue to h one at a time until ctx is
	// done. It survives reconnects. It returns only after every handler call
	// it started has returned.
	Consume(ctx context.Context, queue string, h Handler, opts ...ConsumeOption) error
}

type Broker interface {
	Publisher
	Consumer
}

type consumeOptions struct {
	replay  bool
	durable string
}

type ConsumeOption func(*consumeOptions)

// Replay asks for every retained message from the start of the queue on each
// subscription instead of resuming a durable position.
func Replay() ConsumeOption {
	return func(o *consumeOptions) { o.replay = true }
}

// Durable overrides the durable consumer name.
func Durable(name string) ConsumeOption {
	return func(o *consumeOptions) { o.durable = name }
}

func applyConsumeOptions(opts []ConsumeOption) consumeOptions {
	var o consumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamName maps a queue name onto a valid JetStream stream name.
func StreamName(queue string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(queue))
}
