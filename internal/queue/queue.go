// Package queue defines the worker's view of the external task queue
// transport (spec.md §6, external collaborator).
package queue

import "context"

// Message is one queued Task delivery. Ack/Nack acknowledge the underlying
// transport so redelivery policy lives entirely with the queue, not the
// worker.
type Message struct {
	Data []byte
	Ack  func() error
	Nack func() error
}

// Consumer pulls task deliveries off the queue.
type Consumer interface {
	// Fetch blocks until at least one message is available, ctx is done,
	// or the batch limit is reached, whichever comes first.
	Fetch(ctx context.Context, maxBatch int) ([]Message, error)
	Close() error
}

// Publisher sends a raw message to a subject. The worker uses it to publish
// each serialized task.Result on the result bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}
