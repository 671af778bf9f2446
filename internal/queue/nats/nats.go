// Package nats adapts a NATS JetStream durable pull consumer to the
// worker's queue.Consumer interface.
package nats

import (
	"context"
	"fmt"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/queue"
)

// StreamName and Subject are the JetStream coordinates the worker fleet
// shares; every worker process subscribes with the same durable name so
// JetStream load-balances deliveries across the fleet instead of
// fan-out-to-all.
const (
	StreamName   = "FAAS_TASKS"
	Subject      = "faas.tasks.invoke"
	DurableName  = "faas-worker"
	fetchTimeout = 5 * time.Second

	// ResultSubject is where the worker publishes each task.Result (spec.md
	// §6 result-bus wire shape) once an invocation completes.
	ResultSubject = "faas.tasks.result"
)

// Consumer is a JetStream pull-based queue.Consumer.
type Consumer struct {
	nc  *natsio.Conn
	sub *natsio.Subscription
}

// NewConsumer connects to url, ensures the shared stream exists, and binds
// a durable pull subscription to it.
func NewConsumer(url string) (*Consumer, error) {
	nc, err := natsio.Connect(url,
		natsio.RetryOnFailedConnect(true),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream context: %w", err)
	}

	_, err = js.AddStream(&natsio.StreamConfig{
		Name:     StreamName,
		Subjects: []string{Subject},
		MaxAge:   24 * time.Hour,
	})
	if err != nil && err != natsio.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("nats: ensure stream: %w", err)
	}

	sub, err := js.PullSubscribe(Subject, DurableName,
		natsio.AckExplicit(),
		natsio.MaxAckPending(256),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: pull subscribe: %w", err)
	}

	return &Consumer{nc: nc, sub: sub}, nil
}

// Fetch implements queue.Consumer.
func (c *Consumer) Fetch(ctx context.Context, maxBatch int) ([]queue.Message, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	msgs, err := c.sub.Fetch(maxBatch, natsio.MaxWait(fetchTimeout), natsio.Context(ctx))
	if err != nil {
		if err == natsio.ErrTimeout || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("nats: fetch: %w", err)
	}

	out := make([]queue.Message, 0, len(msgs))
	for _, m := range msgs {
		m := m
		out = append(out, queue.Message{
			Data: m.Data,
			Ack:  func() error { return m.Ack() },
			Nack: func() error { return m.Nak() },
		})
	}
	return out, nil
}

// Conn returns the underlying connection so a Publisher can share it
// instead of opening a second connection just to publish results.
func (c *Consumer) Conn() *natsio.Conn {
	return c.nc
}

// Close implements queue.Consumer.
func (c *Consumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("nats: unsubscribe failed")
		}
	}
	c.nc.Close()
	return nil
}

// Publisher is a plain NATS core publisher. The worker uses it to publish
// each task.Result to ResultSubject; it is also reusable by any tooling
// that needs to enqueue messages without a full JetStream round-trip.
type Publisher struct {
	nc *natsio.Conn
}

// NewPublisher wraps an existing connection for publishing.
func NewPublisher(nc *natsio.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish implements queue.Publisher.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	_ = ctx
	return p.nc.Publish(subject, data)
}
