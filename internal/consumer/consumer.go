// Package consumer drains durable broker queues and dispatches deliveries to
// domain handlers. A delivery is acknowledged only after its handler
// completes; failures are negatively acknowledged with requeue, so the
// guarantee is at-least-once, never exactly-once. There is no poison-message
// circuit breaker; redelivery policy belongs to the broker.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/broker"
	"pkt.systems/ticketd/internal/clock"
)

// Handler processes one delivery. Returning an error prevents acknowledgment
// and the broker redelivers the message.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer drives a durable-queue consume loop over the shared connection.
type Consumer struct {
	conn    *broker.Conn
	clock   clock.Clock
	logger  pslog.Logger
	tag     string
	backoff broker.Backoff
	metrics *consumerMetrics
}

// Options tune a Consumer. Zero values fall back to defaults.
type Options struct {
	Clock         clock.Clock
	Logger        pslog.Logger
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// New constructs a Consumer on the supplied connection.
func New(conn *broker.Conn, opts Options) *Consumer {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = broker.DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = broker.DefaultReconnectMax
	}
	logger := opts.Logger.With("subsystem", "consumer")
	return &Consumer{
		conn:    conn,
		clock:   opts.Clock,
		logger:  logger,
		tag:     "ticketd-" + xid.New().String(),
		backoff: broker.Backoff{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
		metrics: newConsumerMetrics(logger),
	}
}

// Listen consumes queue until ctx is cancelled or the connection is closed
// for good. Delivery-channel loss (broker restart) re-enters the consume
// loop after a backoff delay; the shared Conn handles the reconnect itself.
func (c *Consumer) Listen(ctx context.Context, queue string, handler Handler) error {
	for {
		err := c.consumeOnce(ctx, queue, handler)
		switch {
		case err == nil:
			// Delivery channel drained after a broker-side close; retry.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, broker.ErrClosed):
			return err
		default:
			c.logger.Warn("ticketd.consumer.listen_error", "queue", queue, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.backoff.Next()):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, queue string, handler Handler) error {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		c.conn.Teardown(err)
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, c.tag, false, false, false, false, nil)
	if err != nil {
		c.conn.Teardown(err)
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}
	c.backoff.Reset()
	c.logger.Info("ticketd.consumer.listening", "queue", queue, "tag", c.tag)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.dispatch(ctx, queue, d, handler)
		}
	}
}

// dispatch runs the handler and acknowledges only on success. Redelivered
// messages are counted but not deduplicated.
func (c *Consumer) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	if d.Redelivered {
		c.metrics.recordRedelivery(ctx, queue)
	}
	if err := handler(ctx, d); err != nil {
		c.metrics.recordHandled(ctx, queue, false)
		c.logger.Error("ticketd.consumer.handler_failed",
			"queue", queue,
			"error", err,
		)
		if nerr := d.Nack(false, true); nerr != nil {
			c.logger.Error("ticketd.consumer.nack_failed", "queue", queue, "error", nerr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("ticketd.consumer.ack_failed", "queue", queue, "error", err)
		return
	}
	c.metrics.recordHandled(ctx, queue, true)
}
