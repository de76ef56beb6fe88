// Package producer publishes typed envelopes to the broker. Publishes are
// fire-and-forget from the caller's perspective: a failed publish is logged
// and retried in the background with backoff, never blocking or failing the
// primary request path. Queue durability plus the persistent delivery mode
// are the survival mechanism across broker restarts.
package producer

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/broker"
	"pkt.systems/ticketd/internal/clock"
)

// Producer drives publish-with-retry against a shared broker connection.
type Producer struct {
	conn   *broker.Conn
	clock  clock.Clock
	logger pslog.Logger

	retryBase time.Duration
	retryMax  time.Duration
}

// Options tune a Producer. Zero values fall back to defaults.
type Options struct {
	Clock     clock.Clock
	Logger    pslog.Logger
	RetryBase time.Duration
	RetryMax  time.Duration
}

// New constructs a Producer on the supplied connection.
func New(conn *broker.Conn, opts Options) *Producer {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = broker.DefaultReconnectBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = broker.DefaultReconnectMax
	}
	return &Producer{
		conn:      conn,
		clock:     opts.Clock,
		logger:    opts.Logger.With("subsystem", "producer"),
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
	}
}

type target struct {
	exchange     string
	exchangeKind string
	routingKey   string
	queue        string
}

// PublishToQueue publishes body to a durable work queue on the default
// exchange. The first attempt's error is returned for observability, but
// delivery is retried in the background regardless.
func (p *Producer) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	return p.publish(ctx, target{queue: queue, routingKey: queue}, body)
}

// PublishToExchange declares the named durable exchange and publishes body
// with the supplied routing key. Same retry semantics as PublishToQueue.
func (p *Producer) PublishToExchange(ctx context.Context, exchange, kind, routingKey string, body []byte) error {
	return p.publish(ctx, target{exchange: exchange, exchangeKind: kind, routingKey: routingKey}, body)
}

func (p *Producer) publish(ctx context.Context, tgt target, body []byte) error {
	err := p.tryPublish(ctx, tgt, body)
	if err == nil {
		return nil
	}
	p.logger.Warn("ticketd.producer.publish_failed",
		"exchange", tgt.exchange,
		"routing_key", tgt.routingKey,
		"error", err,
	)
	p.scheduleRetry(tgt, body, &broker.Backoff{Base: p.retryBase, Max: p.retryMax}, 1)
	return err
}

func (p *Producer) tryPublish(ctx context.Context, tgt target, body []byte) error {
	return p.conn.WithChannel(ctx, func(ch broker.Channel) error {
		if tgt.queue != "" {
			// Idempotent declaration; the queue survives broker restarts.
			if _, err := ch.QueueDeclare(tgt.queue, true, false, false, false, nil); err != nil {
				return err
			}
		}
		if tgt.exchange != "" {
			if err := ch.ExchangeDeclare(tgt.exchange, tgt.exchangeKind, true, false, false, false, nil); err != nil {
				return err
			}
		}
		return ch.PublishWithContext(ctx, tgt.exchange, tgt.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	})
}

// scheduleRetry keeps retrying a single envelope until it is accepted or the
// connection is closed for good. Each envelope carries its own backoff.
func (p *Producer) scheduleRetry(tgt target, body []byte, backoff *broker.Backoff, attempt int) {
	delay := backoff.Next()
	p.clock.AfterFunc(delay, func() {
		err := p.tryPublish(context.Background(), tgt, body)
		if err == nil {
			p.logger.Info("ticketd.producer.retry_succeeded",
				"exchange", tgt.exchange,
				"routing_key", tgt.routingKey,
				"attempt", attempt,
			)
			return
		}
		if errors.Is(err, broker.ErrClosed) {
			p.logger.Warn("ticketd.producer.retry_abandoned",
				"routing_key", tgt.routingKey,
				"attempt", attempt,
			)
			return
		}
		p.logger.Warn("ticketd.producer.retry_failed",
			"routing_key", tgt.routingKey,
			"attempt", attempt,
			"error", err,
		)
		p.scheduleRetry(tgt, body, backoff, attempt+1)
	})
}
