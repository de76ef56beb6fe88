// Package broker maintains a resilient connection and channel to the message
// broker. A channel never outlives its connection: both references are torn
// down together on any broker-reported error or close, and a reconnect
// routine re-establishes them after an exponential backoff delay. Retries
// continue indefinitely; the messaging substrate favors eventual delivery
// over fail-fast.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/clock"
)

// ErrClosed is returned once Close has been called on a Conn.
var ErrClosed = errors.New("broker connection closed")

// Connection abstracts the transport connection so tests can substitute a
// fake broker. The production implementation wraps amqp091.Connection.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of amqp091.Channel the producers and consumers use.
// *amqp091.Channel satisfies it directly.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a transport connection to the broker at url.
type Dialer func(url string) (Connection, error)

// AMQPDialer dials a real AMQP broker via amqp091.
func AMQPDialer(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (a amqpConnection) Channel() (Channel, error) {
	return a.Connection.Channel()
}

// Options tune a Conn. Zero values fall back to defaults.
type Options struct {
	Dialer        Dialer
	Clock         clock.Clock
	Logger        pslog.Logger
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Conn owns one transport connection and one channel, recreated together
// after failures. Publishes from independent call sites serialize on the
// shared channel through WithChannel.
type Conn struct {
	url     string
	dial    Dialer
	clock   clock.Clock
	logger  pslog.Logger
	metrics *connMetrics

	mu        sync.Mutex
	conn      Connection
	ch        Channel
	backoff   Backoff
	pending   clock.Timer // scheduled reconnect, nil when none
	closed    bool
	watchGen  int
	publishMu sync.Mutex
}

// NewConn constructs a Conn for url. The connection is opened lazily on first
// use.
func NewConn(url string, opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = AMQPDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	logger := opts.Logger.With("subsystem", "broker")
	return &Conn{
		url:     url,
		dial:    opts.Dialer,
		clock:   opts.Clock,
		logger:  logger,
		metrics: newConnMetrics(logger),
		backoff: Backoff{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
	}
}

// Channel returns the live channel, connecting first when necessary. A
// failure schedules a reconnect attempt and is returned to the caller.
func (c *Conn) Channel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelLocked(ctx)
}

func (c *Conn) channelLocked(ctx context.Context) (Channel, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.ch != nil {
		return c.ch, nil
	}
	c.logger.Info("ticketd.broker.connecting", "url", redactURL(c.url))
	conn, err := c.dial(c.url)
	if err != nil {
		c.metrics.recordConnect(ctx, false)
		c.scheduleReconnectLocked()
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		c.metrics.recordConnect(ctx, false)
		c.scheduleReconnectLocked()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.conn = conn
	c.ch = ch
	c.backoff.Reset()
	c.watchGen++
	gen := c.watchGen
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), gen)
	go c.watch(ch.NotifyClose(make(chan *amqp.Error, 1)), gen)
	c.metrics.recordConnect(ctx, true)
	c.logger.Info("ticketd.broker.connected", "url", redactURL(c.url))
	return ch, nil
}

// watch tears the pair down when the broker reports a close or error on
// either the connection or the channel. The generation counter keeps a stale
// watcher from tearing down a newer pair.
func (c *Conn) watch(closed <-chan *amqp.Error, gen int) {
	reason, ok := <-closed
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.watchGen {
		return
	}
	if ok && reason != nil {
		c.logger.Warn("ticketd.broker.connection_lost", "error", reason.Error())
	} else {
		c.logger.Warn("ticketd.broker.connection_closed")
	}
	c.teardownLocked()
	c.scheduleReconnectLocked()
}

// WithChannel runs fn against the shared channel, serializing publish-side
// access. On fn failure the pair is torn down and a reconnect is scheduled;
// the error is returned to the caller.
func (c *Conn) WithChannel(ctx context.Context, fn func(Channel) error) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		c.Teardown(err)
		return err
	}
	return nil
}

// Teardown discards the connection/channel pair and schedules a reconnect.
// Producers call it when a publish fails with an exception.
func (c *Conn) Teardown(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.conn == nil && c.ch == nil) {
		return
	}
	if reason != nil {
		c.logger.Warn("ticketd.broker.teardown", "error", reason)
	}
	c.teardownLocked()
	c.scheduleReconnectLocked()
}

func (c *Conn) teardownLocked() {
	c.watchGen++
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Conn) scheduleReconnectLocked() {
	if c.closed || c.pending != nil {
		return
	}
	delay := c.backoff.Next()
	c.logger.Info("ticketd.broker.reconnect_scheduled", "delay", delay)
	c.metrics.recordReconnectScheduled(delay)
	c.pending = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.pending = nil
		if c.closed {
			c.mu.Unlock()
			return
		}
		_, err := c.channelLocked(context.Background())
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("ticketd.broker.reconnect_failed", "error", err)
		}
	})
}

// Connected reports whether a live channel is currently held.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// Close permanently shuts the Conn down. Pending reconnects are cancelled and
// subsequent operations fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.teardownLocked()
	c.logger.Info("ticketd.broker.closed")
	return nil
}

// redactURL strips credentials from an AMQP URL before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
