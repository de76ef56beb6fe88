// Package brokertest provides in-memory fakes for the broker interfaces so
// producer/consumer behavior can be exercised without a running AMQP server.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/ticketd/internal/broker"
)

// Publish records one publish call observed by a FakeChannel.
type Publish struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// QueueDecl records one queue declaration.
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ExchangeDecl records one exchange declaration.
type ExchangeDecl struct {
	Name    string
	Kind    string
	Durable bool
}

// FakeChannel implements broker.Channel in memory. Default-exchange publishes
// are routed to any consumer registered on the queue named by the routing
// key, which is enough to exercise work queues and request/reply.
type FakeChannel struct {
	mu         sync.Mutex
	genCounter int
	closed     bool
	notify     []chan *amqp.Error

	Queues    []QueueDecl
	Exchanges []ExchangeDecl
	Published []Publish

	// PublishErr, when set, is returned by every PublishWithContext call.
	PublishErr error
	// PublishHook, when set, observes each successful publish; tests use it
	// to play the remote end of a request/reply exchange.
	PublishHook func(exchange, key string, msg amqp.Publishing)

	consumers map[string]chan amqp.Delivery
}

// NewFakeChannel constructs an empty FakeChannel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{consumers: make(map[string]chan amqp.Delivery)}
}

// QueueDeclare records the declaration; empty names get a generated one.
func (c *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		c.genCounter++
		name = fmt.Sprintf("amq.gen-%d", c.genCounter)
	}
	c.Queues = append(c.Queues, QueueDecl{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

// ExchangeDeclare records the declaration.
func (c *FakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Exchanges = append(c.Exchanges, ExchangeDecl{Name: name, Kind: kind, Durable: durable})
	return nil
}

// PublishWithContext records the publish and routes default-exchange
// publishes to a matching consumer.
func (c *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	c.Published = append(c.Published, Publish{Exchange: exchange, Key: key, Msg: msg})
	hook := c.PublishHook
	var target chan amqp.Delivery
	if exchange == "" {
		target = c.consumers[key]
	}
	c.mu.Unlock()

	if target != nil {
		target <- amqp.Delivery{
			Body:          msg.Body,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			ContentType:   msg.ContentType,
		}
	}
	if hook != nil {
		hook(exchange, key, msg)
	}
	return nil
}

// ConsumeWithContext registers a consumer on queue and returns its delivery
// channel.
func (c *FakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.consumers[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		c.consumers[queue] = ch
	}
	return ch, nil
}

// Deliver injects a delivery into queue's consumer channel.
func (c *FakeChannel) Deliver(queue string, d amqp.Delivery) {
	c.mu.Lock()
	ch, ok := c.consumers[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		c.consumers[queue] = ch
	}
	c.mu.Unlock()
	ch <- d
}

// NotifyClose registers a close listener, mirroring amqp091 semantics.
func (c *FakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close marks the channel closed and closes all listeners and consumers.
func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	for _, ch := range c.consumers {
		close(ch)
	}
	return nil
}

// PublishedTo returns the publishes routed to the given exchange.
func (c *FakeChannel) PublishedTo(exchange string) []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Publish
	for _, p := range c.Published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// FakeConnection implements broker.Connection around a FakeChannel.
type FakeConnection struct {
	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error

	Ch *FakeChannel
	// ChannelErr, when set, fails Channel() calls.
	ChannelErr error
}

// NewFakeConnection pairs a connection with a fresh channel.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{Ch: NewFakeChannel()}
}

// Channel returns the fake channel.
func (c *FakeConnection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.Ch, nil
}

// NotifyClose registers a close listener.
func (c *FakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close marks the connection closed.
func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReportClose simulates a broker-initiated connection loss.
func (c *FakeConnection) ReportClose(reason *amqp.Error) {
	c.mu.Lock()
	listeners := append([]chan *amqp.Error(nil), c.notify...)
	c.mu.Unlock()
	for _, n := range listeners {
		n <- reason
	}
}

// Acknowledger records ack/nack calls for delivery assertions.
type Acknowledger struct {
	mu       sync.Mutex
	Acks     []uint64
	Nacks    []uint64
	Requeued []bool
}

// Ack records an acknowledgment.
func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks = append(a.Acks, tag)
	return nil
}

// Nack records a negative acknowledgment and its requeue flag.
func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks = append(a.Nacks, tag)
	a.Requeued = append(a.Requeued, requeue)
	return nil
}

// Reject records a rejection as a nack.
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Counts returns the number of acks and nacks observed.
func (a *Acknowledger) Counts() (acks, nacks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acks), len(a.Nacks)
}
