package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/ticketd/internal/message"
)

// NotificationStore is the domain port the notification consumer dispatches
// to, typically backed by the notification service's document store.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n message.Notification) error
}

// Notification consumes the notifications queue and persists each envelope.
type Notification struct {
	consumer *Consumer
	store    NotificationStore
}

// NewNotification constructs the notification consumer.
func NewNotification(c *Consumer, store NotificationStore) *Notification {
	return &Notification{consumer: c, store: store}
}

// Listen drains the named queue until ctx is cancelled.
func (n *Notification) Listen(ctx context.Context, queue string) error {
	return n.consumer.Listen(ctx, queue, n.handle)
}

func (n *Notification) handle(ctx context.Context, d amqp.Delivery) error {
	if len(d.Body) == 0 {
		return fmt.Errorf("notification message missing body")
	}
	var envelope message.Notification
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if err := n.store.CreateNotification(ctx, envelope); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}
