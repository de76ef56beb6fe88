package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"pkt.systems/ticketd/internal/message"
)

// Notification fans a message out to every addressed user on the fanout
// exchange.
type Notification struct {
	producer *Producer
	exchange string
}

// NewNotification constructs a Notification producer on the named fanout
// exchange.
func NewNotification(p *Producer, exchange string) *Notification {
	return &Notification{producer: p, exchange: exchange}
}

// Notify publishes one envelope per user, skipping empty user IDs. Every
// per-user publish is awaited before returning; individual failures are
// joined rather than aborting the remaining recipients.
func (n *Notification) Notify(ctx context.Context, users []string, typ, text, ticketID string) error {
	var errs []error
	for _, user := range users {
		if user == "" {
			continue
		}
		envelope := message.Notification{
			ID:        xid.New().String(),
			User:      user,
			Type:      typ,
			Text:      text,
			Ticket:    ticketID,
			Timestamp: n.producer.clock.Now(),
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode notification for %s: %w", user, err))
			continue
		}
		if err := n.producer.PublishToExchange(ctx, n.exchange, "fanout", user, body); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", user, err))
		}
	}
	return errors.Join(errs...)
}
