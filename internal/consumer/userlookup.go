package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/ticketd/internal/broker"
	"pkt.systems/ticketd/internal/message"
)

// UserDirectory is the domain port resolving user IDs to display data.
type UserDirectory interface {
	UsersByID(ctx context.Context, ids []string) ([]message.User, error)
}

// UserLookup serves the reply side of the user-lookup request/reply pattern:
// it resolves the requested IDs and publishes the result to the delivery's
// reply queue tagged with the original correlation ID.
type UserLookup struct {
	consumer  *Consumer
	conn      *broker.Conn
	directory UserDirectory
}

// NewUserLookup constructs the user-lookup consumer.
func NewUserLookup(c *Consumer, conn *broker.Conn, directory UserDirectory) *UserLookup {
	return &UserLookup{consumer: c, conn: conn, directory: directory}
}

// Listen drains the named queue until ctx is cancelled.
func (u *UserLookup) Listen(ctx context.Context, queue string) error {
	return u.consumer.Listen(ctx, queue, u.handle)
}

func (u *UserLookup) handle(ctx context.Context, d amqp.Delivery) error {
	if len(d.Body) == 0 {
		return fmt.Errorf("user lookup message missing body")
	}
	var req message.UserLookupRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("decode lookup request: %w", err)
	}
	users, err := u.directory.UsersByID(ctx, req.UserIDs)
	if err != nil {
		return fmt.Errorf("resolve users: %w", err)
	}
	body, err := json.Marshal(message.UserLookupReply{Users: users})
	if err != nil {
		return fmt.Errorf("encode lookup reply: %w", err)
	}
	return u.conn.WithChannel(ctx, func(ch broker.Channel) error {
		return ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          body,
		})
	})
}
