package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/broker"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/message"
)

// DefaultLookupTimeout bounds how long a lookup waits for the user service.
const DefaultLookupTimeout = 5 * time.Second

// UserLookup resolves user display data through the user service without a
// direct dependency on its data store. It publishes to the users work queue
// and awaits a correlated reply on an ephemeral reply queue.
type UserLookup struct {
	conn    *broker.Conn
	clock   clock.Clock
	logger  pslog.Logger
	queue   string
	timeout time.Duration
}

// UserLookupOptions tune a UserLookup. Zero values fall back to defaults.
type UserLookupOptions struct {
	Clock   clock.Clock
	Logger  pslog.Logger
	Timeout time.Duration
}

// NewUserLookup constructs a UserLookup publishing to the named queue.
func NewUserLookup(conn *broker.Conn, queue string, opts UserLookupOptions) *UserLookup {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLookupTimeout
	}
	return &UserLookup{
		conn:    conn,
		clock:   opts.Clock,
		logger:  opts.Logger.With("subsystem", "producer.userlookup"),
		queue:   queue,
		timeout: opts.Timeout,
	}
}

// GetUsers resolves the supplied user IDs. Unlike the fire-and-forget
// producers this is a synchronous request/reply: failures and timeouts
// surface to the caller directly.
func (u *UserLookup) GetUsers(ctx context.Context, userIDs []string) ([]message.User, error) {
	ch, err := u.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	// Ephemeral, exclusive reply queue; the broker names it and deletes it
	// when this consumer disconnects.
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		u.conn.Teardown(err)
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		u.conn.Teardown(err)
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	correlationID := uuid.New().String()
	body, err := json.Marshal(message.UserLookupRequest{UserIDs: userIDs})
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", u.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		u.conn.Teardown(err)
		return nil, fmt.Errorf("publish lookup request: %w", err)
	}
	u.logger.Debug("ticketd.userlookup.sent",
		"correlation_id", correlationID,
		"users", len(userIDs),
	)

	timeout := u.clock.After(u.timeout)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("reply channel closed awaiting correlation %s", correlationID)
			}
			if d.CorrelationId != correlationID {
				// Stale reply from an earlier timed-out request; skip it.
				continue
			}
			var reply message.UserLookupReply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				return nil, fmt.Errorf("decode lookup reply: %w", err)
			}
			return reply.Users, nil
		case <-timeout:
			return nil, fmt.Errorf("timeout waiting for user service reply (correlation %s)", correlationID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
