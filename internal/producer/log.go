package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/xid"
	"pkt.systems/ticketd/internal/message"
)

// Log emits audit/error/monitoring entries on the topic exchange. Routing
// keys follow log.<level>.<service> so the logging service can bind with
// wildcard patterns.
type Log struct {
	producer *Producer
	exchange string
	service  string
}

// NewLog constructs a Log producer for the named topic exchange; service
// names this emitter in routing keys and envelopes.
func NewLog(p *Producer, exchange, service string) *Log {
	return &Log{producer: p, exchange: exchange, service: service}
}

// Audit records a successful, auditable action.
func (l *Log) Audit(ctx context.Context, text string) error {
	return l.emit(ctx, message.LogAudit, text)
}

// Error records a failure for the logging service.
func (l *Log) Error(ctx context.Context, text string) error {
	return l.emit(ctx, message.LogError, text)
}

// Monitor records an informational monitoring event.
func (l *Log) Monitor(ctx context.Context, text string) error {
	return l.emit(ctx, message.LogMonitor, text)
}

func (l *Log) emit(ctx context.Context, level, text string) error {
	entry := message.Log{
		ID:        xid.New().String(),
		Level:     level,
		Service:   l.service,
		Message:   text,
		Timestamp: l.producer.clock.Now(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	routingKey := fmt.Sprintf("log.%s.%s", level, l.service)
	return l.producer.PublishToExchange(ctx, l.exchange, "topic", routingKey, body)
}
