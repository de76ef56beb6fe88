package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/ticketd/internal/message"
)

// Version announces service deployments on the versions work queue.
type Version struct {
	producer *Producer
	queue    string
}

// NewVersion constructs a Version producer for the named queue.
func NewVersion(p *Producer, queue string) *Version {
	return &Version{producer: p, queue: queue}
}

// Announce publishes the service's version, typically once at startup.
func (v *Version) Announce(ctx context.Context, service, version string) error {
	body, err := json.Marshal(message.Version{
		Service:   service,
		Version:   version,
		Timestamp: v.producer.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode version announcement: %w", err)
	}
	return v.producer.PublishToQueue(ctx, v.queue, body)
}
