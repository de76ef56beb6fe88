package consumer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type consumerMetrics struct {
	handledCount    metric.Int64Counter
	redeliveryCount metric.Int64Counter
}

func newConsumerMetrics(logger pslog.Logger) *consumerMetrics {
	meter := otel.Meter("pkt.systems/ticketd/consumer")
	m := &consumerMetrics{}
	var err error

	m.handledCount, err = meter.Int64Counter(
		"ticketd.consumer.handled",
		metric.WithDescription("Deliveries dispatched to handlers"),
	)
	logMetricInitError(logger, "ticketd.consumer.handled", err)

	m.redeliveryCount, err = meter.Int64Counter(
		"ticketd.consumer.redeliveries",
		metric.WithDescription("Deliveries observed with the redelivered flag"),
	)
	logMetricInitError(logger, "ticketd.consumer.redeliveries", err)

	return m
}

func (m *consumerMetrics) recordHandled(ctx context.Context, queue string, ok bool) {
	if m == nil || m.handledCount == nil {
		return
	}
	m.handledCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("success", ok),
	))
}

func (m *consumerMetrics) recordRedelivery(ctx context.Context, queue string) {
	if m == nil || m.redeliveryCount == nil {
		return
	}
	m.redeliveryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("ticketd.metrics.init_failure", "metric", name, "error", err)
}
