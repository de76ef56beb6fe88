package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type connMetrics struct {
	connectCount   metric.Int64Counter
	reconnectCount metric.Int64Counter
	reconnectDelay metric.Int64Histogram
}

func newConnMetrics(logger pslog.Logger) *connMetrics {
	meter := otel.Meter("pkt.systems/ticketd/broker")
	m := &connMetrics{}
	var err error

	m.connectCount, err = meter.Int64Counter(
		"ticketd.broker.connect",
		metric.WithDescription("Broker connect attempts"),
	)
	logMetricInitError(logger, "ticketd.broker.connect", err)

	m.reconnectCount, err = meter.Int64Counter(
		"ticketd.broker.reconnects",
		metric.WithDescription("Scheduled reconnect attempts"),
	)
	logMetricInitError(logger, "ticketd.broker.reconnects", err)

	m.reconnectDelay, err = meter.Int64Histogram(
		"ticketd.broker.reconnect_delay_ms",
		metric.WithDescription("Backoff delay before scheduled reconnects"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "ticketd.broker.reconnect_delay_ms", err)

	return m
}

func (m *connMetrics) recordConnect(ctx context.Context, ok bool) {
	if m == nil || m.connectCount == nil {
		return
	}
	m.connectCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

func (m *connMetrics) recordReconnectScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.reconnectCount != nil {
		m.reconnectCount.Add(ctx, 1)
	}
	if m.reconnectDelay != nil {
		m.reconnectDelay.Record(ctx, delay.Milliseconds())
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("ticketd.metrics.init_failure", "metric", name, "error", err)
}
