package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type managerMetrics struct {
	acquireCount    metric.Int64Counter
	releaseCount    metric.Int64Counter
	contentionCount metric.Int64Counter
}

func newManagerMetrics(logger pslog.Logger) *managerMetrics {
	meter := otel.Meter("pkt.systems/ticketd/lock")
	m := &managerMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"ticketd.lock.acquire",
		metric.WithDescription("Lock acquire attempts"),
	)
	logMetricInitError(logger, "ticketd.lock.acquire", err)

	m.releaseCount, err = meter.Int64Counter(
		"ticketd.lock.release",
		metric.WithDescription("Lock release operations"),
	)
	logMetricInitError(logger, "ticketd.lock.release", err)

	m.contentionCount, err = meter.Int64Counter(
		"ticketd.lock.contention",
		metric.WithDescription("Guarded operations rejected due to a foreign holder"),
	)
	logMetricInitError(logger, "ticketd.lock.contention", err)

	return m
}

func (m *managerMetrics) recordAcquire(ctx context.Context, ok bool) {
	if m == nil || m.acquireCount == nil {
		return
	}
	m.acquireCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("acquired", ok)))
}

func (m *managerMetrics) recordRelease(ctx context.Context, removed bool) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("removed", removed)))
}

func (m *managerMetrics) recordContention(ctx context.Context) {
	if m == nil || m.contentionCount == nil {
		return
	}
	m.contentionCount.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("ticketd.metrics.init_failure", "metric", name, "error", err)
}
