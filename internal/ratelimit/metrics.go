package ratelimit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type limiterMetrics struct {
	rejectedCount metric.Int64Counter
}

func newLimiterMetrics(logger pslog.Logger) *limiterMetrics {
	meter := otel.Meter("pkt.systems/ticketd/ratelimit")
	m := &limiterMetrics{}
	var err error

	m.rejectedCount, err = meter.Int64Counter(
		"ticketd.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the fixed-window limiter"),
	)
	logMetricInitError(logger, "ticketd.ratelimit.rejected", err)

	return m
}

func (m *limiterMetrics) recordRejected(key string) {
	if m == nil || m.rejectedCount == nil {
		return
	}
	m.rejectedCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", key)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("ticketd.metrics.init_failure", "metric", name, "error", err)
}
