package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type cacheMetrics struct {
	ticketLookups metric.Int64Counter
	queryLookups  metric.Int64Counter
	resolveMisses metric.Int64Counter
}

func newCacheMetrics(logger pslog.Logger) *cacheMetrics {
	meter := otel.Meter("pkt.systems/ticketd/cache")
	m := &cacheMetrics{}
	var err error

	m.ticketLookups, err = meter.Int64Counter(
		"ticketd.cache.ticket_lookups",
		metric.WithDescription("Cached ticket payload lookups"),
	)
	logMetricInitError(logger, "ticketd.cache.ticket_lookups", err)

	m.queryLookups, err = meter.Int64Counter(
		"ticketd.cache.query_lookups",
		metric.WithDescription("Cached query result lookups"),
	)
	logMetricInitError(logger, "ticketd.cache.query_lookups", err)

	m.resolveMisses, err = meter.Int64Counter(
		"ticketd.cache.resolve_misses",
		metric.WithDescription("Payload misses hydrated from the document store"),
	)
	logMetricInitError(logger, "ticketd.cache.resolve_misses", err)

	return m
}

func (m *cacheMetrics) recordTicketLookup(ctx context.Context, hit bool) {
	if m == nil || m.ticketLookups == nil {
		return
	}
	m.ticketLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *cacheMetrics) recordQueryLookup(ctx context.Context, hit bool) {
	if m == nil || m.queryLookups == nil {
		return
	}
	m.queryLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *cacheMetrics) recordResolve(ctx context.Context, requested, missing int) {
	if m == nil || m.resolveMisses == nil {
		return
	}
	if missing > 0 {
		m.resolveMisses.Add(ctx, int64(missing))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("ticketd.metrics.init_failure", "metric", name, "error", err)
}
