// Package cache provides read-through caching of ticket documents and of
// query result sets (ordered ID lists) on the shared key-value store.
//
// Caching is two-level: a query entry maps a parameter hash to ticket IDs,
// and each ID maps to its payload entry. A single ticket write refreshes one
// payload entry without invalidating every cached query referencing it; list
// membership carries a bounded staleness window in exchange.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/keyval"
	"pkt.systems/ticketd/internal/ticket"
)

const (
	ticketKeyPrefix = "ticket:"
	queryKeyPrefix  = "tickets:q:"
)

// DefaultTTL is the expiry applied to ticket and query entries when callers
// do not supply one.
const DefaultTTL = 24 * time.Hour

// Cache serves cached ticket reads and reconciles misses against the
// source-of-truth document store.
type Cache struct {
	kv      keyval.Store
	store   ticket.Store
	logger  pslog.Logger
	ttl     time.Duration
	metrics *cacheMetrics
}

// Options tune a Cache. Zero values fall back to defaults.
type Options struct {
	Logger pslog.Logger
	TTL    time.Duration
}

// New constructs a Cache over the key-value store, falling back to store on
// payload misses.
func New(kv keyval.Store, store ticket.Store, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger.With("subsystem", "cache")
	return &Cache{
		kv:      kv,
		store:   store,
		logger:  logger,
		ttl:     opts.TTL,
		metrics: newCacheMetrics(logger),
	}
}

func ticketKey(id string) string {
	return ticketKeyPrefix + id
}

func queryKey(hash string) string {
	return queryKeyPrefix + hash
}

// CacheTicket upserts the serialized ticket payload. Write paths call it
// after create/update/assign while still holding the ticket's lock.
func (c *Cache) CacheTicket(ctx context.Context, id string, t *ticket.Ticket, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket %s: %w", id, err)
	}
	if err := c.kv.Set(ctx, ticketKey(id), string(payload), ttl); err != nil {
		return fmt.Errorf("cache ticket %s: %w", id, err)
	}
	c.logger.Debug("ticketd.cache.ticket_stored", "ticket", id, "ttl_seconds", ttl.Seconds())
	return nil
}

// CachedTicket returns the cached payload for id, or nil on a miss. A miss is
// an expected outcome, not an error.
func (c *Cache) CachedTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	value, found, err := c.kv.Get(ctx, ticketKey(id))
	if err != nil {
		return nil, fmt.Errorf("read cached ticket %s: %w", id, err)
	}
	if !found {
		c.metrics.recordTicketLookup(ctx, false)
		return nil, nil
	}
	var t ticket.Ticket
	if err := json.Unmarshal([]byte(value), &t); err != nil {
		return nil, fmt.Errorf("decode cached ticket %s: %w", id, err)
	}
	c.metrics.recordTicketLookup(ctx, true)
	return &t, nil
}

// RemoveTicket explicitly invalidates the payload entry; required on delete.
func (c *Cache) RemoveTicket(ctx context.Context, id string) (bool, error) {
	removed, err := c.kv.Del(ctx, ticketKey(id))
	if err != nil {
		return false, fmt.Errorf("remove cached ticket %s: %w", id, err)
	}
	if removed {
		c.logger.Debug("ticketd.cache.ticket_removed", "ticket", id)
	}
	return removed, nil
}

// CacheQueryResult stores the ordered ID list produced by evaluating a query
// and returns the storage key. Query entries expire by TTL only; individual
// ticket writes never invalidate them.
func (c *Cache) CacheQueryResult(ctx context.Context, q ticket.Query, ids []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode query result: %w", err)
	}
	key := queryKey(q.Hash())
	if err := c.kv.Set(ctx, key, string(payload), ttl); err != nil {
		return "", fmt.Errorf("cache query result: %w", err)
	}
	c.logger.Debug("ticketd.cache.query_stored", "key", key, "tickets", len(ids))
	return key, nil
}

// CachedQueryResult returns the ordered ID list cached for q, or nil on a
// miss.
func (c *Cache) CachedQueryResult(ctx context.Context, q ticket.Query) ([]string, error) {
	value, found, err := c.kv.Get(ctx, queryKey(q.Hash()))
	if err != nil {
		return nil, fmt.Errorf("read cached query: %w", err)
	}
	if !found {
		c.metrics.recordQueryLookup(ctx, false)
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return nil, fmt.Errorf("decode cached query: %w", err)
	}
	c.metrics.recordQueryLookup(ctx, true)
	return ids, nil
}

// ResolveTickets turns an ordered ID list into ticket payloads. Cached
// payloads are batched from the key-value store; the remainder is fetched
// from the source-of-truth store, re-cached individually, and the full list
// is reassembled in the requested order. IDs that no longer exist anywhere
// are dropped from the result.
func (c *Cache) ResolveTickets(ctx context.Context, ids []string) ([]*ticket.Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ticketKey(id)
	}
	cached, err := c.kv.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read cached tickets: %w", err)
	}

	byID := make(map[string]*ticket.Ticket, len(ids))
	var missing []string
	for _, id := range ids {
		value, ok := cached[ticketKey(id)]
		if !ok {
			missing = append(missing, id)
			continue
		}
		var t ticket.Ticket
		if err := json.Unmarshal([]byte(value), &t); err != nil {
			return nil, fmt.Errorf("decode cached ticket %s: %w", id, err)
		}
		byID[id] = &t
	}
	c.metrics.recordResolve(ctx, len(ids), len(missing))

	if len(missing) > 0 {
		fetched, err := c.store.GetByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch missing tickets: %w", err)
		}
		for _, t := range fetched {
			byID[t.ID] = t
			if err := c.CacheTicket(ctx, t.ID, t, c.ttl); err != nil {
				// Hydration failure degrades hit rate, not correctness.
				c.logger.Warn("ticketd.cache.hydrate_failed", "ticket", t.ID, "error", err)
			}
		}
		c.logger.Debug("ticketd.cache.hydrated",
			"requested", len(ids),
			"missing", len(missing),
			"fetched", len(fetched),
		)
	}

	out := make([]*ticket.Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}
