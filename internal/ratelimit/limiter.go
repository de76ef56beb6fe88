// Package ratelimit implements a per-process fixed-window request limiter.
// Counters live in local memory, so in a multi-replica deployment each
// replica enforces its own window independently.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/clock"
)

// Defaults applied when Options leave the corresponding field zero.
const (
	DefaultWindow = time.Minute
	DefaultMax    = 20
)

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. The first request after
// a window elapses resets the counter rather than sliding it, so a burst
// straddling the boundary can see up to 2*Max requests.
type Limiter struct {
	clock   clock.Clock
	logger  pslog.Logger
	window  time.Duration
	max     int
	metrics *limiterMetrics

	mu      sync.Mutex
	windows map[string]*window
}

// Options tune a Limiter. Zero values fall back to defaults.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
	Window time.Duration
	Max    int
}

// New constructs a Limiter.
func New(opts Options) *Limiter {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	logger := opts.Logger.With("subsystem", "ratelimit")
	return &Limiter{
		clock:   opts.Clock,
		logger:  logger,
		window:  opts.Window,
		max:     opts.Max,
		metrics: newLimiterMetrics(logger),
		windows: make(map[string]*window),
	}
}

// Key builds the counter key for a request. Requests from the same address
// to different routes or methods are counted separately.
func Key(ip, method, route string) string {
	return fmt.Sprintf("%s-%s-%s", ip, method, route)
}

// Allow records one request under key and reports whether it fits in the
// current window.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	count := w.count
	l.mu.Unlock()

	allowed := count <= l.max
	if !allowed {
		l.metrics.recordRejected(key)
		l.logger.Debug("ticketd.ratelimit.rejected", "key", key, "count", count)
	}
	return allowed
}

// Prune drops windows that elapsed before now. Callers run it periodically;
// Allow alone never shrinks the map.
func (l *Limiter) Prune() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}
