// Package lock provides distributed mutual-exclusion leases per ticket ID on
// top of the shared key-value store. The cache entry is the sole source of
// lock truth; service instances keep no in-process mirror.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/keyval"
)

const keyPrefix = "locked-ticket:"

// DefaultTTL bounds lock lifetime when the holder crashes without releasing.
// Chosen generously; TTL expiry is the only recovery path from a dead holder.
const DefaultTTL = 15 * time.Minute

// Record is the JSON value stored under a lock key.
type Record struct {
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
}

// LockedError reports that a guarded operation was rejected because another
// principal holds the ticket's lock.
type LockedError struct {
	TicketID string
	Holder   Record
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("ticket %s is being edited by %s", e.TicketID, e.Holder.LockedBy)
}

// IsLocked reports whether err is a lock-contention rejection.
func IsLocked(err error) bool {
	var le *LockedError
	return errors.As(err, &le)
}

// Manager coordinates ticket locks across stateless service instances.
type Manager struct {
	kv      keyval.Store
	clock   clock.Clock
	logger  pslog.Logger
	ttl     time.Duration
	metrics *managerMetrics
}

// Options tune a Manager. Zero values fall back to defaults.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
	TTL    time.Duration
}

// NewManager constructs a Manager on the supplied key-value store.
func NewManager(kv keyval.Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger.With("subsystem", "lock")
	return &Manager{
		kv:      kv,
		clock:   opts.Clock,
		logger:  logger,
		ttl:     opts.TTL,
		metrics: newManagerMetrics(logger),
	}
}

func lockKey(ticketID string) string {
	return keyPrefix + ticketID
}

// Acquire attempts an atomic create of the lock key with the supplied TTL.
// It returns true iff no live lock existed. A second acquire by the current
// holder also returns false; callers are expected to consult Holder first.
func (m *Manager) Acquire(ctx context.Context, ticketID, principal string, ttl time.Duration) (bool, error) {
	if ticketID == "" {
		return false, errors.New("ticket id is required")
	}
	if principal == "" {
		return false, errors.New("principal is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	record := Record{LockedBy: principal, LockedAt: m.clock.Now()}
	value, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode lock record: %w", err)
	}
	ok, err := m.kv.SetIfAbsent(ctx, lockKey(ticketID), string(value), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", ticketID, err)
	}
	m.metrics.recordAcquire(ctx, ok)
	if ok {
		m.logger.Info("ticketd.lock.acquired",
			"ticket", ticketID,
			"principal", principal,
			"ttl_seconds", ttl.Seconds(),
		)
	} else {
		m.logger.Debug("ticketd.lock.contended",
			"ticket", ticketID,
			"principal", principal,
		)
	}
	return ok, nil
}

// Holder returns the live lock record for ticketID, or nil when the ticket is
// unlocked or the lock has expired. The read is not atomic with Acquire;
// callers using it for admission must still tolerate an acquire race.
func (m *Manager) Holder(ctx context.Context, ticketID string) (*Record, error) {
	value, found, err := m.kv.Get(ctx, lockKey(ticketID))
	if err != nil {
		return nil, fmt.Errorf("read lock for %s: %w", ticketID, err)
	}
	if !found {
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("decode lock record for %s: %w", ticketID, err)
	}
	return &record, nil
}

// Release unconditionally deletes the lock key and reports whether a key was
// actually removed. Releasing an unlocked ticket is a no-op, never an error.
func (m *Manager) Release(ctx context.Context, ticketID string) (bool, error) {
	removed, err := m.kv.Del(ctx, lockKey(ticketID))
	if err != nil {
		return false, fmt.Errorf("release lock for %s: %w", ticketID, err)
	}
	m.metrics.recordRelease(ctx, removed)
	if removed {
		m.logger.Info("ticketd.lock.released", "ticket", ticketID)
	}
	return removed, nil
}

// Renew extends the current holder's lease. It succeeds only when principal
// matches the live holder; long-running guarded operations call it to keep
// the lock from expiring mid-operation.
func (m *Manager) Renew(ctx context.Context, ticketID, principal string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	holder, err := m.Holder(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if holder == nil || holder.LockedBy != principal {
		return false, nil
	}
	value, err := json.Marshal(holder)
	if err != nil {
		return false, fmt.Errorf("encode lock record: %w", err)
	}
	if err := m.kv.Set(ctx, lockKey(ticketID), string(value), ttl); err != nil {
		return false, fmt.Errorf("renew lock for %s: %w", ticketID, err)
	}
	m.logger.Info("ticketd.lock.renewed",
		"ticket", ticketID,
		"principal", principal,
		"ttl_seconds", ttl.Seconds(),
	)
	return true, nil
}

// Guard runs fn under the lock discipline: reject with LockedError when a
// different principal holds the lock, acquire when free, and always release
// on the way out so lock lifetime tracks the operation, not the TTL ceiling.
// When the principal already holds the lock, fn runs without re-acquiring and
// the existing lock is released afterwards.
func (m *Manager) Guard(ctx context.Context, ticketID, principal string, fn func(ctx context.Context) error) error {
	holder, err := m.Holder(ctx, ticketID)
	if err != nil {
		return err
	}
	if holder != nil && holder.LockedBy != principal {
		m.metrics.recordContention(ctx)
		return &LockedError{TicketID: ticketID, Holder: *holder}
	}
	if holder == nil {
		ok, err := m.Acquire(ctx, ticketID, principal, m.ttl)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race between Holder and Acquire.
			current, herr := m.Holder(ctx, ticketID)
			if herr == nil && current != nil && current.LockedBy != principal {
				m.metrics.recordContention(ctx)
				return &LockedError{TicketID: ticketID, Holder: *current}
			}
			return &LockedError{TicketID: ticketID, Holder: Record{LockedBy: "unknown"}}
		}
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if _, rerr := m.Release(releaseCtx, ticketID); rerr != nil {
			m.logger.Error("ticketd.lock.release_failed",
				"ticket", ticketID,
				"error", rerr,
			)
		}
	}()
	return fn(ctx)
}
