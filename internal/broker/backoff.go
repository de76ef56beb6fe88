package broker

import "time"

const (
	// DefaultReconnectBase is the first reconnect delay after a failure.
	DefaultReconnectBase = 5 * time.Second
	// DefaultReconnectMax caps the exponential reconnect delay.
	DefaultReconnectMax = 60 * time.Second
)

// Backoff computes the exponential reconnect delay schedule: Base, doubling
// per consecutive failure, capped at Max, reset to Base on success. It is not
// goroutine safe; Conn drives it under its own lock.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

// Next returns the delay to wait before the upcoming attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.Base <= 0 {
		b.Base = DefaultReconnectBase
	}
	if b.Max <= 0 {
		b.Max = DefaultReconnectMax
	}
	if b.next <= 0 {
		b.next = b.Base
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset restores the schedule to its base delay after a successful connect.
func (b *Backoff) Reset() {
	b.next = 0
}
