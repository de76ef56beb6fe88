package clock

import (
	"testing"
	"time"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ch := m.After(2 * time.Second)

	m.Advance(1 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired before due time")
	default:
	}

	m.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatalf("timer did not fire at due time")
	}
}

func TestManualAfterFuncRunsDueCallbacks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []int
	m.AfterFunc(5*time.Second, func() { fired = append(fired, 5) })
	m.AfterFunc(10*time.Second, func() { fired = append(fired, 10) })

	m.Advance(5 * time.Second)
	if len(fired) != 1 || fired[0] != 5 {
		t.Fatalf("expected first callback only, got %v", fired)
	}
	m.Advance(5 * time.Second)
	if len(fired) != 2 {
		t.Fatalf("expected both callbacks, got %v", fired)
	}
}

func TestManualAfterFuncStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	timer := m.AfterFunc(time.Second, func() { ran = true })
	if !timer.Stop() {
		t.Fatalf("expected Stop to report the timer as pending")
	}
	if timer.Stop() {
		t.Fatalf("second Stop should report already stopped")
	}
	m.Advance(2 * time.Second)
	if ran {
		t.Fatalf("stopped timer must not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualAfterFuncImmediateWhenNonPositive(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	m.AfterFunc(0, func() { ran = true })
	if !ran {
		t.Fatalf("zero-delay callback should run immediately")
	}
}
