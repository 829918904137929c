package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFiresAfterDelay(t *testing.T) {
	r := New()
	defer r.CancelAll()

	var fired int32
	r.Schedule("k", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestScheduleReplacesPendingTimer(t *testing.T) {
	r := New()
	defer r.CancelAll()

	var fired int32
	r.Schedule("k", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.Schedule("k", 100*time.Millisecond, func() { atomic.AddInt32(&fired, 100) })

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("first timer should have been cancelled by the second Schedule, fired = %d", fired)
	}

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 100 {
		t.Fatalf("fired = %d, want 100 (second schedule only)", fired)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	r := New()
	defer r.CancelAll()

	var fired int32
	r.Schedule("k", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.Cancel("k")

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("cancelled timer fired, fired = %d", fired)
	}
	if r.Pending("k") {
		t.Error("Pending should be false after Cancel")
	}
}

func TestCancelAllStopsEveryTimer(t *testing.T) {
	r := New()

	var fired int32
	r.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.Schedule("b", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.CancelAll()

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("fired = %d, want 0 after CancelAll", fired)
	}
}

func TestPendingReflectsScheduleState(t *testing.T) {
	r := New()
	defer r.CancelAll()

	if r.Pending("k") {
		t.Error("Pending should be false for an unscheduled key")
	}
	r.Schedule("k", time.Second, func() {})
	if !r.Pending("k") {
		t.Error("Pending should be true right after Schedule")
	}
}
