// internal/timers/timers.go

// Package timers provides the single cancellable-timer abstraction used for
// every timer-driven concern in the core (call deadline, disconnection grace
// period, turn countdown). Each service owns one Timer per concern; starting
// a Timer cancels any prior pending instance, so a concern can never have
// two callbacks in flight.
package timers

import (
	"sync"
	"time"
)

// Timer is a restartable, cancellable one-shot timer. The zero value is
// ready to use.
type Timer struct {
	mu    sync.Mutex
	inner *time.Timer
	gen   uint64
}

// Start schedules fn to run after d, cancelling any previously scheduled
// callback. fn runs on its own goroutine and only if the timer has not been
// restarted or cancelled in the meantime.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inner != nil {
		t.inner.Stop()
	}
	t.gen++
	gen := t.gen
	t.inner = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.gen
		if !stale {
			t.inner = nil
		}
		t.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

// Cancel stops any pending callback. It reports whether a callback was
// actually pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.inner == nil {
		return false
	}
	t.inner.Stop()
	t.inner = nil
	return true
}

// Active reports whether a callback is scheduled and has not yet fired.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner != nil
}
