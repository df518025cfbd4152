package services

import (
	"sync"
	"time"
)

// RetryTimer is a single-slot cancellable timer. Starting it replaces any
// pending callback; a cancelled or replaced callback never runs.
type RetryTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Start schedules fn after d, replacing whatever was pending
func (t *RetryTimer) Start(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback, if any
func (t *RetryTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether a callback is scheduled
func (t *RetryTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// retryDelay is min(base*attempt, ceiling)
func retryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
