package email

import (
	"context"
	"sync"
	"time"
)

// windowLimiter admits at most limit events per window.  The window opens on
// the first event after the previous one expired; callers arriving after the
// quota is spent sleep until it resets and then re-evaluate.
type windowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	start  time.Time
	count  int

	now func() time.Time
}

// newWindowLimiter returns nil (no limiting) when limit <= 0 or window <= 0.
func newWindowLimiter(window time.Duration, limit int) *windowLimiter {
	if (limit <= 0) || (window <= 0) {
		return nil
	}
	return &windowLimiter{window: window, limit: limit, now: time.Now}
}

// reserve counts one event if the current window has room, otherwise it
// returns how long until the window resets.
func (wl *windowLimiter) reserve() (time.Duration, bool) {

	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := wl.now()
	if wl.start.IsZero() || (now.Sub(wl.start) >= wl.window) {
		wl.start = now
		wl.count = 0
	}

	if wl.count < wl.limit {
		wl.count++
		return 0, true
	}

	return wl.start.Add(wl.window).Sub(now), false
}

// Wait blocks until the event is admitted or ctx is done.
func (wl *windowLimiter) Wait(ctx context.Context) error {

	if wl == nil {
		return nil
	}

	for {
		d, ok := wl.reserve()
		if ok {
			return nil
		}

		if d < time.Millisecond {
			d = time.Millisecond
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
