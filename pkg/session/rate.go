package session

import (
	"sync"
	"time"
)

// DefaultRateWindow is the throughput measurement window
const DefaultRateWindow = time.Second

// RateTracker computes bytes per second over a fixed window. The rate is only
// recomputed when a full window has elapsed; between recomputations it holds
// its last value, including across silent periods unless Check is called.
type RateTracker struct {
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	total       uint64
	accumulated uint64
	windowStart time.Time
	rate        float64
}

// NewRateTracker creates a tracker. A non-positive window selects
// DefaultRateWindow; a nil clock selects time.Now.
func NewRateTracker(window time.Duration, now func() time.Time) *RateTracker {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateTracker{
		window:      window,
		now:         now,
		windowStart: now(),
	}
}

// Record adds n bytes and reports whether the rate was recomputed.
func (r *RateTracker) Record(n int) bool {
	if n < 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += uint64(n)
	r.accumulated += uint64(n)
	return r.roll()
}

// Check recomputes the rate if the window has elapsed, without adding bytes.
func (r *RateTracker) Check() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roll()
}

func (r *RateTracker) roll() bool {
	now := r.now()
	elapsed := now.Sub(r.windowStart)
	if elapsed < r.window {
		return false
	}
	r.rate = float64(r.accumulated) / elapsed.Seconds()
	r.accumulated = 0
	r.windowStart = now
	return true
}

// Rate returns the last computed rate in bytes per second
func (r *RateTracker) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// Total returns the lifetime byte count
func (r *RateTracker) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
