package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxAuthenticationAttempts = 5
	DefaultLockoutWindow             = 15 * time.Minute
	DefaultMaxTrackedClients         = 10000
)

type attemptCounter struct {
	failures    atomic.Int32
	windowStart atomic.Int64
	lockedUntil atomic.Int64
}

// LockoutTracker counts consecutive authentication failures per client id.
// Counters live in a concurrent map and are updated atomically. The number of
// tracked ids is bounded.
type LockoutTracker struct {
	maxAttempts int32
	window      time.Duration
	maxTracked  int64
	clock       Clock

	counters sync.Map
	tracked  atomic.Int64
}

// NewLockoutTracker returns a tracker locking a client for window after
// maxAttempts consecutive failures within window.
func NewLockoutTracker(maxAttempts int, window time.Duration, maxTracked int, clock Clock) *LockoutTracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAuthenticationAttempts
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedClients
	}
	if clock == nil {
		clock = SystemClock
	}
	return &LockoutTracker{
		maxAttempts: int32(maxAttempts),
		window:      window,
		maxTracked:  int64(maxTracked),
		clock:       clock,
	}
}

// Locked reports whether clientID is locked out and until when. An expired
// lock resets the counter.
func (t *LockoutTracker) Locked(clientID string) (bool, time.Time) {
	value, ok := t.counters.Load(clientID)
	if !ok {
		return false, time.Time{}
	}
	counter := value.(*attemptCounter)

	until := counter.lockedUntil.Load()
	if until == 0 {
		return false, time.Time{}
	}
	now := t.clock.Now().UnixNano()
	if now < until {
		return true, time.Unix(0, until)
	}

	if counter.lockedUntil.CompareAndSwap(until, 0) {
		counter.failures.Store(0)
		counter.windowStart.Store(now)
	}
	return false, time.Time{}
}

// RecordFailure counts one failure and reports whether the client is now locked.
func (t *LockoutTracker) RecordFailure(clientID string) bool {
	counter := t.counter(clientID)
	now := t.clock.Now().UnixNano()

	start := counter.windowStart.Load()
	if now-start > int64(t.window) && counter.windowStart.CompareAndSwap(start, now) {
		counter.failures.Store(0)
	}

	if counter.failures.Add(1) >= t.maxAttempts {
		counter.lockedUntil.Store(now + int64(t.window))
		return true
	}
	return false
}

// RecordSuccess clears the client's counter.
func (t *LockoutTracker) RecordSuccess(clientID string) {
	if _, loaded := t.counters.LoadAndDelete(clientID); loaded {
		t.tracked.Add(-1)
	}
}

// Tracked returns the number of client ids with a live counter.
func (t *LockoutTracker) Tracked() int {
	return int(t.tracked.Load())
}

// Sweep drops counters whose window and lock have both elapsed.
func (t *LockoutTracker) Sweep() int {
	now := t.clock.Now().UnixNano()
	removed := 0
	t.counters.Range(func(key, value any) bool {
		counter := value.(*attemptCounter)
		if counter.lockedUntil.Load() > now {
			return true
		}
		if now-counter.windowStart.Load() <= int64(t.window) {
			return true
		}
		if t.counters.CompareAndDelete(key, value) {
			t.tracked.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

func (t *LockoutTracker) counter(clientID string) *attemptCounter {
	if value, ok := t.counters.Load(clientID); ok {
		return value.(*attemptCounter)
	}

	if t.tracked.Load() >= t.maxTracked {
		t.Sweep()
		if t.tracked.Load() >= t.maxTracked {
			t.evictUnlocked()
		}
	}

	fresh := &attemptCounter{}
	fresh.windowStart.Store(t.clock.Now().UnixNano())
	value, loaded := t.counters.LoadOrStore(clientID, fresh)
	if !loaded {
		t.tracked.Add(1)
	}
	return value.(*attemptCounter)
}

// evictUnlocked frees one slot, never dropping a client that is locked out.
func (t *LockoutTracker) evictUnlocked() {
	now := t.clock.Now().UnixNano()
	t.counters.Range(func(key, value any) bool {
		if value.(*attemptCounter).lockedUntil.Load() > now {
			return true
		}
		if t.counters.CompareAndDelete(key, value) {
			t.tracked.Add(-1)
			return false
		}
		return true
	})
}
