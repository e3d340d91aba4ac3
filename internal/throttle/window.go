// ABOUTME: Keyed rate limiter: one event per key per interval, bounded key count
// ABOUTME: golang-lru keeps keys in last-pass order; a sweeper drops expired keys from the oldest end

package throttle

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxKeys bounds the number of tracked keys.
const DefaultMaxKeys = 10_000

// Window lets at most one event per key through per interval.
type Window struct {
	// mu makes the read-compare-record in Allow atomic; passed maps key to
	// the time.Time of its last pass, least recent first.
	mu       sync.Mutex
	passed   *lru.Cache
	interval time.Duration
	now      func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a window and starts its sweeper. Call Close to stop it.
func New(interval time.Duration, maxKeys int) *Window {
	return newWindow(interval, maxKeys, time.Now)
}

func newWindow(interval time.Duration, maxKeys int, now func() time.Time) *Window {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	// lru.New only fails for a non-positive size
	passed, _ := lru.New(maxKeys)
	w := &Window{
		passed:   passed,
		interval: interval,
		now:      now,
		done:     make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Allow reports whether an event for key may pass now, and if so records it.
// A zero interval lets everything through.
func (w *Window) Allow(key string) bool {
	if w.interval <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	// Peek leaves recency alone so the order stays by last pass
	if v, ok := w.passed.Peek(key); ok && now.Sub(v.(time.Time)) < w.interval {
		return false
	}
	w.passed.Add(key, now)
	return true
}

// Reset forgets key so its next event passes immediately.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.passed.Remove(key)
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.passed.Len()
}

func (w *Window) sweep() {
	period := w.interval
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.expire()
		case <-w.done:
			return
		}
	}
}

// expire drops keys whose interval has elapsed. Keys are ordered by last
// pass, so it stops at the first live one.
func (w *Window) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for {
		_, v, ok := w.passed.GetOldest()
		if !ok || now.Sub(v.(time.Time)) < w.interval {
			return
		}
		w.passed.RemoveOldest()
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
