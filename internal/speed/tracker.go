// Package speed estimates transfer throughput over a trailing time window.
package speed

import (
	"sync"
	"time"
)

// DefaultWindow is the span of samples kept by NewTracker when window <= 0.
const DefaultWindow = 5 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker is a sliding-window throughput estimator. It is safe for
// concurrent use; one writer and many readers is the expected pattern.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	now     func() time.Time
}

// NewTracker returns a Tracker keeping samples newer than window.
func NewTracker(window time.Duration) *Tracker {
	return NewTrackerWithClock(window, time.Now)
}

// NewTrackerWithClock is NewTracker with an injectable clock.
func NewTrackerWithClock(window time.Duration, now func() time.Time) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, now: now}
}

// Record adds a sample of the cumulative byte count at the current time
// and evicts samples that fell out of the window.
func (t *Tracker) Record(cumulative int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if n := len(t.samples); n > 0 && now.Before(t.samples[n-1].at) {
		now = t.samples[n-1].at
	}
	t.samples = append(t.samples, sample{at: now, bytes: cumulative})

	cutoff := now.Add(-t.window)
	drop := 0
	for drop < len(t.samples)-1 && t.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
}

// Speed returns bytes per second across the window, or 0 when fewer than
// two samples exist.
func (t *Tracker) Speed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.speedLocked()
}

func (t *Tracker) speedLocked() int64 {
	if len(t.samples) < 2 {
		return 0
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 {
		return 0
	}
	delta := last.bytes - first.bytes
	if delta <= 0 {
		return 0
	}
	return int64(float64(delta) / elapsed.Seconds())
}

// ETA estimates the time left to reach totalBytes. ok is false when the
// total is unknown (negative) or the current speed is 0.
func (t *Tracker) ETA(totalBytes int64) (eta time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if totalBytes < 0 || len(t.samples) == 0 {
		return 0, false
	}
	speed := t.speedLocked()
	if speed <= 0 {
		return 0, false
	}
	remaining := totalBytes - t.samples[len(t.samples)-1].bytes
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(float64(remaining) / float64(speed) * float64(time.Second)), true
}

// Reset drops every sample.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.samples = t.samples[:0]
	t.mu.Unlock()
}
