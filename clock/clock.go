// Package clock provides the monotonic microsecond time base and the
// scheduled-wakeup priority queue used throughout velum (spec §2
// component 1, "pervasive input"). Every blocking wait in the core is
// expressed as "schedule a wakeup at time T" rather than a real sleep,
// so tests can drive a fake clock deterministically (see FakeClock).
package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Time is a monotonic timestamp in microseconds since an arbitrary
// epoch. Only differences between Time values are meaningful.
type Time int64

func (t Time) Add(d time.Duration) Time {
	return t + Time(d.Microseconds())
}

func (t Time) Sub(o Time) time.Duration {
	return time.Duration(t-o) * time.Microsecond
}

func (t Time) Before(o Time) bool { return t < o }
func (t Time) After(o Time) bool  { return t > o }

// Source is the minimal time/scheduling abstraction the rest of the
// library depends on, letting tests substitute FakeClock for
// SystemClock.
type Source interface {
	Now() Time
	// AfterFunc schedules fn to run (on the clock's own goroutine, for
	// SystemClock; synchronously during Advance, for FakeClock) once Now()
	// reaches at. It returns a Timer that can be stopped.
	AfterFunc(at Time, fn func()) *Timer
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	mu      sync.Mutex
	at      Time
	fn      func()
	index   int
	stopped bool
	std     *time.Timer // only set by SystemClock
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.std != nil {
		t.std.Stop()
	}
}

// SystemClock is backed by the real wall/monotonic clock.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() Time {
	return Time(time.Since(c.start).Microseconds())
}

func (c *SystemClock) AfterFunc(at Time, fn func()) *Timer {
	d := at.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	t := &Timer{at: at, fn: fn}
	t.std = time.AfterFunc(d, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	return t
}

// timerHeap is a min-heap of pending FakeClock timers ordered by `at`.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// FakeClock is a manually-advanced clock for deterministic tests of
// timer-driven behavior (keep-alive, reply timeouts, pacing wakeups).
type FakeClock struct {
	mu  sync.Mutex
	now Time
	h   timerHeap
}

func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

func (c *FakeClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(at Time, fn func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Timer{at: at, fn: fn}
	heap.Push(&c.h, t)
	return t
}

// Advance moves the fake clock forward by d, firing any timer whose
// deadline is now due, in deadline order. Firing happens synchronously
// on the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	var due []*Timer
	for c.h.Len() > 0 && c.h[0].at <= target {
		t := heap.Pop(&c.h).(*Timer)
		due = append(due, t)
	}
	c.now = target
	c.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			t.fn()
		}
	}
}
