// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on joeycumines-go-utilpkg/eventloop's timerHeap (container/heap
// min-heap keyed by fire time) and spec.md §3 "Timer Scheduler": "Owns a
// monotonic millisecond clock settable by the loop (set-time). Fires all
// timers whose deadline <= current time in non-decreasing deadline order."

package loop

import (
	"container/heap"
	"time"
)

// Timer is a single scheduled callback, owned by a [TimerScheduler].
type Timer struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	canceled bool
}

// Cancel prevents fn from firing. Safe to call more than once, and safe to
// call after the timer has already fired.
func (t *Timer) Cancel() { t.canceled = true }

type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// TimerScheduler fires callbacks in deadline order against a clock the
// loop advances explicitly via [TimerScheduler.SetTime]. It is not
// thread-safe: every method must be called from the loop thread.
type TimerScheduler struct {
	now   time.Time
	queue timerQueue
	seq   uint64
}

// NewTimerScheduler returns a scheduler whose clock starts at now.
func NewTimerScheduler(now time.Time) *TimerScheduler {
	return &TimerScheduler{now: now}
}

// Now returns the scheduler's current notion of time.
func (s *TimerScheduler) Now() time.Time { return s.now }

// SetTime advances the scheduler's clock. It never moves time backwards.
func (s *TimerScheduler) SetTime(now time.Time) {
	if now.After(s.now) {
		s.now = now
	}
}

// Schedule arms fn to fire after delay, measured from the scheduler's
// current clock, and returns a handle that can cancel it.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) *Timer {
	s.seq++
	t := &Timer{deadline: s.now.Add(delay), seq: s.seq, fn: fn}
	heap.Push(&s.queue, t)
	return t
}

// Fire runs every timer whose deadline has passed, in non-decreasing
// deadline order, including timers re-armed by a handler invoked during
// this same call. It returns the duration until the next unfired timer,
// or a negative duration if no timer remains.
func (s *TimerScheduler) Fire() time.Duration {
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.deadline.After(s.now) {
			break
		}
		heap.Pop(&s.queue)
		if next.canceled {
			continue
		}
		next.fn()
	}
	if s.queue.Len() == 0 {
		return -1
	}
	d := s.queue[0].deadline.Sub(s.now)
	if d < 0 {
		d = 0
	}
	return d
}

// Len returns the number of timers in the queue, including cancelled
// timers that Fire has not yet reached.
func (s *TimerScheduler) Len() int { return s.queue.Len() }

// NextDeadline returns the duration until the earliest deadline in the
// queue (which may belong to a cancelled timer Fire has not yet reached)
// without firing anything, or a negative duration if the queue is empty.
func (s *TimerScheduler) NextDeadline() time.Duration {
	if s.queue.Len() == 0 {
		return -1
	}
	d := s.queue[0].deadline.Sub(s.now)
	if d < 0 {
		d = 0
	}
	return d
}
