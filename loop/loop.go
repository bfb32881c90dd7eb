// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on joeycumines-go-utilpkg/eventloop's Loop (bind-to-thread guard
// via a parsed goroutine ID, container/heap timer scheduling, a single
// consumer message queue) and spec.md §4.1 "Event Loop". Unlike the
// teacher, this loop never polls OS file descriptors itself: all network
// I/O crosses into the loop exclusively through [DataSinkProxy] /
// [SinkListenerProxy] messages (spec.md §4.1 "Proxies"), so Go's native
// select over a channel and a timer already gives us the teacher's
// self-pipe/eventfd wakeup for free — there is no blocking poll() call to
// interrupt from another thread.
package loop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/runtimex"
)

// Standard loop errors.
var (
	ErrAlreadyRunning  = errors.New("loop: already running")
	ErrWrongThread     = errors.New("loop: bound to a different thread")
	ErrTerminated      = errors.New("loop: terminated")
	ErrPostTimeout     = errors.New("loop: post-message timed out")
	ErrNotLoopThread   = errors.New("loop: operation is only valid on the loop thread")
	ErrReentrantInvoke = errors.New("loop: invoke-sync called from the loop thread")
)

// Message is a unit of work enqueued from any thread to the loop's single
// consumer queue. Handle runs on the loop thread; Release frees any
// message-owned resources and always runs, even if the message is
// dropped unhandled during shutdown.
type Message interface {
	Handle()
	Release()
}

// Loop is a single-threaded cooperative scheduler: it dispatches timer
// callbacks and processes messages from other threads, blocking in
// DoWork for a duration bounded by the nearest timer deadline.
//
// Every exported method not documented otherwise is safe to call from
// any goroutine. Objects obtained from the loop (its [TimerScheduler],
// element sinks/sources) are not: they must only be touched from the
// loop thread, exactly as described by spec.md §5's thread-guard rule.
type Loop struct {
	scheduler *TimerScheduler
	queue     *core.Queue[Message]

	boundGoroutine atomic.Uint64
	running        atomic.Bool
	terminated     atomic.Bool

	invokeMu sync.Mutex

	logger goldengate.SLogger
}

// New returns a Loop with a message queue of the given capacity and a
// timer scheduler clocked at the given start time.
func New(queueCapacity int, startTime time.Time, logger goldengate.SLogger) *Loop {
	if logger == nil {
		logger = goldengate.DefaultSLogger()
	}
	return &Loop{
		scheduler: NewTimerScheduler(startTime),
		queue:     core.NewQueue[Message](queueCapacity),
		logger:    logger,
	}
}

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// BindToCurrentThread records the calling goroutine as the loop's owner.
// A second call from a different goroutine returns [ErrWrongThread]; a
// second call from the same goroutine is a no-op.
func (l *Loop) BindToCurrentThread() error {
	id := currentGoroutineID()
	if l.boundGoroutine.CompareAndSwap(0, id) {
		return nil
	}
	if l.boundGoroutine.Load() == id {
		return nil
	}
	return ErrWrongThread
}

// onLoopThread reports whether the calling goroutine is the bound owner.
// Unbound loops report false: the thread-guard is conservative before the
// loop starts running.
func (l *Loop) onLoopThread() bool {
	bound := l.boundGoroutine.Load()
	return bound != 0 && bound == currentGoroutineID()
}

// GetTimerScheduler returns the loop's timer scheduler. Valid only on the
// loop thread, per spec.md §5's thread-guard rule.
func (l *Loop) GetTimerScheduler() *TimerScheduler {
	runtimex.Assert(l.onLoopThread())
	return l.scheduler
}

// PostMessage enqueues msg for the loop thread to Handle. It is
// thread-safe. If the queue is full it waits up to timeout (a
// non-positive timeout waits indefinitely) before giving up and
// returning [ErrPostTimeout]; msg.Release is not called in that case,
// since the caller retains ownership.
func (l *Loop) PostMessage(msg Message, timeout time.Duration) error {
	if l.terminated.Load() {
		return ErrTerminated
	}
	if l.queue.PushWait(context.Background(), msg, timeout) {
		return nil
	}
	return ErrPostTimeout
}

// TryPostMessage enqueues msg without blocking. It returns
// [goldengate.ErrWouldBlock] if the queue is currently full.
func (l *Loop) TryPostMessage(msg Message) error {
	if l.terminated.Load() {
		return ErrTerminated
	}
	if l.queue.TryPush(msg) {
		return nil
	}
	return goldengate.ErrWouldBlock
}

type syncInvoke struct {
	fn   func()
	done chan struct{}
}

func (s *syncInvoke) Handle() {
	s.fn()
	close(s.done)
}
func (s *syncInvoke) Release() { /* no owned memory beyond fn's closure */ }

// InvokeSync runs fn(arg) on the loop thread and returns its result,
// blocking the caller until it completes. Concurrent callers are
// serialized by an internal mutex, so sync invocations queue rather than
// race (spec.md §4.1: "Serialized through a mutex so concurrent sync
// invocations queue"). Calling InvokeSync from the loop thread itself
// would deadlock, so it instead returns [ErrReentrantInvoke].
func InvokeSync[A, R any](l *Loop, fn func(A) R, arg A) (R, error) {
	var zero R
	if l.onLoopThread() {
		return zero, ErrReentrantInvoke
	}
	l.invokeMu.Lock()
	defer l.invokeMu.Unlock()

	var result R
	msg := &syncInvoke{
		fn:   func() { result = fn(arg) },
		done: make(chan struct{}),
	}
	if err := l.PostMessage(msg, 0); err != nil {
		return zero, err
	}
	<-msg.done
	return result, nil
}

type asyncInvoke[A any] struct {
	fn  func(A)
	arg A
}

func (a *asyncInvoke[A]) Handle()  { a.fn(a.arg) }
func (a *asyncInvoke[A]) Release() {}

// InvokeAsync enqueues fn(arg) to run on the loop thread with no return
// value, and does not wait for it to run; if the queue is full it waits
// up to timeout, as [Loop.PostMessage] does. A fresh message is always
// allocated since the caller's stack may be gone by the time the loop
// thread runs it (spec.md §4.1).
func InvokeAsync[A any](l *Loop, fn func(A), arg A, timeout time.Duration) error {
	return l.PostMessage(&asyncInvoke[A]{fn: fn, arg: arg}, timeout)
}

type terminationMessage struct{ l *Loop }

func (t *terminationMessage) Handle()  { t.l.terminated.Store(true) }
func (t *terminationMessage) Release() {}

// CreateTerminationMessage returns a [Message] that, once posted and
// handled, requests the loop to stop after its current DoWork iteration.
func (l *Loop) CreateTerminationMessage() Message { return &terminationMessage{l: l} }

// RequestTermination requests the loop stop running. Callable only from
// the loop thread; other threads must post [Loop.CreateTerminationMessage].
func (l *Loop) RequestTermination() error {
	if !l.onLoopThread() {
		return ErrNotLoopThread
	}
	l.terminated.Store(true)
	return nil
}

// DoWork runs one scheduling iteration, per spec.md §4.1's three-step
// algorithm: first it drains every message currently pending without
// blocking, handling each in order; then it fires every expired timer;
// only then does it block for at most maxWait (capped by the nearest
// remaining timer deadline) for one more message, handling it if one
// arrives. It returns the duration until the next unfired timer
// (negative if none is armed) so the caller can size its next DoWork
// call, matching the Timer Scheduler's "never" sentinel from spec.md §3.
func (l *Loop) DoWork(maxWait time.Duration) (time.Duration, error) {
	if err := l.BindToCurrentThread(); err != nil {
		return 0, err
	}

	for {
		msg, ok := l.queue.TryPop()
		if !ok {
			break
		}
		func() {
			defer msg.Release()
			msg.Handle()
		}()
	}

	l.scheduler.SetTime(time.Now())
	next := l.scheduler.Fire()

	wait := maxWait
	if next >= 0 && (wait < 0 || next < wait) {
		wait = next
	}
	if msg, ok := l.queue.PopWait(context.Background(), wait); ok {
		func() {
			defer msg.Release()
			msg.Handle()
		}()
	}

	return next, nil
}

// Run binds the calling goroutine to the loop and repeatedly calls DoWork
// until the loop is terminated or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	if err := l.BindToCurrentThread(); err != nil {
		return err
	}
	for !l.terminated.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := l.DoWork(1 * time.Second); err != nil {
			return err
		}
	}
	return nil
}
