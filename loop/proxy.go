// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.1 "Proxies": "create-data-sink-proxy(queue-size,
// sink) returns an object that implements the sink interface but, on
// put-data, enqueues the buffer (retained) as a loop message that invokes
// the real sink on the loop thread. WOULD_BLOCK is returned when the
// queue is full. A matching sink-listener proxy forwards on-can-put
// across threads." and §4.1 "Encode the sink proxy as a bounded MPSC
// channel that posts a put-data message to the loop; the loop's handler
// invokes the real sink. Preserve the queue-full = WOULD_BLOCK semantics."

package loop

import (
	"sync/atomic"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
)

type proxyItem struct {
	buf core.Buffer
	md  core.Metadata
}

// DataSinkProxy implements [core.Sink] so that a goroutine other than the
// loop thread (typically a blocking socket reader) can deliver buffers to
// a target sink that only the loop thread may otherwise touch. PutData is
// safe to call from any goroutine; target is only ever invoked on the
// loop thread.
type DataSinkProxy struct {
	loop   *Loop
	target core.Sink

	pending  *core.Queue[proxyItem]
	draining atomic.Bool // true while a drain is scheduled or running

	retry    *proxyItem // item that got WOULD_BLOCK from target; awaits OnCanPut
	listener core.SinkListener
	wasFull  bool
}

// NewDataSinkProxy returns a proxy of the given queue capacity that
// forwards to target. It registers itself as target's listener so that a
// later on-can-put from target can drain a retried item.
func NewDataSinkProxy(l *Loop, queueSize int, target core.Sink) *DataSinkProxy {
	p := &DataSinkProxy{
		loop:    l,
		target:  target,
		pending: core.NewQueue[proxyItem](queueSize),
	}
	target.SetListener(core.SinkListenerFunc(p.onTargetCanPut))
	return p
}

// PutData implements [core.Sink]. Safe to call from any goroutine.
func (p *DataSinkProxy) PutData(buf core.Buffer, md core.Metadata) error {
	buf.Retain()
	var mdClone core.Metadata
	if md != nil {
		mdClone = md.Clone()
	}
	if !p.pending.TryPush(proxyItem{buf: buf, md: mdClone}) {
		buf.Release()
		p.wasFull = true
		return goldengate.ErrWouldBlock
	}
	p.scheduleDrain()
	return nil
}

// SetListener implements [core.Sink]: l.OnCanPut is invoked (from the
// loop thread) after the proxy's internal queue, once full, has room
// again.
func (p *DataSinkProxy) SetListener(l core.SinkListener) { p.listener = l }

func (p *DataSinkProxy) scheduleDrain() {
	if p.draining.CompareAndSwap(false, true) {
		if err := p.loop.TryPostMessage(&drainMessage{p: p}); err != nil {
			// Loop queue is full or terminated; release the flag so a later
			// PutData (or a retry) gets another chance to schedule a drain.
			p.draining.Store(false)
		}
	}
}

type drainMessage struct{ p *DataSinkProxy }

func (m *drainMessage) Handle()  { m.p.drainOnLoopThread() }
func (m *drainMessage) Release() {}

// onTargetCanPut is target's on-can-put callback; it runs on the loop
// thread and retries a buffer that previously got WOULD_BLOCK.
func (p *DataSinkProxy) onTargetCanPut() {
	if p.retry == nil {
		return
	}
	item := *p.retry
	p.retry = nil
	if !p.deliver(item) {
		return
	}
	p.drainOnLoopThread()
}

// deliver calls target.PutData once. It returns false (keeping the item
// in p.retry) if the target is still blocked.
func (p *DataSinkProxy) deliver(item proxyItem) bool {
	err := p.target.PutData(item.buf, item.md)
	if err == goldengate.ErrWouldBlock {
		p.retry = &item
		return false
	}
	item.buf.Release()
	return true
}

// drainOnLoopThread pops and delivers every pending item. To avoid a lost
// wakeup (a PutData call arriving after the last TryPop but before the
// draining flag clears), it clears the flag and re-checks for a fresh
// pending item before actually returning; a racing PutData might instead
// win the CompareAndSwap and end up responsible for its own drain, which
// is harmless (scheduleDrain always posts at most one drainMessage per
// CompareAndSwap it wins).
func (p *DataSinkProxy) drainOnLoopThread() {
	for {
		if p.retry != nil {
			return
		}
		item, ok := p.pending.TryPop()
		if !ok {
			p.draining.Store(false)
			item, ok = p.pending.TryPop()
			if !ok {
				break
			}
			// A fresh item raced the flag clear. Whether or not our
			// CompareAndSwap below wins, we already own item and must
			// deliver it; if it loses, a second drainMessage is now
			// scheduled too and will simply find nothing left to do.
			p.draining.CompareAndSwap(false, true)
		}
		if !p.deliver(item) {
			p.draining.Store(false)
			return
		}
	}
	if p.wasFull && p.listener != nil {
		p.wasFull = false
		p.listener.OnCanPut()
	}
}

// SinkListenerProxy is a ready-made thread-safe [core.SinkListener]: its
// OnCanPut may be invoked from the loop thread, and the owning goroutine
// (living on another thread) observes it via Signal, a coalescing channel
// matching the level-triggered nature of on-can-put (several signals
// before the consumer checks collapse into one wakeup).
type SinkListenerProxy struct {
	ch chan struct{}
}

// NewSinkListenerProxy returns a new [SinkListenerProxy].
func NewSinkListenerProxy() *SinkListenerProxy {
	return &SinkListenerProxy{ch: make(chan struct{}, 1)}
}

// OnCanPut implements [core.SinkListener]. Safe to call from any
// goroutine, including the loop thread.
func (p *SinkListenerProxy) OnCanPut() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// Signal returns the channel a consumer goroutine selects on to learn
// that on-can-put fired at least once since the last receive.
func (p *SinkListenerProxy) Signal() <-chan struct{} { return p.ch }
