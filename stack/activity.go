// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9's `A` (activity monitor) descriptor element
// and gattlink.Endpoint's own reset-interval ticker (gattlink/endpoint.go
// armResetTicker/onResetTicker) as the precedent for a single rearmed
// [loop.Timer] tracking link liveness.

package stack

import (
	"time"

	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
)

// activityElement is a pass-through element that watches traffic on
// both its ports and emits [EventLinkIdle] when neither has carried data
// for IdleTimeout. Data is always forwarded unchanged; the monitor never
// blocks or drops a buffer.
type activityElement struct {
	sched   *loop.TimerScheduler
	timeout time.Duration
	onIdle  func()

	top    activityPort
	bottom activityPort
	timer  *loop.Timer
}

func newActivityElement(sched *loop.TimerScheduler, opts ActivityOptions, onIdle func()) *activityElement {
	a := &activityElement{sched: sched, timeout: opts.IdleTimeout, onIdle: onIdle}
	a.top.peer = &a.bottom
	a.top.owner = a
	a.bottom.peer = &a.top
	a.bottom.owner = a
	a.arm()
	return a
}

func (a *activityElement) Top() core.Element    { return &a.top }
func (a *activityElement) Bottom() core.Element { return &a.bottom }

func (a *activityElement) arm() {
	if a.timeout <= 0 {
		return
	}
	if a.timer != nil {
		a.timer.Cancel()
	}
	a.timer = a.sched.Schedule(a.timeout, a.fire)
}

func (a *activityElement) fire() {
	if a.onIdle != nil {
		a.onIdle()
	}
}

// noteTraffic rearms the idle timer: any data on either port counts as
// activity.
func (a *activityElement) noteTraffic() { a.arm() }

// reset clears and rearms the idle timer, matching [Stack.Reset]'s
// "reinitializing state while preserving the wiring".
func (a *activityElement) reset() { a.arm() }

type activityPort struct {
	owner    *activityElement
	peer     *activityPort
	sink     core.Sink
	listener core.SinkListener
}

func (p *activityPort) SetDataSink(sink core.Sink) { p.sink = sink }

func (p *activityPort) SetListener(l core.SinkListener) { p.listener = l }

func (p *activityPort) PutData(buf core.Buffer, md core.Metadata) error {
	p.owner.noteTraffic()
	if p.peer.sink == nil {
		return nil
	}
	return p.peer.sink.PutData(buf, md)
}
