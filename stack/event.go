// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §6 "Events": "Every emitted event is tagged with a
// 32-bit 4-character code... GG_EVENT_TYPE_GATTLINK_SESSION_READY,
// GG_EVENT_TYPE_GATTLINK_SESSION_RESET, GG_EVENT_TYPE_TLS_STATE_CHANGE"
// and §4.9 step 4: "Publishes the stack as an event emitter that
// forwards every element's events upward, tagged with the originating
// element ID", via the "stack-event-forward wrapper that preserves the
// origin".

package stack

import (
	"github.com/bassosimone/goldengate/dtls"
)

// Tags for the events this package's elements emit. Each packs a
// 4-character code into a uint32, matching
// coap/eventemitter's wire representation, so a stack can feed its own
// events straight into an [*eventemitter.Emitter] upstream.
const (
	EventGattlinkSessionReady uint32 = 'g'<<24 | 'k'<<16 | 'r'<<8 | 'd' // GG_EVENT_TYPE_GATTLINK_SESSION_READY
	EventGattlinkSessionReset uint32 = 'g'<<24 | 'k'<<16 | 'r'<<8 | 's' // GG_EVENT_TYPE_GATTLINK_SESSION_RESET
	EventTLSStateChange       uint32 = 't'<<24 | 'l'<<16 | 's'<<8 | 'c' // GG_EVENT_TYPE_TLS_STATE_CHANGE
	EventLinkIdle             uint32 = 'i'<<24 | 'd'<<16 | 'l'<<8 | 'e' // activity monitor: no traffic within IdleTimeout
)

// Event is one stack-event-forward notification: tag, tagged with the
// zero-based index and kind of the element that originated it within
// the descriptor.
type Event struct {
	ElementIndex int
	ElementKind  ElementKind
	Tag          uint32
}

// EventListener receives every [Event] a [Stack]'s elements emit, in the
// order they occur.
type EventListener interface {
	OnStackEvent(ev Event)
}

// gattlinkEventForwarder adapts a single gattlink element's
// [gattlink.EventListener] callbacks into [Event]s.
type gattlinkEventForwarder struct {
	stack *Stack
	index int
}

func (f *gattlinkEventForwarder) OnSessionReady() {
	f.stack.emit(Event{ElementIndex: f.index, ElementKind: ElementGattlink, Tag: EventGattlinkSessionReady})
}

func (f *gattlinkEventForwarder) OnSessionReset() {
	f.stack.emit(Event{ElementIndex: f.index, ElementKind: ElementGattlink, Tag: EventGattlinkSessionReset})
}

// dtlsEventForwarder adapts a single DTLS element's
// [dtls.EventListener] callback into [Event]s. The specific [dtls.State]
// reached is not itself encoded in the 32-bit tag (the tag space is a
// fixed 4-character code, not a payload); callers that need the state
// can read it back from the element's own [*dtls.Endpoint.Status].
type dtlsEventForwarder struct {
	stack *Stack
	index int
}

func (f *dtlsEventForwarder) OnStateChange(_ dtls.State) {
	f.stack.emit(Event{ElementIndex: f.index, ElementKind: ElementDTLS, Tag: EventTLSStateChange})
}

func (s *Stack) emit(ev Event) {
	if s.listener != nil {
		s.listener.OnStackEvent(ev)
	}
}
