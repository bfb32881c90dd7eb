// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9's `S` (datagram socket) descriptor element.
// Golden Gate never opens a real OS socket inside the stack itself —
// every concrete transport (BLE GATT characteristics, a UDP socket, an
// in-memory test harness) is supplied by the caller of [Build] and
// attached at the bottom of the wired chain. `S` marks the position in
// the descriptor where such a datagram-oriented transport sits,
// without doing any framing or encryption of its own: a transparent
// pass-through [core.TwoPortElement], the same pattern used for
// [gattlink.Endpoint]'s ports but with nothing transformed in between.
// See the root package's TransportPipeline and NewUDPTransport for the
// helper a caller uses to dial and adapt a real UDP socket before
// attaching it as [Build]'s transport argument.

package stack

import "github.com/bassosimone/goldengate/core"

// socketElement is a pass-through element occupying an `S` position in
// a stack descriptor.
type socketElement struct {
	top    socketPort
	bottom socketPort
}

func newSocketElement() *socketElement {
	s := &socketElement{}
	s.top.peer = &s.bottom
	s.bottom.peer = &s.top
	return s
}

func (s *socketElement) Top() core.Element    { return &s.top }
func (s *socketElement) Bottom() core.Element { return &s.bottom }

// socketPort is one side of a [socketElement]: whatever arrives on
// PutData is forwarded unchanged to the opposite port's attached sink.
type socketPort struct {
	peer     *socketPort
	sink     core.Sink
	listener core.SinkListener
}

func (p *socketPort) SetDataSink(sink core.Sink) { p.sink = sink }

func (p *socketPort) SetListener(l core.SinkListener) { p.listener = l }

func (p *socketPort) PutData(buf core.Buffer, md core.Metadata) error {
	if p.peer.sink == nil {
		return nil
	}
	return p.peer.sink.PutData(buf, md)
}
