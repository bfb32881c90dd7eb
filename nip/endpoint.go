// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on xp/nip/gg_nip.c/.h's GG_NipUdpEndpoint and spec.md §4.4
// "Egress" / "Ingress".

package nip

import (
	"net/netip"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/ipframe"
)

// Endpoint is a UDP socket multiplexed over a Nano-IP [Interface]. It
// implements [core.Element]: PutData sends (egress), SetDataSink
// registers where received payloads are delivered (ingress).
type Endpoint struct {
	iface *Interface
	node  *core.ListNode[*Endpoint]

	local      netip.AddrPort
	localBound bool
	remote     netip.AddrPort
	connected  bool

	dataSink core.Sink
	listener core.SinkListener
}

// NewEndpoint returns an unattached endpoint. local with port 0 requests
// a dynamic port on [Interface.AddEndpoint]; an invalid (zero value)
// local requests binding to the interface's own address with an
// unbound wildcard port. remote, if valid, is the default destination
// used when PutData is called without destination metadata; if
// connectToRemote is true, PutData always sends to remote and ignores
// destination metadata. Nano-IP does not filter ingress by remote
// address (spec.md §4.4 "Ingress"), so the flag has no effect on
// received packets.
func NewEndpoint(local netip.AddrPort, remote netip.AddrPort, connectToRemote bool) *Endpoint {
	return &Endpoint{local: local, remote: remote, connected: connectToRemote}
}

// LocalAddr returns the endpoint's local address and port. The port is
// only meaningful after a successful [Interface.AddEndpoint] if it was
// requested as 0 (dynamic).
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// SetDataSink implements [core.Source]: registers the sink that receives
// UDP payloads addressed to this endpoint.
func (e *Endpoint) SetDataSink(sink core.Sink) { e.dataSink = sink }

// SetListener implements [core.Sink].
func (e *Endpoint) SetListener(l core.SinkListener) { e.listener = l }

// PutData implements [core.Sink]: egress. It builds an IPv4+UDP packet
// around payload and forwards it to the interface's transport sink,
// matching GG_NipUdpEndpoint_PutData.
//
// The destination is taken from md (a [core.DestinationSocketAddress])
// when the endpoint is unconnected and md is non-nil, else from the
// endpoint's configured remote address.
func (e *Endpoint) PutData(buf core.Buffer, md core.Metadata) error {
	if e.iface == nil {
		return goldengate.NewError(goldengate.CodeInvalidState, "endpoint not attached to an interface", nil)
	}

	payload := buf.Bytes()
	if len(payload) > maxPayloadSize {
		return goldengate.NewError(goldengate.CodeInvalidParameters, "payload too large for a Nano-IP datagram", nil)
	}
	if e.iface.transportSink == nil {
		return goldengate.NewError(goldengate.CodeNetworkUnreachable, "no transport attached to the interface", nil)
	}

	dst := e.remote
	if !e.connected {
		if dsa, ok := md.(core.DestinationSocketAddress); ok {
			dst = dsa.Addr
		}
	}
	if !dst.Addr().IsValid() || dst.Port() == 0 {
		return goldengate.NewError(goldengate.CodeInvalidState, "invalid destination address or port", nil)
	}

	src := e.local
	if !src.Addr().IsValid() {
		src = netip.AddrPortFrom(e.iface.addr, src.Port())
	}

	packet, err := ipframe.Encapsulate(src, dst, e.iface.nextIdentification(), payload)
	if err != nil {
		return goldengate.NewError(goldengate.CodeInvalidParameters, "failed to build packet", err)
	}

	return e.iface.transportSink.PutData(core.NewDynamicBufferFromBytes(packet), nil)
}
