// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on xp/nip/gg_nip.c/.h (GG_NipStack, GG_NipUdpEndpoint) and
// spec.md §4.4 "Nano-IP Stack (Nip)". The original is a file-scope
// singleton (spec.md §9 "Singleton Nip stack" redesign note); here the
// state lives in an explicit [Interface] object that the caller
// constructs and wires up, any number of which may coexist in one
// process.
package nip

import (
	"net/netip"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/ipframe"
)

const (
	dynamicPortRangeStart = 0xC000
	dynamicPortRangeEnd   = 0xFFFF
	dynamicPortRangeSpan  = dynamicPortRangeEnd - dynamicPortRangeStart + 1

	maxPayloadSize = ipframe.MaxPacketSize - ipframe.HeaderSize
)

// Interface is the network interface: one configured IPv4 address, one
// transport sink/source below it, and the set of [Endpoint]s multiplexed
// above it. Every method must be called from the loop thread: like the
// rest of the stack, Interface holds no locks (spec.md §5 "No locks are
// held across callbacks").
type Interface struct {
	addr     netip.Addr
	logger   goldengate.SLogger
	classify goldengate.ErrClassifier

	transportSink core.Sink
	endpoints     core.List[*Endpoint]

	dynamicPortCursor uint16
	nextIdent         uint16
}

// NewInterface returns a Nano-IP network interface bound to addr, which
// must be an IPv4 address.
func NewInterface(addr netip.Addr, logger goldengate.SLogger, classify goldengate.ErrClassifier) *Interface {
	if logger == nil {
		logger = goldengate.DefaultSLogger()
	}
	if classify == nil {
		classify = goldengate.DefaultErrClassifier
	}
	return &Interface{addr: addr, logger: logger, classify: classify}
}

// Addr returns the interface's configured IPv4 address.
func (n *Interface) Addr() netip.Addr { return n.addr }

// SetDataSink implements [core.Source]: it registers the transport this
// interface sends built packets to and receives on-can-put
// notifications from, matching GG_NipStack_SetDataSink's
// deregister-then-register dance.
func (n *Interface) SetDataSink(sink core.Sink) {
	if n.transportSink != nil {
		n.transportSink.SetListener(nil)
	}
	n.transportSink = sink
	if sink != nil {
		sink.SetListener(core.SinkListenerFunc(n.onTransportCanPut))
	}
}

// onTransportCanPut forwards on-can-put to every endpoint with a
// registered listener, matching GG_NipStack_OnCanPut.
func (n *Interface) onTransportCanPut() {
	n.endpoints.Each(func(node *core.ListNode[*Endpoint]) {
		ep := node.Value()
		if ep.listener != nil {
			ep.listener.OnCanPut()
		}
	})
}

// PutData implements [core.Sink]: ingress from the transport. Malformed
// or non-matching packets are logged and dropped, never returned as an
// error, matching GG_NipStack_PutData / GG_NipStack_OnUdpPacketReceived.
func (n *Interface) PutData(buf core.Buffer, _ core.Metadata) error {
	frame, err := ipframe.Parse(buf.Bytes())
	if err != nil {
		n.logger.Debug("nip: dropping unparseable packet", "error", n.classify.Classify(err))
		return nil
	}
	if frame.Dst.Addr() != n.addr {
		n.logger.Debug("nip: dropping packet for another interface", "dst", frame.Dst.Addr())
		return nil
	}

	var target *Endpoint
	n.endpoints.Each(func(node *core.ListNode[*Endpoint]) {
		if target != nil {
			return
		}
		ep := node.Value()
		if !ep.localBound || ep.local.Port() == frame.Dst.Port() {
			target = ep
		}
	})
	if target == nil {
		n.logger.Debug("nip: no matching endpoint", "port", frame.Dst.Port())
		return nil
	}
	if target.dataSink == nil {
		n.logger.Debug("nip: matching endpoint has no sink, dropping")
		return nil
	}

	// zero-copy sub-buffer view of the UDP payload within the received packet
	offset := len(buf.Bytes()) - len(frame.Payload)
	payload := core.NewSubBuffer(buf, offset, len(frame.Payload))
	defer payload.Release()

	md := core.SourceSocketAddress{Addr: frame.Src}
	_ = target.dataSink.PutData(payload, md)
	return nil
}

// SetListener implements [core.Sink]. The network interface always
// accepts or drops synchronously and never signals WOULD_BLOCK, so it
// ignores the listener, matching GG_NipStack_SetListener.
func (n *Interface) SetListener(core.SinkListener) {}

func (n *Interface) portInUse(port uint16) bool {
	inUse := false
	n.endpoints.Each(func(node *core.ListNode[*Endpoint]) {
		if node.Value().local.Port() == port {
			inUse = true
		}
	})
	return inUse
}

// AddEndpoint attaches ep to the interface, allocating a dynamic port
// from [0xC000, 0xFFFF] when ep was constructed with local port 0,
// probed linearly from a rolling cursor. It returns
// [goldengate.CodeOutOfResources] if the dynamic range is exhausted, or
// [goldengate.CodeAddressInUse] if a fixed port is already taken.
func (n *Interface) AddEndpoint(ep *Endpoint) error {
	if ep.node != nil {
		return goldengate.NewError(goldengate.CodeInvalidState, "endpoint already added", nil)
	}

	if !ep.local.Addr().IsValid() || ep.local.Addr().IsUnspecified() {
		ep.local = netip.AddrPortFrom(n.addr, ep.local.Port())
	}

	if ep.local.Port() == 0 {
		port, ok := n.allocateDynamicPort()
		if !ok {
			return goldengate.NewError(goldengate.CodeOutOfResources, "no free dynamic port", nil)
		}
		ep.local = netip.AddrPortFrom(ep.local.Addr(), port)
		ep.localBound = false
	} else {
		if n.portInUse(ep.local.Port()) {
			return goldengate.NewError(goldengate.CodeAddressInUse, "UDP port already in use", nil)
		}
		ep.localBound = true
	}

	ep.iface = n
	ep.node = n.endpoints.PushBack(ep)
	return nil
}

func (n *Interface) allocateDynamicPort() (uint16, bool) {
	for i := 0; i < dynamicPortRangeSpan; i++ {
		port := uint16(dynamicPortRangeStart + (int(n.dynamicPortCursor)+i)%dynamicPortRangeSpan)
		if !n.portInUse(port) {
			n.dynamicPortCursor = uint16((int(n.dynamicPortCursor) + i + 1) % dynamicPortRangeSpan)
			return port, true
		}
	}
	return 0, false
}

// RemoveEndpoint detaches ep from the interface. It returns
// [goldengate.CodeInvalidState] if ep was not attached.
func (n *Interface) RemoveEndpoint(ep *Endpoint) error {
	if ep.node == nil {
		return goldengate.NewError(goldengate.CodeInvalidState, "endpoint not attached", nil)
	}
	n.endpoints.Remove(ep.node)
	ep.node = nil
	ep.iface = nil
	return nil
}

func (n *Interface) nextIdentification() uint16 {
	id := n.nextIdent
	n.nextIdent++ // wrap is expected and harmless
	return id
}
