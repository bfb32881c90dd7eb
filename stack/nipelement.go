// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.4 "Nano-IP Stack (Nip)" and §4.9 step 2's IP
// configuration defaults. A stack descriptor wires a single linear
// chain, but [nip.Interface] is natively a demultiplexer over any
// number of [nip.Endpoint]s; nipElement adapts exactly one Interface
// plus the one Endpoint a descriptor's `N` position needs into a
// [core.TwoPortElement] so it composes with the rest of the chain like
// every other element.

package stack

import (
	"net/netip"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/nip"
)

// nipElement wraps one [nip.Interface] and the single [nip.Endpoint]
// registered on it.
type nipElement struct {
	iface *nip.Interface
	ep    *nip.Endpoint
}

func newNipElement(ipCfg IPConfig, opts NipOptions, logger goldengate.SLogger, classify goldengate.ErrClassifier) (*nipElement, error) {
	iface := nip.NewInterface(ipCfg.Local, logger, classify)

	local := netip.AddrPortFrom(netip.Addr{}, opts.LocalPort)
	remote := netip.AddrPortFrom(ipCfg.Remote, opts.RemotePort)
	ep := nip.NewEndpoint(local, remote, opts.Connected)
	if err := iface.AddEndpoint(ep); err != nil {
		return nil, err
	}
	return &nipElement{iface: iface, ep: ep}, nil
}

// Top is the application-facing port: whole UDP-style payloads in and
// out of the stack's single multiplexed endpoint.
func (n *nipElement) Top() core.Element { return n.ep }

// Bottom is the transport-facing port: whole IPv4+UDP packets in and
// out of the interface.
func (n *nipElement) Bottom() core.Element { return n.iface }

// reset detaches and reattaches the endpoint, matching [Stack.Reset]'s
// "reinitializing state while preserving the wiring". The endpoint keeps
// the port it already holds (a dynamically allocated port is re-added as
// a fixed, bound port), and the interface's IP identification counter is
// not reset.
func (n *nipElement) reset() error {
	if err := n.iface.RemoveEndpoint(n.ep); err != nil {
		return err
	}
	return n.iface.AddEndpoint(n.ep)
}
