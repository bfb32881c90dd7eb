// SPDX-License-Identifier: GPL-3.0-or-later

package core

import (
	"net/netip"
)

// Metadata is a tagged discriminator optionally accompanying a buffer
// across a PutData call.
//
// Golden Gate models metadata as a closed sum of variants, keyed by a
// 4-character type tag, rather than an open type hierarchy: the
// specification's extensibility is not exercised (spec.md §9, Design Note
// "Metadata base-plus-variants").
type Metadata interface {
	// Type returns the 4-character type tag identifying the variant.
	Type() [4]byte

	// Clone returns a byte-copy of this metadata. Metadata lifetimes do
	// not extend past the PutData call unless the receiver clones.
	Clone() Metadata
}

// SourceSocketAddressType is the 4-character tag for [SourceSocketAddress].
var SourceSocketAddressType = [4]byte{'s', 'r', 'c', 'a'}

// DestinationSocketAddressType is the 4-character tag for
// [DestinationSocketAddress].
var DestinationSocketAddressType = [4]byte{'d', 's', 't', 'a'}

// SourceSocketAddress carries the sender's address for a received
// datagram.
type SourceSocketAddress struct {
	Addr netip.AddrPort
}

func (SourceSocketAddress) Type() [4]byte { return SourceSocketAddressType }

func (m SourceSocketAddress) Clone() Metadata { return SourceSocketAddress{Addr: m.Addr} }

// DestinationSocketAddress carries the intended recipient for an outbound
// datagram.
type DestinationSocketAddress struct {
	Addr netip.AddrPort
}

func (DestinationSocketAddress) Type() [4]byte { return DestinationSocketAddressType }

func (m DestinationSocketAddress) Clone() Metadata {
	return DestinationSocketAddress{Addr: m.Addr}
}
