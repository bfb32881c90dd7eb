// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9 step 2: "IP configuration defaults:
// local/remote addresses 169.254.0.2/3 for hub, 169.254.0.4/5 for node;
// MTU 1280."

package stack

import "net/netip"

// Role is which side of a point-to-point link this stack occupies,
// per spec.md §4.9 "role (hub or node)". It picks both the default IP
// configuration and, for a `D` element, whether DTLS takes the client
// or server role.
type Role int

const (
	RoleHub Role = iota
	RoleNode
)

// IPConfig is the `{local-address, remote-address, netmask, ip-mtu}`
// tuple spec.md §6 "IP configuration (published by stack)" names, all
// IPv4.
type IPConfig struct {
	Local   netip.Addr
	Remote  netip.Addr
	Netmask netip.Addr
	MTU     int
}

// DefaultIPConfig returns the fixed-address defaults spec.md §4.9 names
// for role.
func DefaultIPConfig(role Role) IPConfig {
	netmask := netip.MustParseAddr("255.255.255.252")
	if role == RoleHub {
		return IPConfig{
			Local:   netip.MustParseAddr("169.254.0.2"),
			Remote:  netip.MustParseAddr("169.254.0.3"),
			Netmask: netmask,
			MTU:     1280,
		}
	}
	return IPConfig{
		Local:   netip.MustParseAddr("169.254.0.4"),
		Remote:  netip.MustParseAddr("169.254.0.5"),
		Netmask: netmask,
		MTU:     1280,
	}
}
