// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9 "Stack Builder": "Parses a descriptor string
// whose characters encode element types in top-to-bottom order: G
// (Gattlink), N (network interface / Nano-IP), S (datagram socket), D
// (DTLS client/server, chosen by role argument), A (activity monitor)."

package stack

import (
	"fmt"

	"github.com/bassosimone/goldengate"
)

// ElementKind identifies one position in a stack descriptor.
type ElementKind byte

const (
	ElementGattlink ElementKind = 'G'
	ElementNip      ElementKind = 'N'
	ElementSocket   ElementKind = 'S'
	ElementDTLS     ElementKind = 'D'
	ElementActivity ElementKind = 'A'
)

func (k ElementKind) String() string {
	switch k {
	case ElementGattlink:
		return "gattlink"
	case ElementNip:
		return "nip"
	case ElementSocket:
		return "socket"
	case ElementDTLS:
		return "dtls"
	case ElementActivity:
		return "activity"
	default:
		return fmt.Sprintf("unknown(%c)", byte(k))
	}
}

func (k ElementKind) valid() bool {
	switch k {
	case ElementGattlink, ElementNip, ElementSocket, ElementDTLS, ElementActivity:
		return true
	default:
		return false
	}
}

// ParseDescriptor validates desc and returns its elements top-to-bottom,
// per spec.md §4.9 step 1: "Validates: no duplicates; every type
// recognized; required parameters present." (parameter presence is
// checked separately, once each element's options are decoded).
func ParseDescriptor(desc string) ([]ElementKind, error) {
	if desc == "" {
		return nil, goldengate.NewError(goldengate.CodeInvalidParameters, "stack: empty descriptor", nil)
	}
	seen := make(map[ElementKind]bool, len(desc))
	kinds := make([]ElementKind, 0, len(desc))
	for _, r := range desc {
		k := ElementKind(r)
		if !k.valid() {
			return nil, goldengate.NewError(goldengate.CodeInvalidParameters,
				fmt.Sprintf("stack: unrecognized descriptor character %q", r), nil)
		}
		if seen[k] {
			return nil, goldengate.NewError(goldengate.CodeInvalidParameters,
				fmt.Sprintf("stack: duplicate element %s in descriptor", k), nil)
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}
