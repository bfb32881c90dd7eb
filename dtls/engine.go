// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on bassosimone-nop/tls.go's TLSEngine/TLSConn abstraction
// (swap the concrete implementation behind an interface so tests can
// fake it) and spec.md §4.5 "DTLS Adapter": "Wraps a DTLS library
// (pluggable) behind the same source/sink interface used by the rest
// of the pipeline." The concrete engine wraps github.com/pion/dtls/v3,
// the library other_examples/manifests/1ureka-roj1 pulls in for the
// same purpose; the spec explicitly delegates DTLS cryptographic
// primitives to "an existing TLS library" (§1 Out of scope).

package dtls

import (
	"context"
	"net"

	piondtls "github.com/pion/dtls/v3"
)

// Role distinguishes a client-role [Endpoint] from a server-role one,
// fixed at construction per spec.md §4.5 "Role".
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// CipherSuite is one of the fixed closed set of PSK-based cipher suites
// spec.md §4.5 allows.
type CipherSuite int

const (
	CipherSuitePSKWithAES128CCM CipherSuite = iota + 1
	CipherSuitePSKWithAES128CCM8
	CipherSuitePSKWithAES128GCMSHA256
	CipherSuiteECDHEPSKWithAES128CBCSHA256
	CipherSuiteECDHEPSKWithAES256CBCSHA
)

// pion maps a [CipherSuite] to its pion/dtls identifier. Zero means
// unrecognized; callers filter those out rather than pass them through.
func (c CipherSuite) pion() piondtls.CipherSuiteID {
	switch c {
	case CipherSuitePSKWithAES128CCM:
		return piondtls.TLS_PSK_WITH_AES_128_CCM
	case CipherSuitePSKWithAES128CCM8:
		return piondtls.TLS_PSK_WITH_AES_128_CCM_8
	case CipherSuitePSKWithAES128GCMSHA256:
		return piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256
	case CipherSuiteECDHEPSKWithAES128CBCSHA256:
		return piondtls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256
	case CipherSuiteECDHEPSKWithAES256CBCSHA:
		return piondtls.TLS_ECDHE_PSK_WITH_AES_256_CBC_SHA
	default:
		return 0
	}
}

// DTLSConn abstracts over [*piondtls.Conn], mirroring
// bassosimone-nop/tls.go's TLSConn abstraction over *tls.Conn.
type DTLSConn interface {
	net.Conn

	// ConnectionState returns the negotiated session state.
	ConnectionState() piondtls.State

	// HandshakeContext performs the handshake unless interrupted by ctx.
	HandshakeContext(ctx context.Context) error
}

// DTLSEngine builds a [DTLSConn] for either role, per spec.md §4.5. Tests
// substitute a hand-written function-field fake so a handshake's outcome
// can be scripted without a real UDP pair.
type DTLSEngine interface {
	// Client builds a client-role [DTLSConn] over conn.
	Client(conn net.Conn, config *piondtls.Config) (DTLSConn, error)

	// Server builds a server-role [DTLSConn] over conn.
	Server(conn net.Conn, config *piondtls.Config) (DTLSConn, error)

	// Name returns the engine name, for structured logging.
	Name() string
}

// PionEngine implements [DTLSEngine] using github.com/pion/dtls/v3.
//
// The zero value is ready to use.
type PionEngine struct{}

var _ DTLSEngine = PionEngine{}

// Client implements [DTLSEngine].
func (PionEngine) Client(conn net.Conn, config *piondtls.Config) (DTLSConn, error) {
	return piondtls.Client(conn, config)
}

// Server implements [DTLSEngine].
func (PionEngine) Server(conn net.Conn, config *piondtls.Config) (DTLSConn, error) {
	return piondtls.Server(conn, config)
}

// Name implements [DTLSEngine].
func (PionEngine) Name() string { return "pion" }
