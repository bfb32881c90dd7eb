// SPDX-License-Identifier: GPL-3.0-or-later

package dtls

import (
	"context"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"
)

// funcDTLSConn is a function-field stub implementing [DTLSConn], in the
// same spirit as tlsstub.FuncTLSConn, but tlsstub's generic engine is
// fixed to *tls.Config and can't stand in for piondtls.Config here.
type funcDTLSConn struct {
	ReadFunc             func([]byte) (int, error)
	WriteFunc            func([]byte) (int, error)
	CloseFunc            func() error
	HandshakeContextFunc func(ctx context.Context) error
	ConnectionStateFunc  func() piondtls.State

	mu      sync.Mutex
	written [][]byte
}

var _ DTLSConn = (*funcDTLSConn)(nil)

func (c *funcDTLSConn) Read(b []byte) (int, error) { return c.ReadFunc(b) }

func (c *funcDTLSConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), b...))
	c.mu.Unlock()
	return c.WriteFunc(b)
}

func (c *funcDTLSConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *funcDTLSConn) Close() error {
	if c.CloseFunc != nil {
		return c.CloseFunc()
	}
	return nil
}

func (c *funcDTLSConn) LocalAddr() net.Addr                { return dtlsAddr("fake-local") }
func (c *funcDTLSConn) RemoteAddr() net.Addr               { return dtlsAddr("fake-remote") }
func (c *funcDTLSConn) SetDeadline(deadline time.Time) error      { return nil }
func (c *funcDTLSConn) SetReadDeadline(deadline time.Time) error  { return nil }
func (c *funcDTLSConn) SetWriteDeadline(deadline time.Time) error { return nil }

func (c *funcDTLSConn) HandshakeContext(ctx context.Context) error {
	return c.HandshakeContextFunc(ctx)
}

func (c *funcDTLSConn) ConnectionState() piondtls.State { return c.ConnectionStateFunc() }

// funcDTLSEngine is a function-field stub implementing [DTLSEngine].
type funcDTLSEngine struct {
	ClientFunc func(conn net.Conn, config *piondtls.Config) (DTLSConn, error)
	ServerFunc func(conn net.Conn, config *piondtls.Config) (DTLSConn, error)
}

var _ DTLSEngine = funcDTLSEngine{}

func (e funcDTLSEngine) Client(conn net.Conn, config *piondtls.Config) (DTLSConn, error) {
	return e.ClientFunc(conn, config)
}

func (e funcDTLSEngine) Server(conn net.Conn, config *piondtls.Config) (DTLSConn, error) {
	return e.ServerFunc(conn, config)
}

func (e funcDTLSEngine) Name() string { return "fake" }
