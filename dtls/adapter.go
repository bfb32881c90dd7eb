// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.1 "Proxies" (the loop/proxy.go DataSinkProxy
// this adapter's write side reuses verbatim) and spec.md §4.5's
// requirement that DTLS wrap "a DTLS library (pluggable)" whose API
// expects a blocking net.Conn, not the push-style core.Sink/Source
// pair the rest of the pipeline speaks. packetConnAdapter is the
// bridge: pion drives it from its own handshake/read goroutine, and
// every byte it writes crosses back onto the loop thread through the
// same cross-thread proxy [loop.Loop]'s I/O already uses.

package dtls

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
)

const inboundQueueDepth = 32

// dtlsAddr is a trivial [net.Addr]: the adapter has no real socket
// address, since the actual transport address lives several layers
// below in the pipeline (Nip, Gattlink, or whatever sits under Bottom).
type dtlsAddr string

func (a dtlsAddr) Network() string { return "dtls" }
func (a dtlsAddr) String() string  { return string(a) }

// packetConnAdapter implements [net.Conn] over a Golden Gate transport
// sink/source pair, so a [DTLSEngine] can drive a handshake and session
// using pion's blocking Read/Write API. Outbound bytes are written
// through a [*loop.DataSinkProxy] wrapping the endpoint's transport-side
// sink, safe to call from any goroutine, including the loop thread
// itself. Inbound bytes arrive via [packetConnAdapter.deliver], called
// only from the loop thread by the endpoint's bottom port.
type packetConnAdapter struct {
	outbound *loop.DataSinkProxy

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu                           sync.Mutex
	readDeadline, writeDeadline time.Time
}

var _ net.Conn = (*packetConnAdapter)(nil)

func newPacketConnAdapter(outbound *loop.DataSinkProxy) *packetConnAdapter {
	return &packetConnAdapter{
		outbound: outbound,
		inbound:  make(chan []byte, inboundQueueDepth),
		closed:   make(chan struct{}),
	}
}

// deliver queues ciphertext received from below for the next Read. It
// never blocks: a full queue reports [goldengate.ErrWouldBlock] to the
// caller, matching every other transport-facing port's PutData contract.
func (a *packetConnAdapter) deliver(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case a.inbound <- cp:
		return nil
	default:
		return goldengate.ErrWouldBlock
	}
}

func (a *packetConnAdapter) Read(b []byte) (int, error) {
	var timeoutCh <-chan time.Time
	a.mu.Lock()
	deadline := a.readDeadline
	a.mu.Unlock()
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case data, ok := <-a.inbound:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, data), nil
	case <-timeoutCh:
		return 0, os.ErrDeadlineExceeded
	case <-a.closed:
		return 0, io.EOF
	}
}

// Write hands b to the outbound proxy. A full proxy queue is treated as
// a dropped packet rather than a write failure: the layers under DTLS
// are themselves unreliable transports by design (spec.md §1), so
// silently dropping under transient backpressure matches ordinary UDP
// sendto() behavior rather than aborting the handshake or session.
func (a *packetConnAdapter) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	if err := a.outbound.PutData(core.NewDynamicBufferFromBytes(cp), nil); err != nil && !errors.Is(err, goldengate.ErrWouldBlock) {
		return 0, err
	}
	return len(b), nil
}

func (a *packetConnAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *packetConnAdapter) LocalAddr() net.Addr  { return dtlsAddr("dtls-local") }
func (a *packetConnAdapter) RemoteAddr() net.Addr { return dtlsAddr("dtls-remote") }

func (a *packetConnAdapter) SetDeadline(t time.Time) error {
	a.mu.Lock()
	a.readDeadline, a.writeDeadline = t, t
	a.mu.Unlock()
	return nil
}

func (a *packetConnAdapter) SetReadDeadline(t time.Time) error {
	a.mu.Lock()
	a.readDeadline = t
	a.mu.Unlock()
	return nil
}

func (a *packetConnAdapter) SetWriteDeadline(t time.Time) error {
	a.mu.Lock()
	a.writeDeadline = t
	a.mu.Unlock()
	return nil
}
