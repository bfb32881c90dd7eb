// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on dtls/adapter.go's packetConnAdapter, which bridges a
// Golden Gate transport sink/source pair onto a blocking net.Conn for a
// pluggable DTLS library to drive; udpTransport bridges in the other
// direction, turning a real net.Conn dialed by [ConnectFunc] into the
// [core.Element] the Stack Builder's "S" (datagram socket) element
// wires into the bottom of a stack.

package goldengate

import (
	"net"
	"net/netip"

	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
)

// TransportPipeline composes [NewConnectFunc], [NewCancelWatchFunc], and
// [NewObserveConnFunc] into the dial used to establish the Stack
// Builder's "S" (datagram socket) element when a real UDP socket, not a
// GATT characteristic pair, backs the bottom of a stack: dial, arrange
// for the dialed connection to close when the caller's context is
// cancelled, then wrap it for structured I/O logging.
func TransportPipeline(cfg *Config, network string, logger SLogger) Func[netip.AddrPort, net.Conn] {
	return Compose3(
		NewConnectFunc(cfg, network, logger),
		NewCancelWatchFunc(),
		NewObserveConnFunc(cfg, logger),
	)
}

const transportReadBufferSize = 2048

// NewUDPTransport adapts conn, a connection established via
// [TransportPipeline], into a [core.Element]: PutData writes to conn,
// and a background goroutine reads from conn and delivers each datagram
// to whatever sink is attached via SetDataSink, crossing back onto l's
// loop thread with [loop.InvokeAsync] exactly as packetConnAdapter's
// read side crosses in the opposite direction in dtls/adapter.go.
//
// The returned element owns conn: closing the element closes conn and
// stops the read pump.
func NewUDPTransport(l *loop.Loop, conn net.Conn, logger SLogger) *udpTransport {
	if logger == nil {
		logger = DefaultSLogger()
	}
	t := &udpTransport{l: l, conn: conn, logger: logger, done: make(chan struct{})}
	go t.readPump()
	return t
}

type udpTransport struct {
	l      *loop.Loop
	conn   net.Conn
	logger SLogger
	sink   core.Sink
	done   chan struct{}
}

var _ core.Element = (*udpTransport)(nil)

func (t *udpTransport) SetDataSink(sink core.Sink) { t.sink = sink }

func (t *udpTransport) SetListener(core.SinkListener) {}

// PutData writes buf to the underlying connection. Like ordinary UDP
// sendto(), this never blocks on delivery.
func (t *udpTransport) PutData(buf core.Buffer, _ core.Metadata) error {
	_, err := t.conn.Write(buf.Bytes())
	return err
}

// Close stops the read pump and closes the underlying connection.
func (t *udpTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}

func (t *udpTransport) readPump() {
	buf := make([]byte, transportReadBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if postErr := loop.InvokeAsync(t.l, t.deliver, data, 0); postErr != nil {
				t.logger.Info("transport: dropping inbound datagram", "err", postErr)
			}
		}
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Info("transport: read pump stopping", "err", err)
			}
			return
		}
	}
}

// deliver runs on the loop thread and hands data to the attached sink,
// if any.
func (t *udpTransport) deliver(data []byte) {
	if t.sink == nil {
		return
	}
	_ = t.sink.PutData(core.NewDynamicBufferFromBytes(data), nil)
}
