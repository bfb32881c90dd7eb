// SPDX-License-Identifier: GPL-3.0-or-later

package goldengate

import (
	"net"
	"testing"
	"time"

	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
	"github.com/stretchr/testify/require"
)

// recordingSink is a [core.Sink] that appends every buffer it receives.
type recordingSink struct{ bufs [][]byte }

func (s *recordingSink) PutData(buf core.Buffer, _ core.Metadata) error {
	s.bufs = append(s.bufs, append([]byte(nil), buf.Bytes()...))
	return nil
}

func (s *recordingSink) SetListener(core.SinkListener) {}

func TestUDPTransportWritesToConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	l := loop.New(16, time.Now(), nil)
	require.NoError(t, l.BindToCurrentThread())

	tr := NewUDPTransport(l, client, nil)
	defer tr.Close()

	readErr := make(chan error, 1)
	readBuf := make([]byte, 16)
	var n int
	go func() {
		var err error
		n, err = server.Read(readBuf)
		readErr <- err
	}()

	require.NoError(t, tr.PutData(core.NewStaticBuffer([]byte("hello")), nil))
	require.NoError(t, <-readErr)
	require.Equal(t, "hello", string(readBuf[:n]))
}

func TestUDPTransportDeliversInboundData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	l := loop.New(16, time.Now(), nil)
	require.NoError(t, l.BindToCurrentThread())

	tr := NewUDPTransport(l, server, nil)
	defer tr.Close()

	sink := &recordingSink{}
	tr.SetDataSink(sink)

	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte("world"))
		writeErr <- err
	}()
	require.NoError(t, <-writeErr)

	require.Eventually(t, func() bool {
		if _, err := l.DoWork(10 * time.Millisecond); err != nil {
			return false
		}
		return len(sink.bufs) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "world", string(sink.bufs[0]))
}
