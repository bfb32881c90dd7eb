// SPDX-License-Identifier: GPL-3.0-or-later

package coap

import (
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal [core.Sink] that records every sent
// datagram, matching the fakeSink pattern used by nip's tests.
type fakeTransport struct {
	sent     [][]byte
	dests    []netip.AddrPort
	listener core.SinkListener
}

func (s *fakeTransport) PutData(buf core.Buffer, md core.Metadata) error {
	s.sent = append(s.sent, append([]byte(nil), buf.Bytes()...))
	if dsa, ok := md.(core.DestinationSocketAddress); ok {
		s.dests = append(s.dests, dsa.Addr)
	} else {
		s.dests = append(s.dests, netip.AddrPort{})
	}
	return nil
}

func (s *fakeTransport) SetListener(l core.SinkListener) { s.listener = l }

func (s *fakeTransport) last() Message {
	msg, err := DecodeMessage(s.sent[len(s.sent)-1])
	if err != nil {
		panic(err)
	}
	return msg
}

func newTestEndpoint(t *testing.T) (*Endpoint, *fakeTransport) {
	t.Helper()
	l := loop.New(16, time.Now(), nil)
	require.NoError(t, l.BindToCurrentThread())
	e := NewEndpoint(l, Config{}, nil, nil)
	tr := &fakeTransport{}
	e.SetDataSink(tr)
	return e, tr
}

func clientAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	return netip.MustParseAddrPort("169.254.0.4:5683")
}

// TestServerGETReturnsPiggybackedAck matches spec.md §8 scenario 1: a
// confirmable GET of a registered resource is answered with a
// piggybacked 2.05 Content ack, and a retransmitted duplicate gets the
// cached response re-sent without invoking the handler again.
func TestServerGETReturnsPiggybackedAck(t *testing.T) {
	e, tr := newTestEndpoint(t)
	calls := 0
	e.RegisterHandler(Registration{
		PathPrefix: "/hello",
		Methods:    MethodGET,
		Handler: func(req Message, _ *Responder) (Message, error) {
			calls++
			var opts OptionSet
			return Message{Code: CodeContent, Options: opts, Payload: []byte("Hello, World")}, nil
		},
	})

	var opts OptionSet
	opts.AddString(OptionUriPath, "hello")
	req := Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 42, Token: []byte{0x01}, Options: opts}
	raw, err := EncodeMessage(req)
	require.NoError(t, err)

	src := clientAddr(t)
	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{Addr: src}))

	require.Len(t, tr.sent, 1)
	resp := tr.last()
	assert.Equal(t, TypeAcknowledgement, resp.Type)
	assert.Equal(t, CodeContent, resp.Code)
	assert.Equal(t, req.MessageID, resp.MessageID)
	assert.Equal(t, req.Token, resp.Token)
	assert.Equal(t, []byte("Hello, World"), resp.Payload)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.dedup.Len())

	// Simulated retransmit of the same request: served from the dedup
	// cache, handler not invoked again.
	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{Addr: src}))
	assert.Equal(t, 1, calls)
	require.Len(t, tr.sent, 2)
	assert.Equal(t, tr.sent[0], tr.sent[1])
}

func TestServerUnknownPathReturnsNotFound(t *testing.T) {
	e, tr := newTestEndpoint(t)

	var opts OptionSet
	opts.AddString(OptionUriPath, "missing")
	req := Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 7, Options: opts}
	raw, err := EncodeMessage(req)
	require.NoError(t, err)

	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{Addr: clientAddr(t)}))
	resp := tr.last()
	assert.Equal(t, CodeNotFound, resp.Code)
}

func TestServerWrongMethodReturnsMethodNotAllowed(t *testing.T) {
	e, tr := newTestEndpoint(t)
	e.RegisterHandler(Registration{
		PathPrefix: "/hello",
		Methods:    MethodGET,
		Handler: func(req Message, _ *Responder) (Message, error) {
			return Message{Code: CodeContent}, nil
		},
	})

	var opts OptionSet
	opts.AddString(OptionUriPath, "hello")
	req := Message{Type: TypeConfirmable, Code: CodePOST, MessageID: 9, Options: opts}
	raw, err := EncodeMessage(req)
	require.NoError(t, err)

	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{Addr: clientAddr(t)}))
	resp := tr.last()
	assert.Equal(t, CodeMethodNotAllowed, resp.Code)
}

func TestServerAsyncHandlerDefersResponse(t *testing.T) {
	e, tr := newTestEndpoint(t)
	var responder *Responder
	e.RegisterHandler(Registration{
		PathPrefix: "/slow",
		Methods:    MethodGET,
		Async:      true,
		Handler: func(req Message, r *Responder) (Message, error) {
			responder = r
			return Message{}, ErrAsyncPending
		},
	})

	var opts OptionSet
	opts.AddString(OptionUriPath, "slow")
	req := Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 11, Token: []byte{0x09}, Options: opts}
	raw, err := EncodeMessage(req)
	require.NoError(t, err)

	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{Addr: clientAddr(t)}))
	ack := tr.last()
	assert.Equal(t, TypeAcknowledgement, ack.Type)
	assert.Equal(t, CodeEmpty, ack.Code)
	require.NotNil(t, responder)

	require.NoError(t, responder.Respond(CodeContent, nil, []byte("done")))
	final := tr.last()
	assert.Equal(t, CodeContent, final.Code)
	assert.Equal(t, []byte("done"), final.Payload)
	assert.Equal(t, req.Token, final.Token)
}

// TestClientRequestRetransmitsAndTimesOut matches spec.md §4.6 "On
// ack-timer expiry, retransmit; after MAX_RETRANSMIT retransmissions,
// fail the request with TIMEOUT."
func TestClientRequestRetransmitsAndTimesOut(t *testing.T) {
	e, tr := newTestEndpoint(t)
	e.cfg.MaxRetransmit = 2

	var gotCode goldengate.Code
	var gotErr error
	listener := &recordingRequestListener{
		onError: func(code goldengate.Code, err error) { gotCode = code; gotErr = err },
	}

	var opts OptionSet
	opts.AddString(OptionUriPath, "hello")
	_, err := e.SendRequest(CodeGET, true, netip.MustParseAddrPort("169.254.0.2:5683"), opts, nil, listener)
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)

	sched := e.loop.GetTimerScheduler()
	for i := 0; i < 3; i++ {
		sched.SetTime(sched.Now().Add(time.Hour))
		sched.Fire()
	}

	assert.Equal(t, goldengate.CodeTimeout, gotCode)
	require.Error(t, gotErr)
	assert.GreaterOrEqual(t, len(tr.sent), 3) // initial + 2 retransmits
}

// TestClientRequestReceivesPiggybackedResponse verifies the ack-carries-
// response path and that the pending request is removed afterward.
func TestClientRequestReceivesPiggybackedResponse(t *testing.T) {
	e, tr := newTestEndpoint(t)

	var gotResp Message
	listener := &recordingRequestListener{
		onResponse: func(resp Message) { gotResp = resp },
	}

	_, err := e.SendRequest(CodeGET, true, netip.MustParseAddrPort("169.254.0.2:5683"), nil, nil, listener)
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)

	sentMsg, err := DecodeMessage(tr.sent[0])
	require.NoError(t, err)

	ack := Message{Type: TypeAcknowledgement, Code: CodeContent, MessageID: sentMsg.MessageID, Token: sentMsg.Token, Payload: []byte("ok")}
	raw, err := EncodeMessage(ack)
	require.NoError(t, err)

	require.NoError(t, e.PutData(core.NewStaticBuffer(raw), core.SourceSocketAddress{}))
	assert.Equal(t, []byte("ok"), gotResp.Payload)
	assert.Empty(t, e.pendingByHandle)
}

type recordingRequestListener struct {
	onResponse func(Message)
	onError    func(goldengate.Code, error)
}

func (r *recordingRequestListener) OnResponse(resp Message) {
	if r.onResponse != nil {
		r.onResponse(resp)
	}
}

func (r *recordingRequestListener) OnError(code goldengate.Code, err error) {
	if r.onError != nil {
		r.onError(code, err)
	}
}
