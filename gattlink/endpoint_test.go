// SPDX-License-Identifier: GPL-3.0-or-later

package gattlink

import (
	"math/rand"
	"testing"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink is a [core.Sink] that appends every byte slice it
// receives, optionally refusing writes until unblocked.
type recordingSink struct {
	data     []byte
	blocked  bool
	listener core.SinkListener
}

func (s *recordingSink) PutData(buf core.Buffer, _ core.Metadata) error {
	if s.blocked {
		return goldengate.ErrWouldBlock
	}
	s.data = append(s.data, buf.Bytes()...)
	return nil
}

func (s *recordingSink) SetListener(l core.SinkListener) { s.listener = l }

// lossyLink forwards PutData calls to target, silently dropping a
// fraction of them instead of returning an error, simulating an
// unreliable bytewise transport rather than a backpressured one.
type lossyLink struct {
	target   core.Sink
	rng      *rand.Rand
	dropRate float64
	dropped  int
	sent     int
}

func (l *lossyLink) PutData(buf core.Buffer, md core.Metadata) error {
	l.sent++
	if l.rng.Float64() < l.dropRate {
		l.dropped++
		return nil
	}
	return l.target.PutData(buf, md)
}

func (l *lossyLink) SetListener(core.SinkListener) {}

// countingEvents counts the session lifecycle events an [*Endpoint]
// reports.
type countingEvents struct{ readies, resets int }

func (c *countingEvents) OnSessionReady() { c.readies++ }
func (c *countingEvents) OnSessionReset() { c.resets++ }

func newLinkedEndpoints(t *testing.T, scheduler *loop.TimerScheduler, cfg Config) (a, b *Endpoint) {
	t.Helper()
	a = NewEndpoint(scheduler, cfg, nil)
	b = NewEndpoint(scheduler, cfg, nil)
	a.Bottom().SetDataSink(directSink{b})
	b.Bottom().SetDataSink(directSink{a})
	return a, b
}

// directSink forwards straight into an [*Endpoint]'s transport-facing
// port, used where a test doesn't need packet loss.
type directSink struct{ e *Endpoint }

func (d directSink) PutData(buf core.Buffer, md core.Metadata) error {
	return d.e.Bottom().PutData(buf, md)
}
func (d directSink) SetListener(core.SinkListener) {}

// singleDropSink forwards to target, silently dropping exactly one
// outbound data-bearing packet the first time it sees one.
type singleDropSink struct {
	target *Endpoint
	drop   *bool
}

func (s *singleDropSink) PutData(buf core.Buffer, md core.Metadata) error {
	data := buf.Bytes()
	if *s.drop && len(data) > 1 && decodeHeader(data[0]).dataPresent {
		*s.drop = false
		return nil
	}
	return s.target.Bottom().PutData(buf, md)
}

func (s *singleDropSink) SetListener(core.SinkListener) {}

func advanceScheduler(scheduler *loop.TimerScheduler, total, step time.Duration) {
	deadline := scheduler.Now().Add(total)
	for scheduler.Now().Before(deadline) {
		scheduler.SetTime(scheduler.Now().Add(step))
		scheduler.Fire()
	}
}

func TestPacketHeaderRoundTrip(t *testing.T) {
	cases := []header{
		{dataPresent: true, seq: 17},
		{ackPresent: true, seq: 3},
		{reset: true, seq: protocolVersion},
		{ackPresent: true, dataPresent: true, seq: 31},
	}
	for _, h := range cases {
		got := decodeHeader(encodeHeader(h))
		assert.Equal(t, h, got)
	}
}

func TestSeqForwardWrapsModulo32(t *testing.T) {
	assert.Equal(t, byte(1), seqForward(31, 0))
	assert.Equal(t, byte(0), seqForward(5, 5))
	assert.Equal(t, byte(31), seqForward(0, 31))
}

func TestSessionHandshakeReachesReadyAndFiresEvent(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	a, b := newLinkedEndpoints(t, scheduler, Config{})

	var eventsA, eventsB countingEvents
	a.SetEventListener(&eventsA)
	b.SetEventListener(&eventsB)

	a.Start()
	b.Start()
	advanceScheduler(scheduler, time.Second, time.Millisecond)

	assert.Equal(t, stateReady, a.state)
	assert.Equal(t, stateReady, b.state)
	assert.Equal(t, 1, eventsA.readies)
	assert.Equal(t, 1, eventsB.readies)
}

func TestReliableInOrderDeliveryNoLoss(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	a, b := newLinkedEndpoints(t, scheduler, Config{MaxFragmentSize: 6, TxWindow: 4, RxWindow: 4})

	sinkB := &recordingSink{}
	b.Top().SetDataSink(sinkB)

	a.Start()
	b.Start()
	advanceScheduler(scheduler, time.Second, time.Millisecond)

	payload := []byte("hello gattlink world")
	require.NoError(t, a.Top().PutData(core.NewStaticBuffer(payload), nil))

	advanceScheduler(scheduler, 5*time.Second, time.Millisecond)

	assert.Equal(t, payload, sinkB.data)
}

func TestPutUserDataBlocksWhenOutputBufferFull(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	e := NewEndpoint(scheduler, Config{OutputBufferSize: 4}, nil)
	// no transport attached: pump() can never drain outputBuffer, so the
	// second write must observe the buffer still full.
	require.NoError(t, e.Top().PutData(core.NewStaticBuffer([]byte("ab")), nil))
	err := e.Top().PutData(core.NewStaticBuffer([]byte("abcdef")), nil)
	require.Error(t, err)
}

func TestWindowFullStopsTransmissionUntilAck(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	a, b := newLinkedEndpoints(t, scheduler, Config{MaxFragmentSize: 2, TxWindow: 2, RxWindow: 2})

	sinkB := &recordingSink{}
	b.Top().SetDataSink(sinkB)

	a.Start()
	b.Start()
	advanceScheduler(scheduler, time.Second, time.Millisecond)

	// MaxFragmentSize 2 leaves a 1-byte payload per packet; the five
	// bytes plus their 1-byte length prefix need six packets, but
	// TxWindow 2 admits only two in flight at a time, so delivery must still complete once acks unblock the rest.
	require.NoError(t, a.Top().PutData(core.NewStaticBuffer([]byte("abcde")), nil))
	advanceScheduler(scheduler, 2*time.Second, time.Millisecond)

	assert.Equal(t, []byte("abcde"), sinkB.data)
}

func TestRetransmitAfterSingleDrop(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	cfg := Config{MaxFragmentSize: 10, TxWindow: 4, RxWindow: 4, RetransmitDelay: 100 * time.Millisecond}
	a := NewEndpoint(scheduler, cfg, nil)
	b := NewEndpoint(scheduler, cfg, nil)

	dropNext := true
	aToB := &singleDropSink{target: b, drop: &dropNext}
	a.Bottom().SetDataSink(aToB)
	b.Bottom().SetDataSink(directSink{a})

	sinkB := &recordingSink{}
	b.Top().SetDataSink(sinkB)

	a.Start()
	b.Start()
	advanceScheduler(scheduler, time.Second, time.Millisecond)

	require.NoError(t, a.Top().PutData(core.NewStaticBuffer([]byte("retry me")), nil))
	advanceScheduler(scheduler, 2*time.Second, time.Millisecond)

	assert.Equal(t, []byte("retry me"), sinkB.data)
	assert.False(t, dropNext, "the dropped packet's retransmission should have consumed the flag")
}

// TestSurvives20PercentPacketLoss matches spec.md §8 scenario 4: two
// endpoints with window 4 and MTU 10 exchange 100 bytes each over a
// link dropping roughly 20% of packets in each direction; both
// receivers must see the full payload in order, and link loss alone
// must never trip a session reset.
func TestSurvives20PercentPacketLoss(t *testing.T) {
	scheduler := loop.NewTimerScheduler(time.Unix(0, 0))
	cfg := Config{MaxFragmentSize: 10, TxWindow: 4, RxWindow: 4, OutputBufferSize: 4096}
	a := NewEndpoint(scheduler, cfg, nil)
	b := NewEndpoint(scheduler, cfg, nil)

	linkAB := &lossyLink{target: directSink{b}, rng: rand.New(rand.NewSource(1)), dropRate: 0.2}
	linkBA := &lossyLink{target: directSink{a}, rng: rand.New(rand.NewSource(2)), dropRate: 0.2}
	a.Bottom().SetDataSink(linkAB)
	b.Bottom().SetDataSink(linkBA)

	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	a.Top().SetDataSink(sinkA)
	b.Top().SetDataSink(sinkB)

	var eventsA, eventsB countingEvents
	a.SetEventListener(&eventsA)
	b.SetEventListener(&eventsB)

	a.Start()
	b.Start()
	advanceScheduler(scheduler, 2*time.Second, time.Millisecond)
	require.Equal(t, stateReady, a.state)
	require.Equal(t, stateReady, b.state)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.Top().PutData(core.NewStaticBuffer(payload), nil))
	require.NoError(t, b.Top().PutData(core.NewStaticBuffer(payload), nil))

	advanceScheduler(scheduler, 60*time.Second, time.Millisecond)

	assert.Equal(t, payload, sinkB.data)
	assert.Equal(t, payload, sinkA.data)
	assert.Zero(t, eventsA.resets, "link loss alone must never trigger a session reset")
	assert.Zero(t, eventsB.resets, "link loss alone must never trigger a session reset")
	t.Logf("a->b dropped %d/%d, b->a dropped %d/%d", linkAB.dropped, linkAB.sent, linkBA.dropped, linkBA.sent)
}
