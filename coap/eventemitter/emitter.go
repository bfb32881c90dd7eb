// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.8 "CoAP Event Emitter": "An owner sets an event
// with an identifier (32-bit tag) and a maximum latency in milliseconds.
// The emitter guarantees that every set event is eventually delivered to
// the peer at the configured resource path unless (a) it is unset before
// transmission, or (b) the peer returns a 4.xx response (fatal, event is
// cleared)." Batching and the single-flight rule are grounded on the same
// section's "Batching" and "Bounds" paragraphs; the batch-accumulation
// mechanics are grounded on joeycumines-go-utilpkg/microbatch.Batcher,
// reduced here to single-job batches (MaxSize: 1) so every flush happens
// on the loop's own schedule rather than microbatch's wall-clock flush
// timer. Crossing from the batcher's background goroutine back onto the
// loop thread follows the dtls package's packetConnAdapter precedent.

package eventemitter

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/coap"
	"github.com/bassosimone/goldengate/loop"
	"github.com/joeycumines/go-microbatch"
	"google.golang.org/protobuf/encoding/protowire"
)

// tagFieldNumber is the protobuf field number event tags are packed
// under, per spec.md §4.8 "Batching": "a repeated protobuf field #1
// (varint)".
const tagFieldNumber = 1

// Config configures an [Emitter].
type Config struct {
	// Capacity bounds the number of distinct tags the emitter tracks at
	// once (waiting + in flight). Zero defaults to 16.
	Capacity int
	// Path is the resource path POSTed to on flush (no leading slash).
	Path string
	// RetryDelay is how long the emitter waits before re-flushing tags
	// left set by a 5.xx response or a transport-level error.
	RetryDelay time.Duration
	// MinRequestAge is a floor, measured from the start of the in-flight
	// batch, on when the flush timer is rearmed for a newly-set event
	// while a batch is in flight. No batch is submitted while another is
	// in flight and an in-flight request is never cancelled, so the next
	// batch still waits for the current one's outcome.
	MinRequestAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 16
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MinRequestAge <= 0 {
		c.MinRequestAge = 100 * time.Millisecond
	}
	return c
}

// Emitter batches 32-bit event tags into CoAP POST requests against a
// single resource, per spec.md §4.8. Every exported method must be
// called from the loop thread that owns ep; [Set] and [Unset] are not
// safe to call from any other goroutine.
type Emitter struct {
	loop   *loop.Loop
	ep     *coap.Endpoint
	dest   netip.AddrPort
	cfg    Config
	logger goldengate.SLogger

	waiting       map[uint32]time.Time // tag -> deadline, not yet submitted
	inflight      map[uint32]struct{}  // tag -> submitted, awaiting outcome
	inFlightSince time.Time
	flushTimer    *loop.Timer

	batcher *microbatch.Batcher[[]uint32]
}

// NewEmitter returns an emitter that flushes batches of tags to dest via
// ep, at cfg.Path.
func NewEmitter(l *loop.Loop, ep *coap.Endpoint, dest netip.AddrPort, cfg Config, logger goldengate.SLogger) *Emitter {
	if logger == nil {
		logger = goldengate.DefaultSLogger()
	}
	e := &Emitter{
		loop:     l,
		ep:       ep,
		dest:     dest,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		waiting:  make(map[uint32]time.Time),
		inflight: make(map[uint32]struct{}),
	}
	// MaxSize 1 makes every Submit flush its single job on the spot,
	// rather than waiting on microbatch's own wall-clock FlushInterval;
	// the loop's own timer (rescheduleFlushTimer) is what decides when a
	// flush is due. MaxConcurrency 1 mirrors spec.md's "only one request
	// may be in flight at a time", though it is not load-bearing here:
	// onFlushTimerFire already refuses to submit a second batch while one
	// is in flight, so MaxConcurrency is redundant defense in depth.
	e.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        1,
		MaxConcurrency: 1,
	}, e.processBatch)
	return e
}

// Set arms tag for delivery within maxLatency. A tag already set is
// coalesced, keeping the tighter of the two deadlines, per spec.md §4.8
// "Events set while an identical event is already set are coalesced". A
// tag already in flight is treated as satisfied by that flight and left
// alone: Golden Gate tracks events by tag identity, not by instance.
func (e *Emitter) Set(tag uint32, maxLatency time.Duration) error {
	if _, ok := e.inflight[tag]; ok {
		return nil
	}
	now := e.loop.GetTimerScheduler().Now()
	deadline := now.Add(maxLatency)
	if existing, ok := e.waiting[tag]; ok {
		if deadline.Before(existing) {
			e.waiting[tag] = deadline
		}
	} else {
		if len(e.waiting)+len(e.inflight) >= e.cfg.Capacity {
			return goldengate.NewError(goldengate.CodeOutOfResources, "eventemitter: at capacity", nil)
		}
		e.waiting[tag] = deadline
	}
	e.rescheduleFlushTimer()
	return nil
}

// Unset cancels tag if it has not yet been transmitted, per spec.md
// §4.8 "(a) it is unset before transmission". A tag already in flight is
// unaffected: its outcome is handled by the pending request's response.
func (e *Emitter) Unset(tag uint32) {
	delete(e.waiting, tag)
}

// rescheduleFlushTimer arms or re-arms the single timer that drives
// onFlushTimerFire, at the nearest waiting deadline, pushed back (if a
// batch is currently in flight) to no earlier than
// inFlightSince+MinRequestAge.
func (e *Emitter) rescheduleFlushTimer() {
	if len(e.waiting) == 0 {
		return
	}
	sched := e.loop.GetTimerScheduler()
	now := sched.Now()

	earliest := now
	first := true
	for _, deadline := range e.waiting {
		if first || deadline.Before(earliest) {
			earliest = deadline
			first = false
		}
	}
	if len(e.inflight) > 0 {
		floor := e.inFlightSince.Add(e.cfg.MinRequestAge)
		if floor.After(earliest) {
			earliest = floor
		}
	}

	delay := earliest.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if e.flushTimer != nil {
		e.flushTimer.Cancel()
	}
	e.flushTimer = sched.Schedule(delay, e.onFlushTimerFire)
}

// onFlushTimerFire runs on the loop thread when the earliest armed
// deadline elapses. If a batch is already in flight it defers (the
// timer will be rearmed once that batch's outcome arrives); otherwise it
// moves every currently-waiting tag into flight and submits them as one
// batch.
func (e *Emitter) onFlushTimerFire() {
	if len(e.inflight) > 0 || len(e.waiting) == 0 {
		return
	}
	tags := make([]uint32, 0, len(e.waiting))
	for tag := range e.waiting {
		tags = append(tags, tag)
		e.inflight[tag] = struct{}{}
		delete(e.waiting, tag)
	}
	e.inFlightSince = e.loop.GetTimerScheduler().Now()

	if _, err := e.batcher.Submit(context.Background(), tags); err != nil {
		e.logger.Info("eventemitter: submit failed", "error", err)
		e.requeue(tags)
	}
}

// processBatch is go-microbatch's [microbatch.BatchProcessor]; it runs
// on a goroutine the batcher owns, never the loop thread. It only
// crosses back onto the loop thread (via [loop.InvokeAsync]) and returns
// immediately: actually driving the CoAP exchange happens on the loop
// thread in onBatchReady, since [*coap.Endpoint.SendRequest] is not
// thread-safe.
func (e *Emitter) processBatch(_ context.Context, jobs [][]uint32) error {
	var tags []uint32
	for _, job := range jobs {
		tags = append(tags, job...)
	}
	return loop.InvokeAsync(e.loop, e.onBatchReady, tags, e.cfg.RetryDelay)
}

// onBatchReady runs on the loop thread and actually sends the POST. It
// filters tags down to those still in flight, in case Unset happened to
// race with Submit for a tag that was already cleared by a prior
// onFlushTimerFire iteration (it cannot remove an in-flight tag, but
// defends against tags slipping through a future refactor).
func (e *Emitter) onBatchReady(tags []uint32) {
	live := tags[:0]
	for _, tag := range tags {
		if _, ok := e.inflight[tag]; ok {
			live = append(live, tag)
		}
	}
	if len(live) == 0 {
		return
	}

	var opts coap.OptionSet
	opts.AddString(coap.OptionUriPath, e.cfg.Path)

	_, err := e.ep.SendRequest(coap.CodePOST, true, e.dest, opts, encodeTags(live), &emitterListener{e: e, tags: append([]uint32(nil), live...)})
	if err != nil {
		e.logger.Info("eventemitter: send failed", "error", err)
		e.requeue(live)
	}
}

// requeue moves tags back from in-flight to waiting, with a retry
// deadline, and rearms the flush timer.
func (e *Emitter) requeue(tags []uint32) {
	deadline := e.loop.GetTimerScheduler().Now().Add(e.cfg.RetryDelay)
	for _, tag := range tags {
		delete(e.inflight, tag)
		if existing, ok := e.waiting[tag]; !ok || deadline.Before(existing) {
			e.waiting[tag] = deadline
		}
	}
	e.rescheduleFlushTimer()
}

// clear removes tags from in-flight with no retry: the batch succeeded,
// or the peer rejected it permanently.
func (e *Emitter) clear(tags []uint32) {
	for _, tag := range tags {
		delete(e.inflight, tag)
	}
	if len(e.waiting) > 0 {
		e.rescheduleFlushTimer()
	}
}

// emitterListener implements [coap.RequestListener] for one in-flight
// batch.
type emitterListener struct {
	e    *Emitter
	tags []uint32
}

func (l *emitterListener) OnResponse(resp coap.Message) {
	switch {
	case resp.Code.IsSuccess():
		l.e.clear(l.tags)
	case resp.Code.IsClientError():
		l.e.logger.Info("eventemitter: peer rejected batch, clearing", "code", resp.Code.String())
		l.e.clear(l.tags)
	default:
		l.e.requeue(l.tags)
	}
}

func (l *emitterListener) OnError(code goldengate.Code, err error) {
	l.e.logger.Info("eventemitter: request failed, will retry", "code", fmt.Sprint(code), "error", err)
	l.e.requeue(l.tags)
}

// encodeTags packs tags as a repeated protobuf varint field #1, per
// spec.md §4.8 "Batching".
func encodeTags(tags []uint32) []byte {
	var out []byte
	for _, tag := range tags {
		out = protowire.AppendTag(out, tagFieldNumber, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(tag))
	}
	return out
}

// decodeTags unpacks a payload produced by [encodeTags], skipping any
// field other than tagFieldNumber.
func decodeTags(payload []byte) ([]uint32, error) {
	var tags []uint32
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		payload = payload[n:]
		v, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		payload = payload[n:]
		if num == tagFieldNumber && typ == protowire.VarintType {
			tags = append(tags, uint32(v))
		}
	}
	return tags, nil
}
