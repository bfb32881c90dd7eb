// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on xp/coap (GG_CoapEndpoint) via spec.md §4.6 "CoAP Endpoint"
// and §3 "CoAP Pending Request". Structurally this follows nip.Interface:
// a single loop-thread object that is both the [core.Sink] ingress point
// for the transport below it and the [core.Source] that owns that
// transport's sink, with request/response bookkeeping layered on top
// instead of Nano-IP's port demux.

package coap

import (
	"container/list"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/loop"
	"github.com/rs/xid"
)

// Default protocol parameters, per spec.md §4.6.
const (
	DefaultAckTimeout       = 2000 * time.Millisecond
	DefaultMaxRetransmit    = 4
	DefaultExchangeLifetime = 247 * time.Second
	DefaultDedupCapacity    = 64
)

// ErrAsyncPending is returned by a [HandlerFunc] registered with
// [Registration.Async] set to signal that the response will arrive later
// via a retained [*Responder], per spec.md §4.6 step 6's "WOULD_BLOCK"
// outcome. Returned from a handler without Async set, it is treated as a
// 5.00 Internal Server Error.
var ErrAsyncPending = goldengate.ErrWouldBlock

// CodedError is a [HandlerFunc] error outcome that synthesizes a response
// of a specific CoAP response code (4.xx/5.xx), per spec.md §4.6 step 6's
// second outcome.
type CodedError struct {
	Code Code
}

func (e *CodedError) Error() string { return fmt.Sprintf("coap: handler responded %s", e.Code) }

// HandlerFunc handles one incoming request. req.Options/Payload are valid
// only for the duration of the call.
//
// Three outcomes, matching spec.md §4.6 step 6:
//   - (resp, nil): resp.Code and resp.Options/Payload are sent as a
//     piggybacked ack (or a separate response, if the request was
//     non-confirmable).
//   - (_, *CodedError): a response of that code is synthesized with an
//     empty payload.
//   - (_, [ErrAsyncPending]): only valid when the matching [Registration]
//     has Async set. An empty ack is sent now; responder remains valid
//     until [*Responder.Respond] or [*Responder.RespondError] is called.
type HandlerFunc func(req Message, responder *Responder) (Message, error)

// Registration is one entry in the endpoint's handler table.
type Registration struct {
	PathPrefix string
	Methods    uint8 // bitmask of MethodGET/MethodPOST/MethodPUT/MethodDELETE
	Async      bool
	Handler    HandlerFunc
}

// RequestListener receives the outcome of a client request started with
// [*Endpoint.SendRequest].
type RequestListener interface {
	// OnResponse is invoked once, with the final response (piggybacked ack
	// or separate response).
	OnResponse(resp Message)
	// OnError is invoked at most once instead of OnResponse, e.g. with
	// [goldengate.CodeTimeout] after MAX_RETRANSMIT retransmissions.
	OnError(code goldengate.Code, err error)
}

// RequestHandle identifies a request started with [*Endpoint.SendRequest],
// for use with [*Endpoint.CancelRequest].
type RequestHandle xid.ID

// Config configures an [Endpoint]. The zero value is valid: every field
// defaults per spec.md §4.6.
type Config struct {
	// TokenPrefix is prepended to every token this endpoint generates for
	// its own client requests, for routing tokens back to this endpoint
	// when several share a transport (spec.md §4.6 "next token prefix +
	// counter (with optional explicit prefix for routing)").
	TokenPrefix []byte

	AckTimeout       time.Duration
	MaxRetransmit    int
	ExchangeLifetime time.Duration
	DedupCapacity    int

	Rand *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
	if c.ExchangeLifetime <= 0 {
		c.ExchangeLifetime = DefaultExchangeLifetime
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// pendingRequest is a spec.md §3 "CoAP Pending Request": client-side
// bookkeeping for one outstanding request.
type pendingRequest struct {
	handle    xid.ID
	token     []byte
	messageID uint16
	dest      netip.AddrPort
	listener  RequestListener

	raw       []byte // encoded request, kept for retransmission
	remaining int
	timeout   time.Duration
	timer     *loop.Timer

	acked bool // true once an empty ack has been seen, awaiting a separate response
}

// dedupKey identifies one request/response exchange for the dedup cache,
// per spec.md §4.6 "Dedup cache. Keyed by source endpoint + message-id."
type dedupKey struct {
	addr      netip.AddrPort
	messageID uint16
}

type dedupEntry struct {
	key       dedupKey
	response  []byte // encoded response/ack to re-send verbatim
	expiresAt time.Time
}

// Responder lets an async [HandlerFunc] deliver its response once it is
// ready, per spec.md §4.6 step 6's third outcome.
type Responder struct {
	ep    *Endpoint
	dest  netip.AddrPort
	token []byte
}

// Respond sends a separate response message for the deferred request.
func (r *Responder) Respond(code Code, opts OptionSet, payload []byte) error {
	return r.ep.sendMessage(Message{
		Type:      TypeNonConfirmable,
		Code:      code,
		MessageID: r.ep.nextMessageID(),
		Token:     r.token,
		Options:   opts,
		Payload:   payload,
	}, r.dest)
}

// RespondError is a convenience wrapper around Respond with no payload.
func (r *Responder) RespondError(code Code) error {
	return r.Respond(code, nil, nil)
}

// Source returns the address the request this responder answers came
// from, for handlers that need to key per-origin state (e.g.
// coap/blockwise's per-origin transfer tracking).
func (r *Responder) Source() netip.AddrPort { return r.dest }

// Endpoint is a CoAP peer over an arbitrary datagram transport (typically
// a [github.com/bassosimone/goldengate/nip.Endpoint]), per spec.md §4.6.
// Every method must be called from the loop thread, per spec.md §5.
type Endpoint struct {
	loop     *loop.Loop
	cfg      Config
	logger   goldengate.SLogger
	classify goldengate.ErrClassifier

	transportSink core.Sink

	nextMsgID   uint16
	tokenPrefix []byte
	tokenCtr    uint32

	pendingByHandle    map[xid.ID]*pendingRequest
	pendingByToken     map[string]*pendingRequest
	pendingByMessageID map[uint16]*pendingRequest

	dedup     *list.List // of *dedupEntry, oldest at front
	dedupKeys map[dedupKey]*list.Element

	registrations  []Registration
	defaultHandler HandlerFunc
}

// NewEndpoint returns a new CoAP endpoint. l must be the loop this
// endpoint, and every sink it is wired to, runs on.
func NewEndpoint(l *loop.Loop, cfg Config, logger goldengate.SLogger, classify goldengate.ErrClassifier) *Endpoint {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = goldengate.DefaultSLogger()
	}
	if classify == nil {
		classify = goldengate.DefaultErrClassifier
	}
	return &Endpoint{
		loop:               l,
		cfg:                cfg,
		logger:             logger,
		classify:           classify,
		nextMsgID:          uint16(cfg.Rand.Uint32()),
		tokenPrefix:        append([]byte(nil), cfg.TokenPrefix...),
		pendingByHandle:    make(map[xid.ID]*pendingRequest),
		pendingByToken:     make(map[string]*pendingRequest),
		pendingByMessageID: make(map[uint16]*pendingRequest),
		dedup:              list.New(),
		dedupKeys:          make(map[dedupKey]*list.Element),
	}
}

// SetDataSink implements [core.Source]: registers the transport sink
// requests and responses are sent through.
func (e *Endpoint) SetDataSink(sink core.Sink) {
	if e.transportSink != nil {
		e.transportSink.SetListener(nil)
	}
	e.transportSink = sink
	if sink != nil {
		sink.SetListener(core.SinkListenerFunc(func() {}))
	}
}

// SetListener implements [core.Sink]. The endpoint never signals
// WOULD_BLOCK on ingress, so it ignores the listener.
func (e *Endpoint) SetListener(core.SinkListener) {}

// RegisterHandler adds a server-side handler for requests whose
// URI-Path, joined with '/', starts with pathPrefix. Dispatch uses the
// longest registered prefix that matches, per spec.md §4.6 step 3.
func (e *Endpoint) RegisterHandler(reg Registration) {
	e.registrations = append(e.registrations, reg)
}

// SetDefaultHandler installs the handler invoked when no registered
// prefix matches, per spec.md §4.6 step 4.
func (e *Endpoint) SetDefaultHandler(h HandlerFunc) { e.defaultHandler = h }

func (e *Endpoint) nextMessageID() uint16 {
	id := e.nextMsgID
	e.nextMsgID++
	return id
}

func (e *Endpoint) nextToken() []byte {
	e.tokenCtr++
	var suffix [4]byte
	suffix[0] = byte(e.tokenCtr >> 24)
	suffix[1] = byte(e.tokenCtr >> 16)
	suffix[2] = byte(e.tokenCtr >> 8)
	suffix[3] = byte(e.tokenCtr)
	token := append(append([]byte(nil), e.tokenPrefix...), suffix[:]...)
	if len(token) > maxTokenLength {
		token = token[len(token)-maxTokenLength:]
	}
	return token
}

// jitteredAckTimeout applies RFC 7252's ACK_RANDOM_FACTOR-style jitter: a
// uniform multiplier in [1.0, 1.5), per spec.md §4.6 "jittered".
func (e *Endpoint) jitteredAckTimeout() time.Duration {
	factor := 1.0 + 0.5*e.cfg.Rand.Float64()
	return time.Duration(float64(e.cfg.AckTimeout) * factor)
}

// SendRequest starts a client request, per spec.md §4.6 "Sending a
// confirmable request". Non-confirmable requests are sent once with no
// retransmission and no ack timer; listener.OnResponse still fires for a
// matching reply.
func (e *Endpoint) SendRequest(method Code, confirmable bool, dest netip.AddrPort, opts OptionSet, payload []byte, listener RequestListener) (RequestHandle, error) {
	if e.transportSink == nil {
		return RequestHandle{}, goldengate.NewError(goldengate.CodeInvalidState, "coap: no transport attached", nil)
	}

	msgType := TypeNonConfirmable
	if confirmable {
		msgType = TypeConfirmable
	}
	token := e.nextToken()
	msg := Message{
		Type:      msgType,
		Code:      method,
		MessageID: e.nextMessageID(),
		Token:     token,
		Options:   opts,
		Payload:   payload,
	}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return RequestHandle{}, goldengate.NewError(goldengate.CodeInvalidParameters, "coap: failed to encode request", err)
	}

	pr := &pendingRequest{
		handle:    xid.New(),
		token:     token,
		messageID: msg.MessageID,
		dest:      dest,
		listener:  listener,
		raw:       raw,
		remaining: e.cfg.MaxRetransmit,
	}
	e.pendingByHandle[pr.handle] = pr
	e.pendingByToken[string(token)] = pr
	e.pendingByMessageID[pr.messageID] = pr

	if err := e.transmit(pr); err != nil {
		e.removePending(pr)
		return RequestHandle{}, err
	}
	// Over a synchronous transport the reply may already have been handled
	// during transmit, in which case pr is no longer pending.
	if _, pending := e.pendingByHandle[pr.handle]; confirmable && pending {
		pr.timeout = e.jitteredAckTimeout()
		e.armAckTimer(pr)
	}
	return RequestHandle(pr.handle), nil
}

func (e *Endpoint) transmit(pr *pendingRequest) error {
	err := e.transportSink.PutData(core.NewDynamicBufferFromBytes(pr.raw), core.DestinationSocketAddress{Addr: pr.dest})
	if err == goldengate.ErrWouldBlock {
		// The request stays pending; the caller will see the ack/response
		// timer expire and retransmit, matching spec.md §7's "WOULD_BLOCK
		// is never a hard error" rule applied to CoAP's own retry loop.
		return nil
	}
	return err
}

func (e *Endpoint) armAckTimer(pr *pendingRequest) {
	pr.timer = e.loop.GetTimerScheduler().Schedule(pr.timeout, func() { e.onAckTimeout(pr) })
}

// onAckTimeout implements spec.md §4.6's exponential-doubling
// retransmission up to MAX_RETRANSMIT.
func (e *Endpoint) onAckTimeout(pr *pendingRequest) {
	if pr.remaining <= 0 {
		e.removePending(pr)
		if pr.listener != nil {
			pr.listener.OnError(goldengate.CodeTimeout, goldengate.NewError(goldengate.CodeTimeout, "coap: request timed out", nil))
		}
		return
	}
	pr.remaining--
	pr.timeout *= 2
	if err := e.transmit(pr); err != nil {
		e.removePending(pr)
		if pr.listener != nil {
			pr.listener.OnError(goldengate.CodeConnectionFailed, err)
		}
		return
	}
	e.armAckTimer(pr)
}

// CancelRequest aborts a pending client request, per spec.md §3 "CoAP
// Pending Request" lifecycle's "deleted on ... cancel".
func (e *Endpoint) CancelRequest(handle RequestHandle) error {
	pr, ok := e.pendingByHandle[xid.ID(handle)]
	if !ok {
		return goldengate.NewError(goldengate.CodeNoSuchItem, "coap: unknown request handle", nil)
	}
	e.removePending(pr)
	return nil
}

func (e *Endpoint) removePending(pr *pendingRequest) {
	if pr.timer != nil {
		pr.timer.Cancel()
	}
	delete(e.pendingByHandle, pr.handle)
	delete(e.pendingByToken, string(pr.token))
	delete(e.pendingByMessageID, pr.messageID)
}

// PutData implements [core.Sink]: ingress from the transport. It
// dispatches to either the client response path or the server request
// path, per spec.md §4.6.
func (e *Endpoint) PutData(buf core.Buffer, md core.Metadata) error {
	src, _ := md.(core.SourceSocketAddress)

	msg, err := DecodeMessage(buf.Bytes())
	if err != nil {
		if errors.Is(err, ErrMalformedBody) {
			e.respondBadRequest(msg, src.Addr)
		} else {
			e.logger.Debug("coap: dropping unparseable message", "error", e.classify.Classify(err))
		}
		return nil
	}

	if msg.Type == TypeReset {
		if pr, ok := e.pendingByMessageID[msg.MessageID]; ok {
			e.removePending(pr)
			if pr.listener != nil {
				pr.listener.OnError(goldengate.CodeConnectionAborted, goldengate.NewError(goldengate.CodeConnectionAborted, "coap: request reset by peer", nil))
			}
		}
		return nil
	}

	if msg.Code.Class() != 0 || (msg.Code == CodeEmpty && msg.Type == TypeAcknowledgement) {
		e.handleResponse(msg)
		return nil
	}

	e.handleRequest(msg, src.Addr)
	return nil
}

func (e *Endpoint) handleResponse(msg Message) {
	var pr *pendingRequest
	if msg.Type == TypeAcknowledgement {
		pr = e.pendingByMessageID[msg.MessageID]
	} else {
		pr = e.pendingByToken[string(msg.Token)]
	}
	if pr == nil {
		return
	}

	if msg.Type == TypeAcknowledgement && msg.Code == CodeEmpty {
		// Bare ack: cancel the ack timer, keep the pending request alive for
		// a separate response. No response timer is started: the request
		// stays pending until that response arrives or it is cancelled.
		if pr.timer != nil {
			pr.timer.Cancel()
			pr.timer = nil
		}
		pr.acked = true
		return
	}

	e.removePending(pr)
	if pr.listener != nil {
		pr.listener.OnResponse(msg)
	}
}

// handleRequest implements spec.md §4.6 "Receiving a request" steps 1-6.
func (e *Endpoint) handleRequest(msg Message, src netip.AddrPort) {
	key := dedupKey{addr: src, messageID: msg.MessageID}
	if elem, ok := e.dedupKeys[key]; ok {
		entry := elem.Value.(*dedupEntry)
		_ = e.transportSink.PutData(core.NewDynamicBufferFromBytes(entry.response), core.DestinationSocketAddress{Addr: src})
		return
	}

	reg, matched := e.matchHandler(msg)
	var resp Message
	var respErr error
	switch {
	case !matched && e.defaultHandler != nil:
		resp, respErr = e.defaultHandler(msg, &Responder{ep: e, dest: src, token: msg.Token})
	case !matched:
		respErr = &CodedError{Code: CodeNotFound}
	case methodMaskBit(msg.Code)&reg.Methods == 0:
		respErr = &CodedError{Code: CodeMethodNotAllowed}
	default:
		resp, respErr = reg.Handler(msg, &Responder{ep: e, dest: src, token: msg.Token})
	}

	switch {
	case respErr == nil:
		e.sendAck(msg, src, resp, key)
	case respErr == ErrAsyncPending:
		if matched && reg.Async {
			e.sendCodedAck(msg, src, CodeEmpty, key)
			return
		}
		e.sendCodedAck(msg, src, CodeInternalServerError, key)
	default:
		code := CodeInternalServerError
		var coded *CodedError
		if ce, ok := respErr.(*CodedError); ok {
			coded = ce
			code = coded.Code
		}
		e.sendCodedAck(msg, src, code, key)
	}
}

func (e *Endpoint) respondBadRequest(msg Message, src netip.AddrPort) {
	if !src.IsValid() {
		return
	}
	key := dedupKey{addr: src, messageID: msg.MessageID}
	e.sendCodedAck(msg, src, CodeBadRequest, key)
}

// matchHandler finds the registration whose PathPrefix is the longest
// match of msg's joined URI-Path options.
func (e *Endpoint) matchHandler(msg Message) (Registration, bool) {
	path := joinURIPath(msg.Options)
	var best Registration
	bestLen := -1
	found := false
	for _, reg := range e.registrations {
		if len(path) >= len(reg.PathPrefix) && path[:len(reg.PathPrefix)] == reg.PathPrefix && len(reg.PathPrefix) > bestLen {
			best = reg
			bestLen = len(reg.PathPrefix)
			found = true
		}
	}
	return best, found
}

func joinURIPath(opts OptionSet) string {
	var path string
	for _, o := range opts.Filter(OptionUriPath) {
		path += "/" + string(o.Value)
	}
	if path == "" {
		path = "/"
	}
	return path
}

func (e *Endpoint) sendAck(req Message, src netip.AddrPort, resp Message, key dedupKey) {
	ack := Message{
		Type:      ackType(req.Type),
		Code:      resp.Code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Options:   resp.Options,
		Payload:   resp.Payload,
	}
	e.sendAndCache(ack, src, key)
}

func (e *Endpoint) sendCodedAck(req Message, src netip.AddrPort, code Code, key dedupKey) {
	ack := Message{
		Type:      ackType(req.Type),
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
	e.sendAndCache(ack, src, key)
}

func ackType(reqType Type) Type {
	if reqType == TypeConfirmable {
		return TypeAcknowledgement
	}
	return TypeNonConfirmable
}

func (e *Endpoint) sendAndCache(msg Message, dest netip.AddrPort, key dedupKey) {
	raw, err := EncodeMessage(msg)
	if err != nil {
		e.logger.Debug("coap: failed to encode response", "error", e.classify.Classify(err))
		return
	}
	if e.transportSink != nil {
		_ = e.transportSink.PutData(core.NewDynamicBufferFromBytes(raw), core.DestinationSocketAddress{Addr: dest})
	}
	e.cacheResponse(key, raw)
}

// cacheResponse records a sent response for dedup re-send, evicting the
// oldest entry on overflow and opportunistically expiring entries whose
// EXCHANGE_LIFETIME has passed, per spec.md §4.6 "Dedup cache."
func (e *Endpoint) cacheResponse(key dedupKey, raw []byte) {
	now := e.loop.GetTimerScheduler().Now()
	for e.dedup.Len() > 0 {
		front := e.dedup.Front()
		entry := front.Value.(*dedupEntry)
		if entry.expiresAt.After(now) && e.dedup.Len() < e.cfg.DedupCapacity {
			break
		}
		e.dedup.Remove(front)
		delete(e.dedupKeys, entry.key)
	}
	entry := &dedupEntry{key: key, response: raw, expiresAt: now.Add(e.cfg.ExchangeLifetime)}
	e.dedupKeys[key] = e.dedup.PushBack(entry)
}

func (e *Endpoint) sendMessage(msg Message, dest netip.AddrPort) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return goldengate.NewError(goldengate.CodeInvalidParameters, "coap: failed to encode message", err)
	}
	if e.transportSink == nil {
		return goldengate.NewError(goldengate.CodeInvalidState, "coap: no transport attached", nil)
	}
	return e.transportSink.PutData(core.NewDynamicBufferFromBytes(raw), core.DestinationSocketAddress{Addr: dest})
}
