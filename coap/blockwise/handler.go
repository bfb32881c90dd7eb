// SPDX-License-Identifier: GPL-3.0-or-later

package blockwise

import (
	"net/netip"

	"github.com/bassosimone/goldengate/coap"
)

// UploadHandler is invoked once the full PUT/POST body has been
// reassembled from its blocks.
type UploadHandler func(req coap.Message, body []byte) (coap.Message, error)

// originKey is Origin reduced to a comparable map key (Origin's
// TokenPrefix is a []byte, which cannot itself key a map).
type originKey struct {
	addr  netip.AddrPort
	token string
}

func keyFor(o Origin) originKey {
	return originKey{addr: o.Addr, token: string(o.TokenPrefix)}
}

// UploadTracker wraps an [UploadHandler] with per-[Origin]
// [TransferState] bookkeeping, implementing spec.md §4.7 "Server side"
// directly as a [coap.HandlerFunc] suitable for
// [coap.Endpoint.RegisterHandler].
type UploadTracker struct {
	states  map[originKey]*TransferState
	bodies  map[originKey][]byte
	handler UploadHandler
}

// NewUploadTracker returns a tracker that reassembles blockwise
// PUT/POST bodies before invoking handler.
func NewUploadTracker(handler UploadHandler) *UploadTracker {
	return &UploadTracker{
		states:  make(map[originKey]*TransferState),
		bodies:  make(map[originKey][]byte),
		handler: handler,
	}
}

// Handle implements [coap.HandlerFunc].
func (u *UploadTracker) Handle(req coap.Message, responder *coap.Responder) (coap.Message, error) {
	v, ok := req.Options.GetUint(coap.OptionBlock1)
	if !ok {
		return u.handler(req, req.Payload)
	}
	block := UnpackBlockOption(uint32(v))
	// coap.Endpoint appends a fresh 4-byte counter to every request's
	// token, so the blocks of one upload share only the token's prefix.
	prefix := req.Token
	if len(prefix) >= 4 {
		prefix = prefix[:len(prefix)-4]
	}
	key := keyFor(Origin{Addr: responder.Source(), TokenPrefix: prefix})

	state, ok := u.states[key]
	if !ok {
		state = NewTransferState()
		u.states[key] = state
	}

	// Echo the received block's Num/SZX/More back in Block1, per RFC 7959
	// §2.3: the client reads this echo to decide whether to send the next
	// block or stop.
	echo := func(code coap.Code) coap.Message {
		var opts coap.OptionSet
		opts.AddUint(coap.OptionBlock1, uint64(block.Pack()))
		return coap.Message{Code: code, Options: opts}
	}

	accepted, repeat := state.HandleBlock(block, req.Payload)
	switch {
	case repeat:
		return echo(coap.CodeContinue), nil
	case !accepted:
		delete(u.states, key)
		delete(u.bodies, key)
		return coap.Message{}, &coap.CodedError{Code: coap.CodeRequestEntityIncomplete}
	}

	u.bodies[key] = append(u.bodies[key], req.Payload...)
	if block.More {
		return echo(coap.CodeContinue), nil
	}

	body := u.bodies[key]
	delete(u.states, key)
	delete(u.bodies, key)
	return u.handler(req, body)
}

// ServeSource returns a [coap.HandlerFunc] that serves GET requests
// against src, tagging each response with a Block2 option per spec.md
// §4.7 "Server side" download path. A request with no Block2 option is
// answered starting from block 0 at [MaxBlockSZX].
func ServeSource(src Source) coap.HandlerFunc {
	return func(req coap.Message, _ *coap.Responder) (coap.Message, error) {
		block := BlockOption{SZX: MaxBlockSZX}
		if v, ok := req.Options.GetUint(coap.OptionBlock2); ok {
			block = UnpackBlockOption(uint32(v))
		}

		offset := block.Offset()
		size, more, err := src.GetDataSize(offset, block.Size())
		if err != nil {
			return coap.Message{}, &coap.CodedError{Code: coap.CodeNotFound}
		}
		data, err := src.GetData(offset, size)
		if err != nil {
			return coap.Message{}, &coap.CodedError{Code: coap.CodeInternalServerError}
		}

		resp := BlockOption{Num: block.Num, More: more, SZX: block.SZX}
		var opts coap.OptionSet
		opts.AddUint(coap.OptionBlock2, uint64(resp.Pack()))
		return coap.Message{Code: coap.CodeContent, Options: opts, Payload: data}, nil
	}
}
