// SPDX-License-Identifier: GPL-3.0-or-later

package blockwise

import (
	"net/netip"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/coap"
)

// Listener receives the progress of a blockwise request, per spec.md
// §4.7 "Client side": "on-response-block(block-info, message) for each
// block and on-error(code, message) on failure."
type Listener interface {
	// OnResponseBlock is invoked once per block, in order. The final
	// block is the one with block.More == false; the listener is
	// responsible for aggregating the payloads across calls.
	OnResponseBlock(block BlockOption, msg coap.Message)
	OnError(code goldengate.Code, err error)
}

// SendBlockwiseRequest starts a client-side blockwise exchange, per
// spec.md §4.7 "Client side". For PUT/POST, source supplies the
// outgoing payload in preferredBlockSize chunks, attached via Block1;
// on 2.31 Continue the session advances and resends. For GET, source is
// nil and the session drives Block2 across responses until more is
// false.
func SendBlockwiseRequest(ep *coap.Endpoint, method coap.Code, confirmable bool, dest netip.AddrPort, baseOpts coap.OptionSet, source Source, preferredBlockSize int, listener Listener) error {
	s := &session{
		ep:          ep,
		method:      method,
		confirmable: confirmable,
		dest:        dest,
		baseOpts:    baseOpts,
		source:      source,
		szx:         SZXForSize(preferredBlockSize),
		listener:    listener,
	}
	return s.sendNext()
}

// session drives one blockwise exchange by re-invoking
// [coap.Endpoint.SendRequest] as each block's response arrives.
type session struct {
	ep          *coap.Endpoint
	method      coap.Code
	confirmable bool
	dest        netip.AddrPort
	baseOpts    coap.OptionSet
	source      Source
	szx         uint8
	num         uint32

	listener Listener
}

func (s *session) sendNext() error {
	opts := append(coap.OptionSet(nil), s.baseOpts...)

	if s.source != nil {
		// PUT/POST upload: attach this block's slice and a Block1 option.
		offset := int(s.num) * (1 << (s.szx + 4))
		size, more, err := s.source.GetDataSize(offset, 1<<(s.szx+4))
		if err != nil {
			s.listener.OnError(goldengate.CodeInvalidParameters, err)
			return err
		}
		payload, err := s.source.GetData(offset, size)
		if err != nil {
			s.listener.OnError(goldengate.CodeInvalidParameters, err)
			return err
		}
		block := BlockOption{Num: s.num, More: more, SZX: s.szx}
		opts.AddUint(coap.OptionBlock1, uint64(block.Pack()))
		_, err = s.ep.SendRequest(s.method, s.confirmable, s.dest, opts, payload, s)
		return err
	}

	// GET download: request the next block via Block2, no payload.
	block := BlockOption{Num: s.num, More: false, SZX: s.szx}
	opts.AddUint(coap.OptionBlock2, uint64(block.Pack()))
	_, err := s.ep.SendRequest(s.method, s.confirmable, s.dest, opts, nil, s)
	return err
}

// OnResponse implements [coap.RequestListener].
func (s *session) OnResponse(resp coap.Message) {
	if s.source != nil {
		s.onUploadResponse(resp)
		return
	}
	s.onDownloadResponse(resp)
}

func (s *session) onUploadResponse(resp coap.Message) {
	if resp.Code.IsClientError() || resp.Code.IsServerError() {
		s.listener.OnError(codeForResponse(resp.Code), &responseError{resp})
		return
	}

	v, ok := resp.Options.GetUint(coap.OptionBlock1)
	more := false
	if ok {
		more = UnpackBlockOption(uint32(v)).More
	}
	block := BlockOption{Num: s.num, More: more, SZX: s.szx}
	s.listener.OnResponseBlock(block, resp)
	if !more {
		return
	}
	s.num++
	if err := s.sendNext(); err != nil {
		s.listener.OnError(goldengate.CodeConnectionFailed, err)
	}
}

func (s *session) onDownloadResponse(resp coap.Message) {
	if resp.Code.IsClientError() || resp.Code.IsServerError() {
		s.listener.OnError(codeForResponse(resp.Code), &responseError{resp})
		return
	}

	block := BlockOption{SZX: s.szx}
	if v, ok := resp.Options.GetUint(coap.OptionBlock2); ok {
		block = UnpackBlockOption(uint32(v))
	}
	s.listener.OnResponseBlock(block, resp)
	if !block.More {
		return
	}
	s.num = block.Num + 1
	s.szx = block.SZX
	if err := s.sendNext(); err != nil {
		s.listener.OnError(goldengate.CodeConnectionFailed, err)
	}
}

// OnError implements [coap.RequestListener].
func (s *session) OnError(code goldengate.Code, err error) {
	s.listener.OnError(code, err)
}

func codeForResponse(c coap.Code) goldengate.Code {
	if c.IsClientError() {
		return goldengate.CodeInvalidParameters
	}
	return goldengate.CodeConnectionFailed
}

// responseError wraps a CoAP error response as a Go error.
type responseError struct {
	resp coap.Message
}

func (e *responseError) Error() string {
	return "blockwise: peer responded " + e.resp.Code.String()
}
