// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.7 "Server side": "A helper object tracks
// per-origin (source endpoint + token prefix) block-transfer state for
// one resource: expected next offset, size, optional ETag."

package blockwise

import (
	"net/netip"
)

// Origin identifies the (source endpoint, token prefix) pair a
// [TransferState] tracks blocks for.
type Origin struct {
	Addr        netip.AddrPort
	TokenPrefix []byte
}

// TransferState tracks one in-progress blockwise upload (PUT/POST) to a
// single resource from a single [Origin], per spec.md §4.7 "Server
// side".
type TransferState struct {
	Size int    // total resource size, if known in advance; 0 if unknown
	ETag []byte

	nextOffset    int
	lastBlock     BlockOption
	haveLastBlock bool
}

// NewTransferState returns a fresh, empty transfer state.
func NewTransferState() *TransferState { return &TransferState{} }

// HandleBlock processes one incoming block of a PUT/POST body, per
// spec.md §4.7 "On receiving an in-order block, it either advances
// state and signals the handler, or — if the client repeats the
// previous block — resends the last response idempotently."
//
// accepted reports whether block was newly accepted at the expected
// offset (the caller should append payload and invoke its handler).
// repeat reports whether block exactly repeats the previously accepted
// block: since the response to a given block is a deterministic
// function of the block itself, the caller can simply re-derive and
// resend it rather than re-running its handler. Neither true means the
// block is out of order and should be rejected with
// [coap.CodeRequestEntityIncomplete].
func (t *TransferState) HandleBlock(block BlockOption, payload []byte) (accepted, repeat bool) {
	if t.isNextExpected(block) {
		t.nextOffset = block.Offset() + len(payload)
		t.lastBlock = block
		t.haveLastBlock = true
		return true, false
	}
	if t.haveLastBlock && block.Num == t.lastBlock.Num && block.Offset() == t.lastBlock.Offset() {
		return false, true
	}
	return false, false
}

func (t *TransferState) isNextExpected(block BlockOption) bool {
	return block.Offset() == t.nextOffset
}

// Done reports whether the transfer state believes the upload is
// complete (the last accepted block had More == false).
func (t *TransferState) Done() bool { return t.haveLastBlock && !t.lastBlock.More }

// NextOffset returns the byte offset expected for the next block.
func (t *TransferState) NextOffset() int { return t.nextOffset }
