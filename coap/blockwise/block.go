// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.7 "CoAP Blockwise Transfer": a subset of RFC
// 7959 sufficient for GET of large payloads and PUT/POST of large
// payloads, layered on top of the coap package's Message/OptionSet/
// Endpoint.

// Package blockwise implements RFC 7959 blockwise transfer over a
// [github.com/bassosimone/goldengate/coap.Endpoint].
package blockwise

import "fmt"

// MinBlockSZX and MaxBlockSZX bound the size-exponent field, per spec.md
// §4.7 "SZX ∈ [0..6] → blocks ∈ {16,32,64,128,256,512,1024} bytes".
const (
	MinBlockSZX = 0
	MaxBlockSZX = 6
)

// BlockOption is a decoded Block1/Block2 option value: block number,
// more-flag, and size-exponent, per spec.md §4.7 "Block option value".
type BlockOption struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes this option's SZX encodes
// (size = 2^(SZX+4)).
func (b BlockOption) Size() int { return 1 << (b.SZX + 4) }

// Offset returns the byte offset of block Num within the resource.
func (b BlockOption) Offset() int { return int(b.Num) * b.Size() }

// Pack encodes b into a Block1/Block2 option value, per RFC 7959 §2.2:
// NUM in the high bits, M in bit 3, SZX in the low 3 bits.
func (b BlockOption) Pack() uint32 {
	v := b.Num << 4
	if b.More {
		v |= 1 << 3
	}
	v |= uint32(b.SZX) & 0x7
	return v
}

// UnpackBlockOption decodes a Block1/Block2 option value.
func UnpackBlockOption(v uint32) BlockOption {
	return BlockOption{
		Num:  v >> 4,
		More: v&(1<<3) != 0,
		SZX:  uint8(v & 0x7),
	}
}

// SZXForSize returns the largest SZX whose block size does not exceed
// preferred, clamped to [MinBlockSZX, MaxBlockSZX].
func SZXForSize(preferred int) uint8 {
	szx := uint8(MaxBlockSZX)
	for szx > MinBlockSZX && (1<<(szx+4)) > preferred {
		szx--
	}
	return szx
}

// Source is the block-source contract a blockwise transfer reads from,
// per spec.md §4.7 "Block source contract". An implementation over
// fixed memory simply slices a pre-loaded buffer.
type Source interface {
	// GetDataSize adjusts a requested block size to the actual amount of
	// data remaining at offset, and reports whether more data follows.
	GetDataSize(offset, requested int) (size int, more bool, err error)
	// GetData copies the region [offset, offset+size) of the resource.
	GetData(offset, size int) ([]byte, error)
}

// BufferSource is a [Source] over a single fixed in-memory buffer.
type BufferSource struct {
	Data []byte
}

func (s BufferSource) GetDataSize(offset, requested int) (int, bool, error) {
	if offset < 0 || offset > len(s.Data) {
		return 0, false, fmt.Errorf("blockwise: offset %d out of range", offset)
	}
	remaining := len(s.Data) - offset
	size := requested
	if size > remaining {
		size = remaining
	}
	return size, offset+size < len(s.Data), nil
}

func (s BufferSource) GetData(offset, size int) ([]byte, error) {
	if offset < 0 || offset+size > len(s.Data) {
		return nil, fmt.Errorf("blockwise: range [%d,%d) out of bounds", offset, offset+size)
	}
	return append([]byte(nil), s.Data[offset:offset+size]...), nil
}
