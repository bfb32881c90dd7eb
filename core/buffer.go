// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone-nop's Func/Config conventions (constructor and
// field-visibility style); buffer semantics grounded on xp/common/gg_io.h
// (GG_Buffer / GG_DynamicBuffer / GG_StaticBuffer / GG_SubBuffer).

// Package core provides the buffer, metadata, and data-flow primitives
// shared by every Golden Gate element.
package core

import (
	"sync/atomic"

	"github.com/bassosimone/runtimex"
)

// Buffer is a reference-counted, immutable-from-the-outside byte span.
//
// A [Buffer] is shared by reference: [Buffer.Retain] increments the
// refcount, [Buffer.Release] decrements it. Releasing the last reference
// frees the underlying storage. Implementations must satisfy
// data size <= capacity at all times.
type Buffer interface {
	// Bytes returns the buffer's current contents. The returned slice is
	// valid only while the caller holds a reference (i.e. between a
	// matching Retain and Release, or for the lifetime of a buffer passed
	// into PutData and not retained further).
	Bytes() []byte

	// Capacity returns the buffer's allocated capacity in bytes.
	Capacity() int

	// Retain increments the reference count.
	Retain()

	// Release decrements the reference count, freeing the buffer's
	// resources when it reaches zero.
	Release()
}

// staticBuffer wraps a caller-owned byte slice with no allocation and a
// no-op Retain/Release, per spec.md §3 "Buffer": "static ... wraps a
// caller-owned region, no allocation, ignores retain/release".
type staticBuffer struct {
	data []byte
}

// NewStaticBuffer returns a [Buffer] wrapping data without copying it.
//
// The caller remains responsible for data's lifetime: Retain and Release
// are no-ops. Use this only when the caller can guarantee data outlives
// every consumer of the returned [Buffer].
func NewStaticBuffer(data []byte) Buffer {
	return &staticBuffer{data: data}
}

func (b *staticBuffer) Bytes() []byte { return b.data }
func (b *staticBuffer) Capacity() int { return len(b.data) }
func (b *staticBuffer) Retain()       {}
func (b *staticBuffer) Release()      {}

// dynamicBuffer is a heap-allocated, resizable-before-publication,
// refcounted [Buffer].
type dynamicBuffer struct {
	data   []byte
	shared atomic.Bool
	refs   atomic.Int32
}

// NewDynamicBuffer allocates a new [Buffer] with the given capacity and a
// data size of zero. The returned buffer starts with one reference.
func NewDynamicBuffer(capacity int) Buffer {
	runtimex.Assert(capacity >= 0)
	b := &dynamicBuffer{data: make([]byte, 0, capacity)}
	b.refs.Store(1)
	return b
}

// NewDynamicBufferFromBytes allocates a new [Buffer] that copies data.
func NewDynamicBufferFromBytes(data []byte) Buffer {
	b := &dynamicBuffer{data: append([]byte(nil), data...)}
	b.refs.Store(1)
	return b
}

func (b *dynamicBuffer) Bytes() []byte { return b.data }
func (b *dynamicBuffer) Capacity() int { return cap(b.data) }

// SetDataSize resizes the visible data within capacity.
//
// This is only legal before the buffer is shared with a second owner
// (i.e. before any [Buffer.Retain] beyond the initial reference): once
// shared, a buffer is frozen, per spec.md §3 "dynamic ... frozen after
// sharing".
func (b *dynamicBuffer) SetDataSize(size int) {
	runtimex.Assert(!b.shared.Load())
	runtimex.Assert(size <= cap(b.data))
	b.data = b.data[:size]
}

// Append appends data to the buffer, growing within capacity.
//
// Like [*dynamicBuffer.SetDataSize], only legal before the buffer is
// shared.
func (b *dynamicBuffer) Append(data []byte) {
	runtimex.Assert(!b.shared.Load())
	runtimex.Assert(len(b.data)+len(data) <= cap(b.data))
	b.data = append(b.data, data...)
}

func (b *dynamicBuffer) Retain() {
	b.shared.Store(true)
	b.refs.Add(1)
}

func (b *dynamicBuffer) Release() {
	if b.refs.Add(-1) == 0 {
		b.data = nil
	}
}

// DynamicBuffer exposes the mutation operations available on a buffer
// returned by [NewDynamicBuffer] before it is shared.
type DynamicBuffer interface {
	Buffer
	SetDataSize(size int)
	Append(data []byte)
}

var _ DynamicBuffer = &dynamicBuffer{}

// subBuffer is a view into a parent [Buffer] that retains it.
type subBuffer struct {
	parent Buffer
	offset int
	size   int
}

// NewSubBuffer returns a [Buffer] view into parent[offset:offset+size],
// retaining parent for the lifetime of the view.
//
// The caller must call Release on the returned buffer exactly once; this
// releases the retained reference to parent.
func NewSubBuffer(parent Buffer, offset, size int) Buffer {
	runtimex.Assert(offset >= 0 && size >= 0)
	runtimex.Assert(offset+size <= len(parent.Bytes()))
	parent.Retain()
	return &subBuffer{parent: parent, offset: offset, size: size}
}

func (b *subBuffer) Bytes() []byte {
	return b.parent.Bytes()[b.offset : b.offset+b.size]
}

func (b *subBuffer) Capacity() int { return b.size }
func (b *subBuffer) Retain()       { b.parent.Retain() }
func (b *subBuffer) Release()      { b.parent.Release() }
