// SPDX-License-Identifier: GPL-3.0-or-later

package coap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeClassDetail(t *testing.T) {
	c := NewCode(2, 5)
	assert.Equal(t, uint8(2), c.Class())
	assert.Equal(t, uint8(5), c.Detail())
	assert.Equal(t, "2.05", c.String())
	assert.True(t, c.IsSuccess())
	assert.False(t, c.IsClientError())
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	var opts OptionSet
	opts.AddString(OptionUriPath, "hello")
	opts.AddUint(OptionContentFormat, 0)

	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodeGET,
		MessageID: 0x1234,
		Token:     []byte{0xAA, 0xBB},
		Options:   opts,
		Payload:   []byte("ping"),
	}

	raw, err := EncodeMessage(msg)
	require.NoError(t, err)

	got, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Code, got.Code)
	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, msg.Token, got.Token)
	assert.Equal(t, msg.Payload, got.Payload)
	require.Len(t, got.Options, 2)
	path, ok := got.Options.GetString(OptionUriPath)
	assert.True(t, ok)
	assert.Equal(t, "hello", path)
}

func TestDecodeMessageHeaderTooShort(t *testing.T) {
	_, err := DecodeMessage([]byte{0x40, 0x01})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedBody))
}

func TestDecodeMessageMalformedBodyReturnsPartialHeader(t *testing.T) {
	// well-formed 4-byte header, TKL=0, but a truncated option value
	// length field (nibble 13 needs one more extended-length byte).
	raw := []byte{0x40, 0x01, 0x12, 0x34, 0xD0}
	msg, err := DecodeMessage(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedBody))
	assert.Equal(t, TypeConfirmable, msg.Type)
	assert.Equal(t, CodeGET, msg.Code)
	assert.Equal(t, uint16(0x1234), msg.MessageID)
}

func TestOptionSetStableOrderingOnInsertion(t *testing.T) {
	var opts OptionSet
	opts.AddString(OptionUriPath, "b")
	opts.AddString(OptionUriPath, "a")
	opts.AddUint(OptionContentFormat, 0)

	require.Len(t, opts, 3)
	assert.Equal(t, uint16(OptionUriPath), opts[0].Number)
	assert.Equal(t, "b", string(opts[0].Value))
	assert.Equal(t, uint16(OptionUriPath), opts[1].Number)
	assert.Equal(t, "a", string(opts[1].Value))
	assert.Equal(t, uint16(OptionContentFormat), opts[2].Number)
}

func TestOptionExtendedLengthEncoding(t *testing.T) {
	var opts OptionSet
	big := make([]byte, 300)
	for i := range big {
		big[i] = byte(i)
	}
	opts.Add(OptionProxyUri, big)

	encoded := encodeOptions(opts)
	decoded, payload, err := decodeOptions(encoded)
	require.NoError(t, err)
	assert.Empty(t, payload)
	require.Len(t, decoded, 1)
	assert.Equal(t, big, decoded[0].Value)
}
