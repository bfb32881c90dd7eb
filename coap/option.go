// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §3 "CoAP Option" ("typed as empty, uint, string,
// or opaque... stored in ascending number order; ties preserve
// insertion order") and RFC 7252 §3.1's delta+length option encoding.

package coap

import "fmt"

// Option numbers this implementation understands, per RFC 7252 §12.2
// and spec.md §6's two non-standard additions.
const (
	OptionIfMatch       = 1
	OptionUriHost       = 3
	OptionETag          = 4
	OptionIfNoneMatch   = 5
	OptionUriPort       = 7
	OptionLocationPath  = 8
	OptionUriPath       = 11
	OptionContentFormat = 12
	OptionMaxAge        = 14
	OptionUriQuery      = 15
	OptionAccept        = 17
	OptionLocationQuery = 20
	OptionBlock2        = 23
	OptionBlock1        = 27
	OptionSize2         = 28
	OptionProxyUri       = 35
	OptionProxyScheme    = 39
	OptionSize1          = 60

	// OptionStartOffset and OptionExtendedError are non-standard options
	// this implementation adds, per spec.md §6 "Non-standard options in
	// use": "Start-Offset... resumed blockwise offset" and
	// "Extended-Error... structured-error detail code alongside a 5.xx
	// response." RFC 7252 §12.2 reserves 65000-65535 for experimental
	// use, so both numbers are taken from that range.
	OptionStartOffset   = 65001
	OptionExtendedError = 65002
)

// Option is a single CoAP option: a number and its raw value bytes. The
// "empty/uint/string/opaque" typing spec.md §3 describes is a property
// of how a given option number's value is interpreted, not something
// carried on the wire (RFC 7252 options are always opaque byte strings),
// so it is expressed here as constructor/accessor pairs rather than a
// stored type tag.
type Option struct {
	Number uint16
	Value  []byte
}

// OptionSet holds a message's options in ascending number order, ties
// broken by insertion order, per spec.md §3.
type OptionSet []Option

// Add appends an opaque-valued option and re-sorts to restore ascending
// order, preserving insertion order among equal numbers (stable sort).
func (s *OptionSet) Add(number uint16, value []byte) {
	*s = append(*s, Option{Number: number, Value: append([]byte(nil), value...)})
	stableSortOptions(*s)
}

// AddUint adds a uint-valued option, encoded as the minimal big-endian
// byte representation (RFC 7252 §3.2), omitting leading zero bytes.
func (s *OptionSet) AddUint(number uint16, v uint64) {
	var buf [8]byte
	n := 8
	for n > 0 {
		buf[n-1] = byte(v)
		v >>= 8
		n--
		if v == 0 {
			break
		}
	}
	s.Add(number, buf[n:])
}

// AddString adds a string-valued (UTF-8) option.
func (s *OptionSet) AddString(number uint16, v string) { s.Add(number, []byte(v)) }

// AddEmpty adds a zero-length option.
func (s *OptionSet) AddEmpty(number uint16) { s.Add(number, nil) }

// Filter returns every option with the given number, in stored order.
func (s OptionSet) Filter(number uint16) []Option {
	var out []Option
	for _, o := range s {
		if o.Number == number {
			out = append(out, o)
		}
	}
	return out
}

// GetUint returns the first option with the given number, decoded as a
// big-endian unsigned integer, and whether one was present.
func (s OptionSet) GetUint(number uint16) (uint64, bool) {
	for _, o := range s {
		if o.Number == number {
			var v uint64
			for _, b := range o.Value {
				v = v<<8 | uint64(b)
			}
			return v, true
		}
	}
	return 0, false
}

// GetString returns the first option with the given number as a string,
// and whether one was present.
func (s OptionSet) GetString(number uint16) (string, bool) {
	for _, o := range s {
		if o.Number == number {
			return string(o.Value), true
		}
	}
	return "", false
}

func stableSortOptions(s OptionSet) {
	// Insertion sort: options sets are small (single digits), and
	// insertion sort is naturally stable, which preserves tie order
	// per spec.md §3 without pulling in sort.SliceStable for a handful
	// of elements.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Number > s[j].Number; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// encodeOptions serializes opts in RFC 7252 §3.1 delta+length form. opts
// must already be in ascending number order (as maintained by
// [OptionSet.Add]).
func encodeOptions(opts OptionSet) []byte {
	var out []byte
	prev := uint16(0)
	for _, o := range opts {
		delta := o.Number - prev
		prev = o.Number
		out = append(out, encodeOptionHeaderAndValue(delta, o.Value)...)
	}
	return out
}

func encodeOptionHeaderAndValue(delta uint16, value []byte) []byte {
	deltaNibble, deltaExt := splitOptionField(delta)
	lengthNibble, lengthExt := splitOptionField(uint16(len(value)))

	out := []byte{byte(deltaNibble<<4) | byte(lengthNibble)}
	out = append(out, deltaExt...)
	out = append(out, lengthExt...)
	out = append(out, value...)
	return out
}

// splitOptionField encodes one of the delta/length fields per RFC 7252
// §3.1's extended-encoding rule: 13 means "one extended byte, value-13";
// 14 means "two extended bytes, big-endian value-269"; 15 is reserved
// (the payload marker) and never produced here since spec.md bounds
// every option's delta and length well under 65535-269.
func splitOptionField(v uint16) (nibble uint8, ext []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ev := v - 269
		return 14, []byte{byte(ev >> 8), byte(ev)}
	}
}

// decodeOptions parses the options-and-payload tail of a CoAP message,
// per RFC 7252 §3.1.
func decodeOptions(data []byte) (OptionSet, []byte, error) {
	var opts OptionSet
	num := uint16(0)
	for len(data) > 0 {
		if data[0] == 0xFF {
			return opts, data[1:], nil
		}
		deltaNibble := data[0] >> 4
		lengthNibble := data[0] & 0xf
		data = data[1:]

		delta, rest, err := readOptionField(uint16(deltaNibble), data)
		if err != nil {
			return nil, nil, fmt.Errorf("coap: bad option delta: %w", err)
		}
		data = rest

		length, rest, err := readOptionField(uint16(lengthNibble), data)
		if err != nil {
			return nil, nil, fmt.Errorf("coap: bad option length: %w", err)
		}
		data = rest

		if uint32(length) > uint32(len(data)) {
			return nil, nil, fmt.Errorf("coap: option value truncated")
		}
		num += delta
		opts = append(opts, Option{Number: num, Value: append([]byte(nil), data[:length]...)})
		data = data[length:]
	}
	return opts, nil, nil
}

func readOptionField(nibble uint16, data []byte) (value uint16, rest []byte, err error) {
	switch nibble {
	case 15:
		return 0, nil, fmt.Errorf("reserved nibble value 15")
	case 14:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("truncated extended field")
		}
		return (uint16(data[0])<<8 | uint16(data[1])) + 269, data[2:], nil
	case 13:
		if len(data) < 1 {
			return 0, nil, fmt.Errorf("truncated extended field")
		}
		return uint16(data[0]) + 13, data[1:], nil
	default:
		return nibble, data, nil
	}
}
