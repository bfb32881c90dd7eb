// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on xp/nip/gg_nip.c's GG_NipUdpEndpoint_PutData (encapsulation)
// and GG_NipStack_PutData / GG_NipStack_OnUdpPacketReceived (parsing),
// and spec.md §4.4 "Nano-IP". These are pure, stateless functions: no
// socket, no endpoint table, no port allocation — that state lives in
// the nip package, which calls into this one for wire-format work only.
package ipframe

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// HeaderSize is the combined size in bytes of an IPv4 header (no
	// options, 20 bytes) followed by a UDP header (8 bytes).
	HeaderSize = ipHeaderSize + udpHeaderSize

	// MaxPacketSize is the largest encapsulated packet this codec will
	// produce or accept, matching GG_NIP_MAX_PACKET_SIZE (a 16-bit total
	// length field cannot express more).
	MaxPacketSize = 0xFFFF

	ipHeaderSize  = 20
	udpHeaderSize = 8

	ipVersion4      = 4
	ipProtocolUDP   = 17
	ipVersionIHL    = 0
	ipTotalLen      = 2
	ipIdentOffset   = 4
	ipProtoOffset   = 9
	ipChecksumOff   = 10
	ipSrcAddrOffset = 12
	ipDstAddrOffset = 16

	udpSrcPortOffset = 0
	udpDstPortOffset = 2
	udpLengthOffset  = 4
)

// Frame is a parsed IPv4+UDP packet: the addressing information plus a
// reference to the payload bytes, which alias the input slice passed to
// [Parse] rather than copying it.
type Frame struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Encapsulate builds an IPv4+UDP packet carrying payload from src to dst,
// tagged with the given IP identification value (the caller is expected
// to maintain an incrementing counter, matching
// GG_NipStack.next_ip_identification). Invalid parameters are reported
// as plain errors, since this package has no dependency on the root
// error taxonomy.
func Encapsulate(src, dst netip.AddrPort, identification uint16, payload []byte) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, fmt.Errorf("ipframe: only IPv4 addresses are supported")
	}
	packetSize := HeaderSize + len(payload)
	if packetSize > MaxPacketSize {
		return nil, fmt.Errorf("ipframe: packet size %d exceeds maximum %d", packetSize, MaxPacketSize)
	}

	packet := make([]byte, packetSize)

	ip := packet[:ipHeaderSize]
	ip[ipVersionIHL] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	binary.BigEndian.PutUint16(ip[ipTotalLen:], uint16(packetSize))
	binary.BigEndian.PutUint16(ip[ipIdentOffset:], identification)
	ip[8] = 0xFF // TTL
	ip[ipProtoOffset] = ipProtocolUDP
	srcBytes := src.Addr().As4()
	dstBytes := dst.Addr().As4()
	copy(ip[ipSrcAddrOffset:], srcBytes[:])
	copy(ip[ipDstAddrOffset:], dstBytes[:])
	checksum := ^ipv4Checksum(ip)
	binary.BigEndian.PutUint16(ip[ipChecksumOff:], checksum)

	udp := packet[ipHeaderSize : ipHeaderSize+udpHeaderSize]
	binary.BigEndian.PutUint16(udp[udpSrcPortOffset:], src.Port())
	binary.BigEndian.PutUint16(udp[udpDstPortOffset:], dst.Port())
	binary.BigEndian.PutUint16(udp[udpLengthOffset:], uint16(packetSize-ipHeaderSize))

	copy(packet[HeaderSize:], payload)

	return packet, nil
}

// Parse decodes an IPv4+UDP packet, rejecting anything that is not a
// well-formed UDP/IPv4 datagram with consistent length fields; neither
// the checksums nor the fragmentation fields are checked (GG_NipStack_PutData and
// GG_NipStack_OnUdpPacketReceived silently drop malformed or
// non-matching packets rather than erroring; callers here get an error
// instead so the caller can decide whether that is worth logging).
func Parse(packet []byte) (*Frame, error) {
	if len(packet) < ipHeaderSize {
		return nil, fmt.Errorf("ipframe: packet too short for an IPv4 header")
	}
	if (packet[ipVersionIHL] >> 4) != ipVersion4 {
		return nil, fmt.Errorf("ipframe: unsupported IP version")
	}
	headerSize := int(packet[ipVersionIHL]&0xF) * 4
	if headerSize < ipHeaderSize {
		return nil, fmt.Errorf("ipframe: IHL too small")
	}
	if packet[ipProtoOffset] != ipProtocolUDP {
		return nil, fmt.Errorf("ipframe: not a UDP packet (protocol %d)", packet[ipProtoOffset])
	}
	totalLength := int(binary.BigEndian.Uint16(packet[ipTotalLen:]))
	if totalLength != len(packet) {
		return nil, fmt.Errorf("ipframe: IP total length mismatch (header says %d, got %d)", totalLength, len(packet))
	}
	if len(packet) < headerSize+udpHeaderSize {
		return nil, fmt.Errorf("ipframe: packet too short for a UDP header")
	}

	srcAddr := netip.AddrFrom4([4]byte(packet[ipSrcAddrOffset : ipSrcAddrOffset+4]))
	dstAddr := netip.AddrFrom4([4]byte(packet[ipDstAddrOffset : ipDstAddrOffset+4]))

	udp := packet[headerSize:]
	udpLength := int(binary.BigEndian.Uint16(udp[udpLengthOffset:]))
	if udpLength != len(udp) {
		return nil, fmt.Errorf("ipframe: UDP length mismatch (header says %d, got %d)", udpLength, len(udp))
	}
	srcPort := binary.BigEndian.Uint16(udp[udpSrcPortOffset:])
	dstPort := binary.BigEndian.Uint16(udp[udpDstPortOffset:])

	return &Frame{
		Src:     netip.AddrPortFrom(srcAddr, srcPort),
		Dst:     netip.AddrPortFrom(dstAddr, dstPort),
		Payload: udp[udpHeaderSize:],
	}, nil
}

// ipv4Checksum computes the RFC 791 Internet checksum (ones'-complement
// sum of 16-bit words, carries folded back in) over header, without
// inverting the result.
func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i:]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}
