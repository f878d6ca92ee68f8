// Package hciwire is the concrete wire-format layer the ACL data channel
// parses and, in a few cases, rewrites in place: the ACL data packet header,
// the basic L2CAP header, and the handful of HCI events the channel cares
// about (buffer-size discovery, completed-packets accounting, connection
// lifecycle). The original proxy leans on an external, code-generated view
// library for this; this package is the hand-written Go stand-in, following
// the teacher's bytes.Buffer-plus-encoding/binary marshaling style for the
// fields that aren't bit-packed, and explicit bit-twiddling for the ones
// that are.
package hciwire

import "encoding/binary"

// PacketBoundaryFlag is the 2-bit PB flag packed into the top of an ACL
// header's first 16-bit word.
type PacketBoundaryFlag uint8

const (
	PBFirstNonFlushable  PacketBoundaryFlag = 0b00
	PBContinuingFragment PacketBoundaryFlag = 0b01
	PBFirstFlushable     PacketBoundaryFlag = 0b10
	PBComplete           PacketBoundaryFlag = 0b11
)

// BroadcastFlag is the 2-bit BC flag packed alongside PB in an ACL header.
type BroadcastFlag uint8

const (
	BCPointToPoint     BroadcastFlag = 0b00
	BCActiveSlaveBcast BroadcastFlag = 0b01
	BCParkedSlaveBcast BroadcastFlag = 0b10
)

// AclHeaderSize is the fixed 4-byte ACL data packet header size.
const AclHeaderSize = 4

// AclHeader views the 4-byte header of an HCI ACL data packet: a 12-bit
// connection handle, 2-bit packet-boundary flag, 2-bit broadcast flag, and a
// 16-bit data total length, all little-endian.
type AclHeader struct {
	b []byte
}

// ParseAclHeader returns a view over b's first AclHeaderSize bytes, or
// ok=false if b is too short.
func ParseAclHeader(b []byte) (AclHeader, bool) {
	if len(b) < AclHeaderSize {
		return AclHeader{}, false
	}
	return AclHeader{b: b[:AclHeaderSize]}, true
}

func (h AclHeader) handleAndFlags() uint16 { return binary.LittleEndian.Uint16(h.b[0:2]) }

// Handle returns the 12-bit connection handle.
func (h AclHeader) Handle() uint16 { return h.handleAndFlags() & 0x0FFF }

// PacketBoundaryFlag returns the 2-bit PB flag.
func (h AclHeader) PacketBoundaryFlag() PacketBoundaryFlag {
	return PacketBoundaryFlag((h.handleAndFlags() >> 12) & 0x3)
}

// BroadcastFlag returns the 2-bit BC flag.
func (h AclHeader) BroadcastFlag() BroadcastFlag {
	return BroadcastFlag((h.handleAndFlags() >> 14) & 0x3)
}

// DataTotalLength returns the number of payload bytes following the header
// in this fragment (not the full, possibly-reassembled, L2CAP frame size).
func (h AclHeader) DataTotalLength() uint16 { return binary.LittleEndian.Uint16(h.b[2:4]) }

// Payload returns the bytes following the header, sized by DataTotalLength,
// or ok=false if the backing buffer is shorter than advertised.
func (h AclHeader) Payload(full []byte) (payload []byte, ok bool) {
	n := int(h.DataTotalLength())
	rest := full[AclHeaderSize:]
	if len(rest) < n {
		return nil, false
	}
	return rest[:n], true
}

// PutAclHeader encodes an ACL header into b's first AclHeaderSize bytes,
// for the send path (the channel never rewrites the header of a packet it
// received, so there's no corresponding in-place rewrite helper).
func PutAclHeader(b []byte, handle uint16, pb PacketBoundaryFlag, bc BroadcastFlag, dataTotalLength uint16) {
	handleAndFlags := (handle & 0x0FFF) | (uint16(pb)&0x3)<<12 | (uint16(bc)&0x3)<<14
	binary.LittleEndian.PutUint16(b[0:2], handleAndFlags)
	binary.LittleEndian.PutUint16(b[2:4], dataTotalLength)
}

// BasicL2capHeaderSize is the fixed 4-byte basic L2CAP header size.
const BasicL2capHeaderSize = 4

// BasicL2capHeader views an L2CAP PDU's 4-byte basic header: a 16-bit PDU
// (information payload) length and a 16-bit channel ID.
type BasicL2capHeader struct {
	b []byte
}

// ParseBasicL2capHeader returns a view over b's first BasicL2capHeaderSize
// bytes, or ok=false if b is too short to hold a full header.
func ParseBasicL2capHeader(b []byte) (BasicL2capHeader, bool) {
	if len(b) < BasicL2capHeaderSize {
		return BasicL2capHeader{}, false
	}
	return BasicL2capHeader{b: b[:BasicL2capHeaderSize]}, true
}

// PduLength returns the length of the information payload following this
// header (i.e. excluding the header itself).
func (h BasicL2capHeader) PduLength() uint16 { return binary.LittleEndian.Uint16(h.b[0:2]) }

// ChannelID returns the destination L2CAP channel ID.
func (h BasicL2capHeader) ChannelID() uint16 { return binary.LittleEndian.Uint16(h.b[2:4]) }

// StatusCode mirrors the single-byte HCI status field; zero is success.
type StatusCode uint8

// StatusSuccess is the HCI success status code.
const StatusSuccess StatusCode = 0x00
