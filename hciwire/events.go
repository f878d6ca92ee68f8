package hciwire

import "encoding/binary"

// Each event view below wraps the event's parameter bytes (the event code
// and length octets are assumed already stripped by the caller, matching
// how the rest of this module receives events from a transport). Views that
// the ACL data channel rewrites in place (the two buffer-size events, and
// the completed-packets event) expose Write* accessors alongside Read*.

// ReadBufferSizeCommandCompleteEvent views the Command Complete event for
// the BR/EDR "Read Buffer Size" command.
type ReadBufferSizeCommandCompleteEvent struct{ b []byte }

const readBufferSizeCCSize = 11

// ParseReadBufferSizeCommandCompleteEvent validates and wraps b.
func ParseReadBufferSizeCommandCompleteEvent(b []byte) (ReadBufferSizeCommandCompleteEvent, bool) {
	if len(b) < readBufferSizeCCSize {
		return ReadBufferSizeCommandCompleteEvent{}, false
	}
	return ReadBufferSizeCommandCompleteEvent{b: b}, true
}

func (e ReadBufferSizeCommandCompleteEvent) Status() StatusCode { return StatusCode(e.b[3]) }

func (e ReadBufferSizeCommandCompleteEvent) AclDataPacketLength() uint16 {
	return binary.LittleEndian.Uint16(e.b[4:6])
}

func (e ReadBufferSizeCommandCompleteEvent) TotalNumAclDataPackets() uint16 {
	return binary.LittleEndian.Uint16(e.b[7:9])
}

// WriteTotalNumAclDataPackets rewrites the field in place, as the proxy does
// when handing the host a reduced share of the controller's credits.
func (e ReadBufferSizeCommandCompleteEvent) WriteTotalNumAclDataPackets(n uint16) {
	binary.LittleEndian.PutUint16(e.b[7:9], n)
}

// LEReadBufferSizeV1CommandCompleteEvent views the Command Complete event
// for "LE Read Buffer Size [v1]".
type LEReadBufferSizeV1CommandCompleteEvent struct{ b []byte }

const leReadBufferSizeV1CCSize = 7

func ParseLEReadBufferSizeV1CommandCompleteEvent(b []byte) (LEReadBufferSizeV1CommandCompleteEvent, bool) {
	if len(b) < leReadBufferSizeV1CCSize {
		return LEReadBufferSizeV1CommandCompleteEvent{}, false
	}
	return LEReadBufferSizeV1CommandCompleteEvent{b: b}, true
}

func (e LEReadBufferSizeV1CommandCompleteEvent) Status() StatusCode { return StatusCode(e.b[3]) }

func (e LEReadBufferSizeV1CommandCompleteEvent) LeAclDataPacketLength() uint16 {
	return binary.LittleEndian.Uint16(e.b[4:6])
}

func (e LEReadBufferSizeV1CommandCompleteEvent) TotalNumLeAclDataPackets() uint16 {
	return uint16(e.b[6])
}

func (e LEReadBufferSizeV1CommandCompleteEvent) WriteTotalNumLeAclDataPackets(n uint16) {
	e.b[6] = byte(n)
}

// LEReadBufferSizeV2CommandCompleteEvent views the Command Complete event
// for "LE Read Buffer Size [v2]", which adds the ISO data buffer fields.
type LEReadBufferSizeV2CommandCompleteEvent struct{ b []byte }

const leReadBufferSizeV2CCSize = 10

func ParseLEReadBufferSizeV2CommandCompleteEvent(b []byte) (LEReadBufferSizeV2CommandCompleteEvent, bool) {
	if len(b) < leReadBufferSizeV2CCSize {
		return LEReadBufferSizeV2CommandCompleteEvent{}, false
	}
	return LEReadBufferSizeV2CommandCompleteEvent{b: b}, true
}

func (e LEReadBufferSizeV2CommandCompleteEvent) Status() StatusCode { return StatusCode(e.b[3]) }

func (e LEReadBufferSizeV2CommandCompleteEvent) LeAclDataPacketLength() uint16 {
	return binary.LittleEndian.Uint16(e.b[4:6])
}

func (e LEReadBufferSizeV2CommandCompleteEvent) TotalNumLeAclDataPackets() uint16 {
	return uint16(e.b[6])
}

func (e LEReadBufferSizeV2CommandCompleteEvent) WriteTotalNumLeAclDataPackets(n uint16) {
	e.b[6] = byte(n)
}

func (e LEReadBufferSizeV2CommandCompleteEvent) IsoDataPacketLength() uint16 {
	return binary.LittleEndian.Uint16(e.b[7:9])
}

func (e LEReadBufferSizeV2CommandCompleteEvent) TotalNumIsoDataPackets() uint16 {
	return uint16(e.b[9])
}

// NocpEntry is one (handle, completed-count) pair within a Number Of
// Completed Packets event.
type NocpEntry struct {
	b []byte
}

func (n NocpEntry) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(n.b[0:2]) }

func (n NocpEntry) NumCompletedPackets() uint16 { return binary.LittleEndian.Uint16(n.b[2:4]) }

// WriteNumCompletedPackets rewrites this entry's count in place.
func (n NocpEntry) WriteNumCompletedPackets(v uint16) {
	binary.LittleEndian.PutUint16(n.b[2:4], v)
}

// NumberOfCompletedPacketsEvent views the "Number Of Completed Packets"
// event: a count, followed by that many (handle, count) pairs.
type NumberOfCompletedPacketsEvent struct{ b []byte }

func ParseNumberOfCompletedPacketsEvent(b []byte) (NumberOfCompletedPacketsEvent, bool) {
	if len(b) < 1 {
		return NumberOfCompletedPacketsEvent{}, false
	}
	n := int(b[0])
	if len(b) < 1+n*4 {
		return NumberOfCompletedPacketsEvent{}, false
	}
	return NumberOfCompletedPacketsEvent{b: b}, true
}

func (e NumberOfCompletedPacketsEvent) NumHandles() int { return int(e.b[0]) }

func (e NumberOfCompletedPacketsEvent) Entry(i int) NocpEntry {
	off := 1 + i*4
	return NocpEntry{b: e.b[off : off+4]}
}

// ConnectionCompleteEvent views the BR/EDR "Connection Complete" event.
type ConnectionCompleteEvent struct{ b []byte }

const connectionCompleteSize = 11

func ParseConnectionCompleteEvent(b []byte) (ConnectionCompleteEvent, bool) {
	if len(b) < connectionCompleteSize {
		return ConnectionCompleteEvent{}, false
	}
	return ConnectionCompleteEvent{b: b}, true
}

func (e ConnectionCompleteEvent) Status() StatusCode { return StatusCode(e.b[0]) }

func (e ConnectionCompleteEvent) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[1:3])
}

// LEConnectionCompleteEvent views the "LE Connection Complete" LE Meta
// subevent (subevent code already stripped by the caller).
type LEConnectionCompleteEvent struct{ b []byte }

const leConnectionCompleteSize = 18

func ParseLEConnectionCompleteEvent(b []byte) (LEConnectionCompleteEvent, bool) {
	if len(b) < leConnectionCompleteSize {
		return LEConnectionCompleteEvent{}, false
	}
	return LEConnectionCompleteEvent{b: b}, true
}

func (e LEConnectionCompleteEvent) Status() StatusCode { return StatusCode(e.b[0]) }

func (e LEConnectionCompleteEvent) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[1:3])
}

// LEEnhancedConnectionCompleteV1Event views the "LE Enhanced Connection
// Complete [v1]" LE Meta subevent.
type LEEnhancedConnectionCompleteV1Event struct{ b []byte }

const leEnhancedConnectionCompleteV1Size = 30

func ParseLEEnhancedConnectionCompleteV1Event(b []byte) (LEEnhancedConnectionCompleteV1Event, bool) {
	if len(b) < leEnhancedConnectionCompleteV1Size {
		return LEEnhancedConnectionCompleteV1Event{}, false
	}
	return LEEnhancedConnectionCompleteV1Event{b: b}, true
}

func (e LEEnhancedConnectionCompleteV1Event) Status() StatusCode { return StatusCode(e.b[0]) }

func (e LEEnhancedConnectionCompleteV1Event) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[1:3])
}

// LEEnhancedConnectionCompleteV2Event views the "LE Enhanced Connection
// Complete [v2]" LE Meta subevent, which adds the advertising handle and
// periodic-sync handle fields used for PAwR and BIG connections.
type LEEnhancedConnectionCompleteV2Event struct{ b []byte }

const leEnhancedConnectionCompleteV2Size = 33

func ParseLEEnhancedConnectionCompleteV2Event(b []byte) (LEEnhancedConnectionCompleteV2Event, bool) {
	if len(b) < leEnhancedConnectionCompleteV2Size {
		return LEEnhancedConnectionCompleteV2Event{}, false
	}
	return LEEnhancedConnectionCompleteV2Event{b: b}, true
}

func (e LEEnhancedConnectionCompleteV2Event) Status() StatusCode { return StatusCode(e.b[0]) }

func (e LEEnhancedConnectionCompleteV2Event) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[1:3])
}

func (e LEEnhancedConnectionCompleteV2Event) AdvertisingHandle() uint8 { return e.b[30] }

func (e LEEnhancedConnectionCompleteV2Event) SyncHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[31:33])
}

// DisconnectionCompleteEvent views the "Disconnection Complete" event.
type DisconnectionCompleteEvent struct{ b []byte }

const disconnectionCompleteSize = 4

func ParseDisconnectionCompleteEvent(b []byte) (DisconnectionCompleteEvent, bool) {
	if len(b) < disconnectionCompleteSize {
		return DisconnectionCompleteEvent{}, false
	}
	return DisconnectionCompleteEvent{b: b}, true
}

func (e DisconnectionCompleteEvent) Status() StatusCode { return StatusCode(e.b[0]) }

func (e DisconnectionCompleteEvent) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(e.b[1:3])
}

func (e DisconnectionCompleteEvent) Reason() uint8 { return e.b[3] }
