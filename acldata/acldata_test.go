package acldata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/hciwire"
	"github.com/go-ble/aclproxy/l2cap"
	"github.com/go-ble/aclproxy/multibuf"
	"github.com/go-ble/aclproxy/transport"
)

func newTestChannel(maxConnections int, aclReserve, leReserve uint16) (*AclDataChannel, *l2cap.Registry, *transport.PipeTransport) {
	registry := l2cap.NewRegistry()
	pipe := transport.NewPipeTransport(8)
	ch := New(Config{
		MaxConnections:      maxConnections,
		AclCreditsToReserve: aclReserve,
		LeCreditsToReserve:  leReserve,
	}, pipe, registry)
	return ch, registry, pipe
}

// Each of these helpers returns both the parsed view and the raw buffer it
// was parsed from, since the view's writes land in that buffer and the raw
// bytes are what a handler forwards to host.

func readBufferSizeCC(status hciwire.StatusCode, aclPacketLength, totalPackets uint16) (hciwire.ReadBufferSizeCommandCompleteEvent, []byte) {
	b := make([]byte, 11)
	b[3] = byte(status)
	binary.LittleEndian.PutUint16(b[4:6], aclPacketLength)
	binary.LittleEndian.PutUint16(b[7:9], totalPackets)
	event, ok := hciwire.ParseReadBufferSizeCommandCompleteEvent(b)
	if !ok {
		panic("malformed test fixture")
	}
	return event, b
}

func connectionCompleteEvent(status hciwire.StatusCode, handle uint16) (hciwire.ConnectionCompleteEvent, []byte) {
	b := make([]byte, 11)
	b[0] = byte(status)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	event, ok := hciwire.ParseConnectionCompleteEvent(b)
	if !ok {
		panic("malformed test fixture")
	}
	return event, b
}

func disconnectionCompleteEvent(status hciwire.StatusCode, handle uint16, reason uint8) (hciwire.DisconnectionCompleteEvent, []byte) {
	b := make([]byte, 4)
	b[0] = byte(status)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	b[3] = reason
	event, ok := hciwire.ParseDisconnectionCompleteEvent(b)
	if !ok {
		panic("malformed test fixture")
	}
	return event, b
}

func nocpEvent(entries ...[2]uint16) (hciwire.NumberOfCompletedPacketsEvent, []byte) {
	b := make([]byte, 1+4*len(entries))
	b[0] = byte(len(entries))
	for i, e := range entries {
		off := 1 + i*4
		binary.LittleEndian.PutUint16(b[off:off+2], e[0])
		binary.LittleEndian.PutUint16(b[off+2:off+4], e[1])
	}
	event, ok := hciwire.ParseNumberOfCompletedPacketsEvent(b)
	if !ok {
		panic("malformed test fixture")
	}
	return event, b
}

func aclPacket(handle uint16, pb hciwire.PacketBoundaryFlag, payload []byte) []byte {
	b := make([]byte, hciwire.AclHeaderSize+len(payload))
	hciwire.PutAclHeader(b, handle, pb, hciwire.BCPointToPoint, uint16(len(payload)))
	copy(b[hciwire.AclHeaderSize:], payload)
	return b
}

func l2capFrame(cid uint16, info []byte) []byte {
	b := make([]byte, hciwire.BasicL2capHeaderSize+len(info))
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(info)))
	binary.LittleEndian.PutUint16(b[2:4], cid)
	copy(b[4:], info)
	return b
}

// recordingChannel is a test Channel that accepts every PDU and records it,
// optionally recombining through a FixedAllocator.
type recordingChannel struct {
	localCID uint16
	alloc    multibuf.Allocator
	fromCtrl [][]byte
	fromHost [][]byte
}

func (c *recordingChannel) HandlePduFromController(pdu []byte) bool {
	c.fromCtrl = append(c.fromCtrl, append([]byte(nil), pdu...))
	return true
}

func (c *recordingChannel) HandlePduFromHost(pdu []byte) bool {
	c.fromHost = append(c.fromHost, append([]byte(nil), pdu...))
	return true
}

func (c *recordingChannel) RxAllocator() (multibuf.Allocator, bool) {
	if c.alloc == nil {
		return nil, false
	}
	return c.alloc, true
}

func (c *recordingChannel) LocalCID() uint16 { return c.localCID }

func TestReadBufferSizeCommandCompleteReservesAndRewrites(t *testing.T) {
	ch, _, pipe := newTestChannel(4, 2, 0)
	event, raw := readBufferSizeCC(hciwire.StatusSuccess, 27, 10)

	ch.ProcessReadBufferSizeCommandCompleteEvent(event, raw)

	require.Equal(t, uint16(8), event.TotalNumAclDataPackets())
	require.True(t, ch.HasSendAclCapability(bttype.BrEdr))
	require.Equal(t, uint16(2), ch.GetNumFreeAclPackets(bttype.BrEdr))

	forwarded := <-pipe.ToHost
	require.Equal(t, uint16(8), mustParseBufferSizeCC(t, forwarded).TotalNumAclDataPackets())
}

func TestReadBufferSizeCommandCompleteFailureIsIgnoredButStillForwarded(t *testing.T) {
	ch, _, pipe := newTestChannel(4, 2, 0)
	event, raw := readBufferSizeCC(hciwire.StatusCode(0x01), 27, 10)

	ch.ProcessReadBufferSizeCommandCompleteEvent(event, raw)

	require.False(t, ch.HasSendAclCapability(bttype.BrEdr))
	require.Equal(t, uint16(10), event.TotalNumAclDataPackets())

	forwarded := <-pipe.ToHost
	require.Equal(t, raw, forwarded)
}

func TestReserveSendCreditExhaustion(t *testing.T) {
	ch, _, _ := newTestChannel(4, 1, 0)
	event, raw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(event, raw)

	first, status := ch.ReserveSendCredit(bttype.BrEdr)
	require.True(t, status.Ok())
	require.NotNil(t, first)

	_, status = ch.ReserveSendCredit(bttype.BrEdr)
	require.Equal(t, ResourceExhausted, status.Code)
}

func TestSendCreditReleaseReturnsCreditUnused(t *testing.T) {
	ch, _, _ := newTestChannel(4, 1, 0)
	event, raw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(event, raw)

	credit, status := ch.ReserveSendCredit(bttype.BrEdr)
	require.True(t, status.Ok())
	require.Equal(t, uint16(0), ch.GetNumFreeAclPackets(bttype.BrEdr))

	credit.Release()
	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.BrEdr))

	// Idempotent: a second release must not over-credit the pool.
	credit.Release()
	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.BrEdr))
}

func TestSendAclRoundTrip(t *testing.T) {
	ch, _, pipe := newTestChannel(4, 1, 0)
	bufEvent, bufRaw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(bufEvent, bufRaw)
	<-pipe.ToHost
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0040)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	credit, status := ch.ReserveSendCredit(bttype.BrEdr)
	require.True(t, status.Ok())

	payload := l2capFrame(0x0040, []byte("hello"))
	status = ch.SendAcl(credit, 0x0040, payload)
	require.True(t, status.Ok())

	sent := <-pipe.ToController
	require.Equal(t, byte(0x02), sent[0], "H4 ACL data packet-type prefix")
	require.Equal(t, uint16(0x0040), mustParseHandle(t, sent[1:]))

	// Credit consumed: pool stays at zero until a Number Of Completed
	// Packets event reclaims it.
	require.Equal(t, uint16(0), ch.GetNumFreeAclPackets(bttype.BrEdr))

	event, raw := nocpEvent([2]uint16{0x0040, 1})
	ch.HandleNumberOfCompletedPacketsEvent(event, raw)
	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.BrEdr))
	// Entirely the channel's own packet: rewritten to report nothing to
	// the host, and dropped rather than forwarded.
	require.Equal(t, uint16(0), event.Entry(0).NumCompletedPackets())
	select {
	case <-pipe.ToHost:
		t.Fatal("a fully-reclaimed NOCP event must not be forwarded to host")
	default:
	}
}

func TestNumberOfCompletedPacketsSplitsHostAndProxyShares(t *testing.T) {
	ch, _, pipe := newTestChannel(4, 1, 0)
	bufEvent, bufRaw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(bufEvent, bufRaw)
	<-pipe.ToHost
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0040)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	credit, status := ch.ReserveSendCredit(bttype.BrEdr)
	require.True(t, status.Ok())
	status = ch.SendAcl(credit, 0x0040, l2capFrame(0x0040, []byte("x")))
	require.True(t, status.Ok())
	<-pipe.ToController

	// Controller reports 3 completions for this handle: 1 is the
	// channel's own packet, 2 belong to the host's own traffic that
	// passed straight through.
	event, raw := nocpEvent([2]uint16{0x0040, 3})
	ch.HandleNumberOfCompletedPacketsEvent(event, raw)

	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.BrEdr))
	require.Equal(t, uint16(2), event.Entry(0).NumCompletedPackets())

	forwarded := <-pipe.ToHost
	require.Equal(t, raw, forwarded)
}

func TestDisconnectionReclaimsInFlightCredits(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 1, 0)
	bufEvent, bufRaw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(bufEvent, bufRaw)
	<-pipe.ToHost
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0040)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	credit, status := ch.ReserveSendCredit(bttype.BrEdr)
	require.True(t, status.Ok())
	status = ch.SendAcl(credit, 0x0040, l2capFrame(0x0040, []byte("x")))
	require.True(t, status.Ok())
	<-pipe.ToController
	require.Equal(t, uint16(0), ch.GetNumFreeAclPackets(bttype.BrEdr))

	discEvent, discRaw := disconnectionCompleteEvent(hciwire.StatusSuccess, 0x0040, 0x13)
	ch.ProcessDisconnectionCompleteEvent(discEvent, discRaw)

	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.BrEdr))
	_, found := ch.FindSignalingChannel(0x0040)
	require.False(t, found)
	_ = registry

	forwarded := <-pipe.ToHost
	require.Equal(t, discRaw, forwarded)
}

func TestSendAclWrongTransportDoesNotLeakPendingPackets(t *testing.T) {
	ch, _, pipe := newTestChannel(4, 1, 1)
	bufEvent, bufRaw := readBufferSizeCC(hciwire.StatusSuccess, 27, 5)
	ch.ProcessReadBufferSizeCommandCompleteEvent(bufEvent, bufRaw)
	<-pipe.ToHost
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0040)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost
	// LE Read Buffer Size [v1]: 27-byte packets, 5 buffers, so the LE pool
	// has its one reserved credit to hand out.
	leRaw := make([]byte, 7)
	binary.LittleEndian.PutUint16(leRaw[4:6], 27)
	leRaw[6] = 5
	leEvent, ok := hciwire.ParseLEReadBufferSizeV1CommandCompleteEvent(leRaw)
	require.True(t, ok)
	ch.ProcessLEReadBufferSizeV1CommandCompleteEvent(leEvent, leRaw)
	<-pipe.ToHost

	// 0x0040 is a BR/EDR connection; reserve an LE credit instead so the
	// transport check fails.
	leCredit, status := ch.ReserveSendCredit(bttype.Le)
	require.True(t, status.Ok())

	status = ch.SendAcl(leCredit, 0x0040, l2capFrame(0x0040, []byte("x")))
	require.Equal(t, InvalidArgument, status.Code)

	// The packet was never handed to the controller, so the connection's
	// pending-packet count must not have moved; nothing will ever reclaim
	// an increment that happened here.
	ch.mu.Lock()
	pending := ch.connections[0x0040].numPendingPackets
	ch.mu.Unlock()
	require.Equal(t, uint16(0), pending)

	// The credit itself must also have been returned rather than burned.
	require.Equal(t, uint16(1), ch.GetNumFreeAclPackets(bttype.Le))
}

func TestRecombinationAcrossTwoFragments(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0041)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	alloc := multibuf.NewFixedAllocator(1024)
	channel := &recordingChannel{localCID: 0x0060, alloc: alloc}
	registry.RegisterChannel(0x0041, 0x0070, channel)

	info := []byte("0123456789")
	frame := l2capFrame(0x0060, info)

	first := aclPacket(0x0041, hciwire.PBFirstNonFlushable, frame[:6])
	status := ch.HandleAclData(bttype.FromController, first)
	require.True(t, status.Ok())
	require.Empty(t, channel.fromCtrl)

	second := aclPacket(0x0041, hciwire.PBContinuingFragment, frame[6:])
	status = ch.HandleAclData(bttype.FromController, second)
	require.True(t, status.Ok())
	require.Len(t, channel.fromCtrl, 1)
	require.Equal(t, frame, channel.fromCtrl[0])
}

func TestRecombinationSingleFragmentCompletesImmediately(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0041)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	channel := &recordingChannel{localCID: 0x0060}
	registry.RegisterChannel(0x0041, 0x0070, channel)

	frame := l2capFrame(0x0060, []byte("short"))
	// A single fragment that already holds the whole PDU still arrives
	// flagged as a first fragment, never as PBComplete (0b11 is reserved
	// for AMP controllers and must not be special-cased here).
	packet := aclPacket(0x0041, hciwire.PBFirstNonFlushable, frame)

	status := ch.HandleAclData(bttype.FromController, packet)
	require.True(t, status.Ok())
	require.Len(t, channel.fromCtrl, 1)
}

func TestRecombinationAbandonedOnNewFirstFragment(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0041)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	alloc := multibuf.NewFixedAllocator(1024)
	channel := &recordingChannel{localCID: 0x0060, alloc: alloc}
	registry.RegisterChannel(0x0041, 0x0070, channel)

	frameA := l2capFrame(0x0060, []byte("0123456789"))
	first := aclPacket(0x0041, hciwire.PBFirstNonFlushable, frameA[:6])
	require.True(t, ch.HandleAclData(bttype.FromController, first).Ok())

	// A second "first fragment" arrives before the first PDU completed:
	// the abandoned recombination must not leak its allocation or
	// surface a stale PDU once the new one finishes.
	frameB := l2capFrame(0x0060, []byte("short"))
	second := aclPacket(0x0041, hciwire.PBFirstNonFlushable, frameB)
	status := ch.HandleAclData(bttype.FromController, second)
	require.True(t, status.Ok())
	require.Len(t, channel.fromCtrl, 1)
	require.Equal(t, frameB, channel.fromCtrl[0])
}

func TestHandleAclDataRejectsCompleteBoundaryFlag(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0041)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	channel := &recordingChannel{localCID: 0x0060}
	registry.RegisterChannel(0x0041, 0x0070, channel)

	// PBComplete (0b11) is not a valid first-fragment indicator in this
	// subsystem's own fragmentation logic; it must be logged and passed
	// through rather than treated as an ordinary complete PDU.
	frame := l2capFrame(0x0060, []byte("short"))
	packet := aclPacket(0x0041, hciwire.PBComplete, frame)

	status := ch.HandleAclData(bttype.FromController, packet)
	require.Equal(t, NotFound, status.Code)
	require.Empty(t, channel.fromCtrl)
}

func TestHandleAclDataDropsFirstFragmentLongerThanDeclared(t *testing.T) {
	ch, registry, pipe := newTestChannel(4, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0041)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost

	channel := &recordingChannel{localCID: 0x0060}
	registry.RegisterChannel(0x0041, 0x0070, channel)

	// The L2CAP header declares a 3-byte PDU, but the fragment actually
	// carries 10 bytes after the header: a malformed frame that must be
	// dropped, not silently truncated and delivered.
	hdr := make([]byte, hciwire.BasicL2capHeaderSize)
	binary.LittleEndian.PutUint16(hdr[0:2], 3)
	binary.LittleEndian.PutUint16(hdr[2:4], 0x0060)
	fragment := append(hdr, []byte("0123456789")...)
	packet := aclPacket(0x0041, hciwire.PBFirstNonFlushable, fragment)

	status := ch.HandleAclData(bttype.FromController, packet)
	require.Equal(t, OutOfRange, status.Code)
}

func TestHandleAclDataUnknownHandleIsPassThrough(t *testing.T) {
	ch, _, _ := newTestChannel(4, 0, 0)
	packet := aclPacket(0x0099, hciwire.PBFirstNonFlushable, l2capFrame(0x0060, []byte("x")))

	status := ch.HandleAclData(bttype.FromController, packet)
	require.Equal(t, NotFound, status.Code)
}

func TestAddConnectionRejectsDuplicateAndFullTable(t *testing.T) {
	ch, _, pipe := newTestChannel(1, 0, 0)
	ccEvent, ccRaw := connectionCompleteEvent(hciwire.StatusSuccess, 0x0001)
	ch.HandleConnectionCompleteEvent(ccEvent, ccRaw)
	<-pipe.ToHost
	_, found := ch.FindSignalingChannel(0x0001)
	require.True(t, found)

	status := ch.addConnection(bttype.BrEdr, 0x0001)
	require.Equal(t, AlreadyExists, status.Code)

	status = ch.addConnection(bttype.BrEdr, 0x0002)
	require.Equal(t, ResourceExhausted, status.Code)
}

func mustParseHandle(t *testing.T, packet []byte) uint16 {
	t.Helper()
	hdr, ok := hciwire.ParseAclHeader(packet)
	require.True(t, ok)
	return hdr.Handle()
}

func mustParseBufferSizeCC(t *testing.T, raw []byte) hciwire.ReadBufferSizeCommandCompleteEvent {
	t.Helper()
	event, ok := hciwire.ParseReadBufferSizeCommandCompleteEvent(raw)
	require.True(t, ok)
	return event
}
