// Package acldata implements the proxy's ACL data channel: the single
// coordinator sitting between the host and controller that tracks how many
// send credits each transport has, reassembles fragmented L2CAP PDUs
// arriving from either side, and routes completed PDUs to the L2CAP layer.
// Grounded throughout on pw_bluetooth_proxy::AclDataChannel
// (acl_data_channel.cc).
package acldata

import (
	"sync"

	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"

	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/hciwire"
	"github.com/go-ble/aclproxy/l2cap"
	"github.com/go-ble/aclproxy/multibuf"
	"github.com/go-ble/aclproxy/transport"
)

// Config fixes an AclDataChannel's capacity and how many credits it tries to
// reserve for itself on each transport, decided once at construction and
// never changed afterward.
type Config struct {
	// MaxConnections bounds the connection table. A connection complete
	// event received once it's full is rejected with ResourceExhausted
	// rather than growing the table without limit.
	MaxConnections int

	// AclCreditsToReserve and LeCreditsToReserve are the credit counts the
	// channel asks for from each transport's controller-reported maximum.
	// The remainder is handed to the host.
	AclCreditsToReserve uint16
	LeCreditsToReserve  uint16
}

// AclDataChannel is the coordinator described at the package level. All
// mutable state lives behind mu; per the concurrency discipline this repo
// carries over from the original, every method buffers its decision while
// holding the lock, releases it, and only then calls an external
// collaborator (the transport or the L2CAP channel manager).
type AclDataChannel struct {
	mu sync.Mutex

	log       log.Logger
	transport transport.HCITransport
	channels  l2cap.ChannelManager

	maxConnections int
	connections    map[uint16]*aclConnection

	brEdr credits
	le    credits
}

// New constructs an AclDataChannel. It does nothing with the transport or
// channel manager until an event or a connection complete arrives.
func New(cfg Config, hciTransport transport.HCITransport, channels l2cap.ChannelManager) *AclDataChannel {
	return &AclDataChannel{
		log:            log.New("acldata"),
		transport:      hciTransport,
		channels:       channels,
		maxConnections: cfg.MaxConnections,
		connections:    make(map[uint16]*aclConnection, cfg.MaxConnections),
		brEdr:          newCredits(cfg.AclCreditsToReserve),
		le:             newCredits(cfg.LeCreditsToReserve),
	}
}

// Reset tears the channel down to its just-constructed state: credits reset
// first, then the connection table cleared, matching the ordering invariant
// that nothing should observe a connection whose credits haven't yet been
// reclaimed.
func (ch *AclDataChannel) Reset() {
	ch.mu.Lock()
	ch.brEdr.reset()
	ch.le.reset()
	ch.connections = make(map[uint16]*aclConnection, ch.maxConnections)
	ch.mu.Unlock()
}

func (ch *AclDataChannel) creditsFor(t bttype.Transport) *credits {
	if t == bttype.Le {
		return &ch.le
	}
	return &ch.brEdr
}

// --- buffer-size discovery -------------------------------------------------

// ProcessReadBufferSizeCommandCompleteEvent reserves the channel's share of
// the controller's BR/EDR ACL buffers and rewrites the event in place to
// report only the host's remaining share. raw is the full event this view
// was parsed from; it is always forwarded to host once unlocked, and any
// channel that was blocked on BR/EDR credit exhaustion is drained.
func (ch *AclDataChannel) ProcessReadBufferSizeCommandCompleteEvent(event hciwire.ReadBufferSizeCommandCompleteEvent, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		ch.mu.Lock()
		hostMax := ch.brEdr.reserve(ch.log, event.TotalNumAclDataPackets())
		ch.mu.Unlock()
		event.WriteTotalNumAclDataPackets(hostMax)
		ch.channels.DrainChannelQueues()
	}
	ch.forwardToHost(raw)
}

// ProcessLEReadBufferSizeV1CommandCompleteEvent is the LE Read Buffer Size
// [v1] counterpart of ProcessReadBufferSizeCommandCompleteEvent.
func (ch *AclDataChannel) ProcessLEReadBufferSizeV1CommandCompleteEvent(event hciwire.LEReadBufferSizeV1CommandCompleteEvent, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		ch.reserveLE(event.LeAclDataPacketLength(), event.TotalNumLeAclDataPackets(), event.WriteTotalNumLeAclDataPackets)
	}
	ch.forwardToHost(raw)
}

// ProcessLEReadBufferSizeV2CommandCompleteEvent is the LE Read Buffer Size
// [v2] counterpart, which additionally carries ISO buffer fields the
// channel has no use for and leaves untouched.
func (ch *AclDataChannel) ProcessLEReadBufferSizeV2CommandCompleteEvent(event hciwire.LEReadBufferSizeV2CommandCompleteEvent, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		ch.reserveLE(event.LeAclDataPacketLength(), event.TotalNumLeAclDataPackets(), event.WriteTotalNumLeAclDataPackets)
	}
	ch.forwardToHost(raw)
}

func (ch *AclDataChannel) reserveLE(packetLength, controllerMax uint16, writeBack func(uint16)) {
	// A controller that shares one buffer pool between BR/EDR and LE
	// reports a zero LE packet length here; the registry needs to know
	// that so LE channels can stop assuming they have a private budget.
	ch.channels.SetLEACLDataPacketLength(packetLength)

	ch.mu.Lock()
	hostMax := ch.le.reserve(ch.log, controllerMax)
	ch.mu.Unlock()
	writeBack(hostMax)
	ch.channels.DrainChannelQueues()
}

// --- completed packets -------------------------------------------------

// HandleNumberOfCompletedPacketsEvent reclaims credits for packets the
// channel itself sent, and rewrites each entry in place to report only the
// completions attributable to the host's own traffic. An entry whose
// completions were entirely the channel's own is rewritten to a zero count
// rather than removed, since removing an entry would require re-framing the
// whole event; a host observing zero completed packets for a handle treats
// it as a no-op. Once unlocked, the event is forwarded to host only if some
// entry still carries a nonzero remainder for the host's own traffic; if
// every entry reclaimed in full, the event is dropped instead. Any
// reclaiming at all drains queues that were blocked on send credit.
func (ch *AclDataChannel) HandleNumberOfCompletedPacketsEvent(event hciwire.NumberOfCompletedPacketsEvent, raw []byte) {
	ch.mu.Lock()
	anyReclaimed := false
	forward := false

	for i := 0; i < event.NumHandles(); i++ {
		entry := event.Entry(i)
		handle := entry.ConnectionHandle()
		total := entry.NumCompletedPackets()

		conn, ok := ch.connections[handle]
		if !ok {
			// Unknown handle: none of these completions are ours, so the
			// entry goes to host untouched.
			forward = true
			continue
		}

		proxyCompleted := conn.numPendingPackets
		if total < proxyCompleted {
			proxyCompleted = total
		}
		conn.numPendingPackets -= proxyCompleted
		if proxyCompleted > 0 {
			anyReclaimed = true
		}
		ch.creditsFor(conn.transport).markCompleted(ch.log, proxyCompleted)

		remainder := total - proxyCompleted
		entry.WriteNumCompletedPackets(remainder)
		if remainder > 0 {
			forward = true
		}
	}
	ch.mu.Unlock()

	if anyReclaimed {
		ch.channels.DrainChannelQueues()
	}
	if forward {
		ch.forwardToHost(raw)
	}
}

// --- connection lifecycle -------------------------------------------------

func (ch *AclDataChannel) addConnection(transport bttype.Transport, handle uint16) Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, exists := ch.connections[handle]; exists {
		return statusf(AlreadyExists, "connection handle already tracked")
	}
	if len(ch.connections) >= ch.maxConnections {
		return statusf(ResourceExhausted, "connection table full")
	}
	conn := newAclConnection(transport, handle, ch.channels)
	ch.connections[handle] = conn
	ch.log.Debug("tracking new ACL connection", "handle", handle, "transport", transport, "trace_id", conn.traceID)
	return Status{Code: OK}
}

// HandleConnectionCompleteEvent registers a new BR/EDR connection. The event
// is always forwarded to host, including on a failure status, since the
// host's own connection state machine needs to see it regardless of whether
// this channel could track it.
func (ch *AclDataChannel) HandleConnectionCompleteEvent(event hciwire.ConnectionCompleteEvent, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		if status := ch.addConnection(bttype.BrEdr, event.ConnectionHandle()); !status.Ok() {
			ch.log.Error("could not track new BR/EDR connection", "handle", event.ConnectionHandle(), "err", status)
		}
	}
	ch.forwardToHost(raw)
}

// HandleLeConnectionCompleteEvent registers a new LE connection from the
// legacy "LE Connection Complete" subevent.
func (ch *AclDataChannel) HandleLeConnectionCompleteEvent(event hciwire.LEConnectionCompleteEvent, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		if status := ch.addConnection(bttype.Le, event.ConnectionHandle()); !status.Ok() {
			ch.log.Error("could not track new LE connection", "handle", event.ConnectionHandle(), "err", status)
		}
	}
	ch.forwardToHost(raw)
}

// HandleLeEnhancedConnectionCompleteV1Event registers a new LE connection
// from the "LE Enhanced Connection Complete [v1]" subevent.
func (ch *AclDataChannel) HandleLeEnhancedConnectionCompleteV1Event(event hciwire.LEEnhancedConnectionCompleteV1Event, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		if status := ch.addConnection(bttype.Le, event.ConnectionHandle()); !status.Ok() {
			ch.log.Error("could not track new LE connection", "handle", event.ConnectionHandle(), "err", status)
		}
	}
	ch.forwardToHost(raw)
}

// HandleLeEnhancedConnectionCompleteV2Event registers a new LE connection
// from the "LE Enhanced Connection Complete [v2]" subevent.
func (ch *AclDataChannel) HandleLeEnhancedConnectionCompleteV2Event(event hciwire.LEEnhancedConnectionCompleteV2Event, raw []byte) {
	if event.Status() == hciwire.StatusSuccess {
		if status := ch.addConnection(bttype.Le, event.ConnectionHandle()); !status.Ok() {
			ch.log.Error("could not track new LE connection", "handle", event.ConnectionHandle(), "err", status)
		}
	}
	ch.forwardToHost(raw)
}

// ProcessDisconnectionCompleteEvent tears a connection down: any credits
// still outstanding for it are reclaimed immediately, since a controller
// that has forgotten the handle will never send a completing NOCP entry for
// it, then its recombination buffers are released and it's dropped from the
// table. The L2CAP channel manager is notified next, and only after the
// lock is released; the event itself is forwarded to host last.
func (ch *AclDataChannel) ProcessDisconnectionCompleteEvent(event hciwire.DisconnectionCompleteEvent, raw []byte) {
	handle := event.ConnectionHandle()

	ch.mu.Lock()
	conn, ok := ch.connections[handle]
	if ok {
		ch.creditsFor(conn.transport).markCompleted(ch.log, conn.numPendingPackets)
		conn.endAllRecombination()
		delete(ch.connections, handle)
	}
	ch.mu.Unlock()

	if ok {
		ch.channels.HandleDisconnectionComplete(handle)
	}
	ch.forwardToHost(raw)
}

// forwardToHost calls the transport's SendToHost with raw, the complete,
// possibly-rewritten HCI event this channel just finished processing. Called
// outside ch.mu, per the lock-discipline rule that external collaborators
// are only ever invoked once the decision to call them is fully buffered.
func (ch *AclDataChannel) forwardToHost(raw []byte) {
	if err := ch.transport.SendToHost(raw); err != nil {
		ch.log.Error("failed to forward HCI event to host", "err", err)
	}
}

// ForwardMalformedEvent logs and forwards raw unmodified: it is an HCI event
// this channel recognized by event code (or Command Complete opcode, or LE
// Meta subevent code) but couldn't parse because the buffer was too short
// for that event's fixed layout. Parse failures never block forwarding.
func (ch *AclDataChannel) ForwardMalformedEvent(raw []byte) {
	ch.log.Error("malformed HCI event; forwarding unmodified", "bytes", len(raw))
	ch.forwardToHost(raw)
}

// ForwardEvent forwards raw to host unmodified. It's the pass-through path
// for event codes, Command Complete opcodes, and LE Meta subevents this
// channel has no business interpreting.
func (ch *AclDataChannel) ForwardEvent(raw []byte) {
	ch.forwardToHost(raw)
}

// --- send path -------------------------------------------------

// HasSendAclCapability reports whether the channel reserved any credits at
// all for transport.
func (ch *AclDataChannel) HasSendAclCapability(t bttype.Transport) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.creditsFor(t).hasSendCapability()
}

// GetNumFreeAclPackets reports how many more packets the channel may send on
// transport without exceeding its reserved share.
func (ch *AclDataChannel) GetNumFreeAclPackets(t bttype.Transport) uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.creditsFor(t).available()
}

// ReserveSendCredit claims one send credit from transport's pool. Callers
// must eventually call exactly one of the returned credit's MarkUsed or
// Release methods.
func (ch *AclDataChannel) ReserveSendCredit(t bttype.Transport) (*SendCredit, Status) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if status := ch.creditsFor(t).markPending(1); !status.Ok() {
		return nil, status
	}
	return &SendCredit{transport: t, channel: ch, live: true}, Status{Code: OK}
}

// relinquish returns one credit to transport's pool. Called by
// SendCredit.Release; never called directly.
func (ch *AclDataChannel) relinquish(t bttype.Transport) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.creditsFor(t).markCompleted(ch.log, 1)
}

// SendAcl consumes credit and writes pdu to the controller as a single
// H4-framed ACL data packet addressed to handle, flagged as a first
// (non-flushable) fragment that holds the whole PDU. The caller must have
// reserved credit from the same transport that handle's connection runs on;
// a mismatch is a precondition violation the caller is expected to avoid by
// always reserving against the result of the connection's own transport.
func (ch *AclDataChannel) SendAcl(credit *SendCredit, handle uint16, pdu []byte) Status {
	ch.mu.Lock()
	conn, ok := ch.connections[handle]
	ch.mu.Unlock()

	if !ok {
		credit.Release()
		return statusf(NotFound, "no tracked connection for handle")
	}
	if conn.transport != credit.Transport() {
		credit.Release()
		return statusf(InvalidArgument, "credit reserved from the wrong transport for this connection")
	}

	// H4 framing: the one-byte ACL data packet-type prefix (0x02), then the
	// ACL header and the PDU.
	packet := make([]byte, 1+hciwire.AclHeaderSize+len(pdu))
	packet[0] = 0x02
	hciwire.PutAclHeader(packet[1:], handle, hciwire.PBFirstNonFlushable, hciwire.BCPointToPoint, uint16(len(pdu)))
	copy(packet[1+hciwire.AclHeaderSize:], pdu)

	credit.MarkUsed()
	ch.mu.Lock()
	conn.numPendingPackets++
	ch.mu.Unlock()

	if err := ch.transport.SendToController(packet); err != nil {
		wrapped := errors.Wrapf(err, "sending ACL data for handle %#04x", handle)
		ch.log.Error("failed to send ACL data to controller", "handle", handle, "err", wrapped)
		return statusf(FailedPrecondition, wrapped.Error())
	}
	return Status{Code: OK}
}

// --- receive path / recombination -------------------------------------------------

// HandleAclData processes one ACL data fragment arriving from direction,
// recombining multi-fragment L2CAP PDUs and routing completed PDUs to the
// registered channel, if any. Fragments addressed to a CID the channel
// doesn't recognize, or arriving for an untracked handle, are reported as
// NotFound so the caller can pass them through unmodified; a recognized but
// malformed or oversized PDU is logged and dropped rather than forwarded,
// matching the original's "fail closed on an aggressive peer" posture. A PDU
// the channel declines is reported as NotFound when it arrived whole in one
// fragment, and as FailedPrecondition (not forwarded) when it was recombined.
func (ch *AclDataChannel) HandleAclData(direction bttype.Direction, packet []byte) Status {
	hdr, ok := hciwire.ParseAclHeader(packet)
	if !ok {
		return statusf(InvalidArgument, "packet too short for an ACL header")
	}
	fragment, ok := hdr.Payload(packet)
	if !ok {
		return statusf(InvalidArgument, "ACL header data total length exceeds packet size")
	}

	ch.mu.Lock()
	conn, ok := ch.connections[hdr.Handle()]
	if !ok {
		ch.mu.Unlock()
		return statusf(NotFound, "no tracked connection for handle")
	}

	var pdu []byte
	var complete bool
	status := ch.bufferFragmentLocked(conn, direction, hdr.PacketBoundaryFlag(), fragment, &pdu, &complete)
	ch.mu.Unlock()

	if !status.Ok() || !complete {
		return status
	}
	status = ch.routeCompletedPDU(direction, conn, pdu)
	if status.Code == FailedPrecondition && hdr.PacketBoundaryFlag() != hciwire.PBContinuingFragment {
		// Declined, but the PDU arrived whole in this one packet, which is
		// still untouched: report it for pass-through.
		return statusf(NotFound, "channel declined PDU")
	}
	return status
}

// bufferFragmentLocked runs the fragmentation state machine for one
// fragment. Must be called with ch.mu held. On success with complete=true,
// pdu holds the fully reassembled L2CAP frame (header and payload).
func (ch *AclDataChannel) bufferFragmentLocked(conn *aclConnection, direction bttype.Direction, pb hciwire.PacketBoundaryFlag, fragment []byte, pdu *[]byte, complete *bool) Status {
	switch pb {
	case hciwire.PBFirstFlushable, hciwire.PBFirstNonFlushable:
		if conn.recombinationActive(direction) {
			ch.log.Error("new PDU started before previous one completed; abandoning it", "handle", conn.handle, "direction", direction)
			conn.endRecombination(direction)
		}

		l2capHdr, ok := hciwire.ParseBasicL2capHeader(fragment)
		if !ok {
			return statusf(InvalidArgument, "first fragment too short for an L2CAP header")
		}
		total := hciwire.BasicL2capHeaderSize + int(l2capHdr.PduLength())

		switch {
		case total == len(fragment):
			*pdu = fragment[:total]
			*complete = true
			return Status{Code: OK}
		case total < len(fragment):
			// Only a frame addressed to a registered channel is dropped;
			// anything else is foreign traffic and passes through. Like
			// rxAllocatorLocked, this is a pure lookup made with ch.mu held.
			var found bool
			if direction == bttype.FromController {
				_, found = ch.channels.FindChannelByLocalCID(conn.handle, l2capHdr.ChannelID())
			} else {
				_, found = ch.channels.FindChannelByRemoteCID(conn.handle, l2capHdr.ChannelID())
			}
			if !found {
				return statusf(NotFound, "no channel registered for this CID")
			}
			ch.log.Error("first fragment's payload exceeds its declared L2CAP frame length; dropping it", "handle", conn.handle, "direction", direction)
			return statusf(OutOfRange, "first fragment payload exceeds its declared L2CAP frame length")
		}

		alloc, ok := ch.rxAllocatorLocked(conn, direction, l2capHdr.ChannelID())
		if !ok {
			return statusf(NotFound, "no channel registered for this CID offers recombination")
		}
		if status := conn.startRecombination(direction, alloc, total); !status.Ok() {
			return status
		}
		result, _ := conn.recombineFragment(direction, fragment)
		if result == fragmentOverflow {
			return statusf(OutOfRange, "initial fragment did not fit its own declared PDU length")
		}
		return Status{Code: OK}

	case hciwire.PBContinuingFragment:
		if !conn.recombinationActive(direction) {
			return statusf(NotFound, "continuing fragment with no PDU in progress")
		}
		result, completedPDU := conn.recombineFragment(direction, fragment)
		switch result {
		case fragmentOverflow:
			ch.log.Error("recombined PDU exceeded its declared length; dropping it", "handle", conn.handle, "direction", direction)
			return statusf(OutOfRange, "fragment overflowed the declared PDU length")
		case fragmentComplete:
			*pdu = completedPDU
			*complete = true
		}
		return Status{Code: OK}

	default:
		ch.log.Error("unexpected packet boundary flag; passing fragment through", "handle", conn.handle, "direction", direction, "flag", pb)
		return statusf(NotFound, "unexpected packet boundary flag")
	}
}

// rxAllocatorLocked finds the allocator a newly-started recombination for
// cid should draw from: the target channel's own, if one is registered and
// offers one. A CID with no registered channel, or one that declines to
// recombine (RxAllocator's ok=false), gets no recombination at all, so its
// continuing fragments fall through to "no PDU in progress" and are
// reported for pass-through instead.
//
// Unlike the send path and disconnection handling, this is called with
// ch.mu still held: it's a pure lookup (FindChannelByLocalCID/RemoteCID and
// RxAllocator never mutate channel-manager state or call back into
// AclDataChannel), so it carries none of the lock-order-inversion risk that
// rule exists to avoid.
func (ch *AclDataChannel) rxAllocatorLocked(conn *aclConnection, direction bttype.Direction, cid uint16) (multibuf.Allocator, bool) {
	var channel l2cap.Channel
	var found bool
	if direction == bttype.FromController {
		channel, found = ch.channels.FindChannelByLocalCID(conn.handle, cid)
	} else {
		channel, found = ch.channels.FindChannelByRemoteCID(conn.handle, cid)
	}
	if !found {
		return nil, false
	}
	return channel.RxAllocator()
}

// routeCompletedPDU is called without ch.mu held. It looks up the channel
// this PDU's CID addresses and delivers it, or reports NotFound if no
// channel claims that CID.
func (ch *AclDataChannel) routeCompletedPDU(direction bttype.Direction, conn *aclConnection, pdu []byte) Status {
	l2capHdr, ok := hciwire.ParseBasicL2capHeader(pdu)
	if !ok {
		return statusf(InvalidArgument, "completed PDU too short for an L2CAP header")
	}
	cid := l2capHdr.ChannelID()

	var channel l2cap.Channel
	var found bool
	if direction == bttype.FromController {
		channel, found = ch.channels.FindChannelByLocalCID(conn.handle, cid)
	} else {
		channel, found = ch.channels.FindChannelByRemoteCID(conn.handle, cid)
	}
	if !found {
		return statusf(NotFound, "no channel registered for this CID")
	}

	var accepted bool
	if direction == bttype.FromController {
		accepted = channel.HandlePduFromController(pdu)
	} else {
		accepted = channel.HandlePduFromHost(pdu)
	}
	if !accepted {
		return statusf(FailedPrecondition, "channel declined PDU")
	}
	return Status{Code: OK}
}

// FindSignalingChannel returns handle's signaling channel, if the
// connection is tracked.
func (ch *AclDataChannel) FindSignalingChannel(handle uint16) (*l2cap.SignalingChannel, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	conn, ok := ch.connections[handle]
	if !ok {
		return nil, false
	}
	return conn.signalingChannel, true
}
