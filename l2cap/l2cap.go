// Package l2cap defines the L2CAP-side collaborators the ACL data channel
// depends on but does not implement: the channel registry that knows which
// CIDs are proxy-owned, and the channels themselves. The registry and its
// per-channel receive handlers are out of scope for the ACL data channel
// proper (spec: an external collaborator, consumed only through
// ChannelManager); Registry below is a reference implementation of that
// collaborator, grounded on the teacher's handle-keyed connection map, used
// by this repo's tests and its demo binary.
package l2cap

import (
	"sync"

	log "github.com/mgutz/logxi/v1"

	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/multibuf"
)

// Channel is an L2CAP channel the proxy terminates traffic for.
type Channel interface {
	// HandlePduFromController delivers a PDU received from the controller.
	// Returns true if the PDU was accepted, false to request pass-through
	// (which the ACL data channel may be unable to honor for a recombined
	// PDU — see AclDataChannel.HandleAclData).
	HandlePduFromController(pdu []byte) bool

	// HandlePduFromHost delivers a PDU received from the host.
	HandlePduFromHost(pdu []byte) bool

	// RxAllocator returns the allocator this channel wants recombination
	// buffers drawn from, or ok=false if it cannot recombine fragmented
	// PDUs at all.
	RxAllocator() (alloc multibuf.Allocator, ok bool)

	// LocalCID is this channel's fixed local channel ID, used to route
	// signaling-channel lookups.
	LocalCID() uint16
}

// ChannelManager is the L2CAP channel registry the ACL data channel
// consults to classify and route ACL traffic.
type ChannelManager interface {
	// FindChannelByLocalCID looks up a channel by the CID the proxy/host
	// assigned for a given connection (used for FromController traffic).
	FindChannelByLocalCID(handle, cid uint16) (Channel, bool)

	// FindChannelByRemoteCID looks up a channel by the CID the peer
	// assigned (used for FromHost traffic).
	FindChannelByRemoteCID(handle, cid uint16) (Channel, bool)

	// DrainChannelQueues is called once credits become available, so
	// channels that were blocked on ReserveSendCredit can retry.
	DrainChannelQueues()

	// HandleDisconnectionComplete notifies the registry that a connection
	// has torn down, so it can release any channels scoped to it.
	HandleDisconnectionComplete(handle uint16)

	// SetLEACLDataPacketLength publishes the LE ACL data packet length
	// discovered from LE Read Buffer Size, so LE channels can size their
	// own PDUs within it.
	SetLEACLDataPacketLength(n uint16)
}

// fixedCID returns the signaling channel CID for transport, per the
// Bluetooth core spec: 0x0001 for BR/EDR, 0x0005 for LE.
func fixedCID(transport bttype.Transport) uint16 {
	if transport == bttype.Le {
		return 0x0005
	}
	return 0x0001
}

// SignalingChannel is the per-connection L2CAP signaling channel. The
// original proxy constructs one LE-flavored and one BR/EDR-flavored
// signaling channel per connection regardless of which transport that
// connection actually uses; per this repo's redesign, a connection gets
// exactly one SignalingChannel, tagged by its transport at construction.
type SignalingChannel struct {
	transport bttype.Transport
	handle    uint16
	localCID  uint16
	mgr       ChannelManager
}

// NewSignalingChannel constructs the signaling channel for a connection,
// tagged by the transport that connection actually runs on.
func NewSignalingChannel(transport bttype.Transport, handle uint16, mgr ChannelManager) *SignalingChannel {
	return &SignalingChannel{
		transport: transport,
		handle:    handle,
		localCID:  fixedCID(transport),
		mgr:       mgr,
	}
}

// LocalCID implements Channel.
func (s *SignalingChannel) LocalCID() uint16 { return s.localCID }

// RxAllocator implements Channel. Signaling PDUs are small and fit in a
// single ACL fragment in every configuration this proxy supports, so the
// signaling channel never recombines.
func (s *SignalingChannel) RxAllocator() (multibuf.Allocator, bool) { return nil, false }

// HandlePduFromController implements Channel. The signaling protocol itself
// (connection parameter updates, credit-based flow control signaling, etc.)
// is out of scope for the ACL data channel; a full signaling implementation
// would live above this, so the reference channel here just declines every
// PDU and lets it pass through.
func (s *SignalingChannel) HandlePduFromController(pdu []byte) bool { return false }

// HandlePduFromHost implements Channel.
func (s *SignalingChannel) HandlePduFromHost(pdu []byte) bool { return false }

// channelKey indexes a registered channel by (handle, CID) from one side.
type channelKey struct {
	handle uint16
	cid    uint16
}

// Registry is a reference ChannelManager: a handle-and-CID indexed channel
// table plus a queue of sends blocked on credit, grounded on the teacher's
// l2cap.LE (mutex-guarded map keyed by connection handle), generalized to
// index by local and remote CID as well, since this proxy (unlike the
// teacher, which only ever looks up "the" connection) must resolve
// multiple channels per handle.
type Registry struct {
	mu             sync.Mutex
	byLocalCID     map[channelKey]Channel
	byRemoteCID    map[channelKey]Channel
	blocked        []func()
	leAclPacketLen uint16
	log            log.Logger
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		byLocalCID:  make(map[channelKey]Channel),
		byRemoteCID: make(map[channelKey]Channel),
		log:         log.New("l2cap"),
	}
}

// RegisterChannel makes ch findable by both the local and remote CID it
// reports for handle. Registering the same (handle, localCID) twice
// replaces the previous entry.
func (r *Registry) RegisterChannel(handle uint16, remoteCID uint16, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLocalCID[channelKey{handle, ch.LocalCID()}] = ch
	r.byRemoteCID[channelKey{handle, remoteCID}] = ch
}

// FindChannelByLocalCID implements ChannelManager.
func (r *Registry) FindChannelByLocalCID(handle, cid uint16) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byLocalCID[channelKey{handle, cid}]
	return ch, ok
}

// FindChannelByRemoteCID implements ChannelManager.
func (r *Registry) FindChannelByRemoteCID(handle, cid uint16) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byRemoteCID[channelKey{handle, cid}]
	return ch, ok
}

// QueueBlockedSend records a retry thunk to run on the next
// DrainChannelQueues, for a channel send that couldn't reserve a credit.
func (r *Registry) QueueBlockedSend(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, f)
}

// DrainChannelQueues implements ChannelManager.
func (r *Registry) DrainChannelQueues() {
	r.mu.Lock()
	pending := r.blocked
	r.blocked = nil
	r.mu.Unlock()

	for _, f := range pending {
		f()
	}
}

// HandleDisconnectionComplete implements ChannelManager.
func (r *Registry) HandleDisconnectionComplete(handle uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.byLocalCID {
		if k.handle == handle {
			delete(r.byLocalCID, k)
		}
	}
	for k := range r.byRemoteCID {
		if k.handle == handle {
			delete(r.byRemoteCID, k)
		}
	}
}

// SetLEACLDataPacketLength implements ChannelManager.
func (r *Registry) SetLEACLDataPacketLength(n uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == 0 {
		r.log.Error("controller shares ACL data buffers between BR/EDR and LE transport; LE channels will not be functional")
	}
	r.leAclPacketLen = n
}

// LEACLDataPacketLength returns the most recently published LE ACL data
// packet length (zero if unknown or the controller shares buffer pools).
func (r *Registry) LEACLDataPacketLength() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leAclPacketLen
}
