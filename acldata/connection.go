package acldata

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/l2cap"
	"github.com/go-ble/aclproxy/multibuf"
)

// aclConnection is the per-handle record the channel keeps for a live ACL
// connection: which transport it runs on, how many packets the controller
// currently owes completion for, one recombination slot per direction, and
// the connection's signaling channel. Grounded on
// pw_bluetooth_proxy::AclDataChannel::AclConnection, generalized per
// SPEC_FULL.md §5.3 to a single tagged SignalingChannel rather than an
// embedded LE/BR-EDR pair.
type aclConnection struct {
	transport         bttype.Transport
	handle            uint16
	traceID           uuid.UUID
	numPendingPackets uint16
	recombination     [bttype.NumDirections]*recombinationBuffer
	signalingChannel  *l2cap.SignalingChannel
}

func newAclConnection(transport bttype.Transport, handle uint16, mgr l2cap.ChannelManager) *aclConnection {
	return &aclConnection{
		transport:        transport,
		handle:           handle,
		traceID:          uuid.New(),
		signalingChannel: l2cap.NewSignalingChannel(transport, handle, mgr),
	}
}

// startRecombination begins accumulating a new PDU for direction, failing
// with FailedPrecondition if one is already in flight.
func (c *aclConnection) startRecombination(direction bttype.Direction, alloc multibuf.Allocator, size int) Status {
	if c.recombinationActive(direction) {
		return statusf(FailedPrecondition, "recombination already active for this direction")
	}
	buf, ok := newRecombinationBuffer(alloc, size)
	if !ok {
		err := errors.Errorf("multibuf allocator could not satisfy a %d-byte recombination request", size)
		return statusf(ResourceExhausted, err.Error())
	}
	c.recombination[direction] = buf
	return Status{Code: OK}
}

// recombinationActive reports whether a PDU is currently being
// reassembled for direction.
func (c *aclConnection) recombinationActive(direction bttype.Direction) bool {
	return c.recombination[direction] != nil
}

// fragmentResult is the outcome of appending a fragment to an in-progress
// recombination.
type fragmentResult int

const (
	fragmentNeedsMore fragmentResult = iota
	fragmentComplete
	fragmentOverflow
)

// recombineFragment appends data to the in-progress buffer for direction.
// Precondition: recombinationActive(direction) — callers check this (or
// establish it via startRecombination) before calling.
func (c *aclConnection) recombineFragment(direction bttype.Direction, data []byte) (fragmentResult, []byte) {
	buf := c.recombination[direction]
	if !buf.write(data) {
		c.endRecombination(direction)
		return fragmentOverflow, nil
	}
	if !buf.isComplete() {
		return fragmentNeedsMore, nil
	}
	pdu := buf.take()
	c.recombination[direction] = nil
	return fragmentComplete, pdu
}

// endRecombination tears down any in-progress buffer for direction, if
// present. Safe to call when none is active.
func (c *aclConnection) endRecombination(direction bttype.Direction) {
	if buf := c.recombination[direction]; buf != nil {
		buf.release()
		c.recombination[direction] = nil
	}
}

// endAllRecombination tears down both directions' buffers, used on
// disconnection.
func (c *aclConnection) endAllRecombination() {
	c.endRecombination(bttype.FromController)
	c.endRecombination(bttype.FromHost)
}
