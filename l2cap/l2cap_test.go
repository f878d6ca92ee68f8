package l2cap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/multibuf"
)

type stubChannel struct {
	localCID uint16
}

func (s *stubChannel) HandlePduFromController(pdu []byte) bool      { return true }
func (s *stubChannel) HandlePduFromHost(pdu []byte) bool            { return true }
func (s *stubChannel) RxAllocator() (multibuf.Allocator, bool)      { return nil, false }
func (s *stubChannel) LocalCID() uint16                             { return s.localCID }

func TestRegistryLookupByLocalAndRemoteCID(t *testing.T) {
	r := NewRegistry()
	ch := &stubChannel{localCID: 0x0040}
	r.RegisterChannel(0x0001, 0x0041, ch)

	got, ok := r.FindChannelByLocalCID(0x0001, 0x0040)
	require.True(t, ok)
	require.Same(t, Channel(ch), got)

	got, ok = r.FindChannelByRemoteCID(0x0001, 0x0041)
	require.True(t, ok)
	require.Same(t, Channel(ch), got)

	_, ok = r.FindChannelByLocalCID(0x0002, 0x0040)
	require.False(t, ok, "lookup must be scoped to the connection handle")
}

func TestRegistryHandleDisconnectionCompleteRemovesChannels(t *testing.T) {
	r := NewRegistry()
	ch := &stubChannel{localCID: 0x0040}
	r.RegisterChannel(0x0001, 0x0041, ch)

	r.HandleDisconnectionComplete(0x0001)

	_, ok := r.FindChannelByLocalCID(0x0001, 0x0040)
	require.False(t, ok)
}

func TestRegistryDrainChannelQueuesRunsBlockedSendsOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.QueueBlockedSend(func() { calls++ })
	r.QueueBlockedSend(func() { calls++ })

	r.DrainChannelQueues()
	require.Equal(t, 2, calls)

	r.DrainChannelQueues()
	require.Equal(t, 2, calls, "a second drain with nothing queued must not rerun old callbacks")
}

func TestSignalingChannelFixedCID(t *testing.T) {
	r := NewRegistry()
	le := NewSignalingChannel(bttype.Le, 0x0001, r)
	require.Equal(t, uint16(0x0005), le.LocalCID())

	brEdr := NewSignalingChannel(bttype.BrEdr, 0x0002, r)
	require.Equal(t, uint16(0x0001), brEdr.LocalCID())
}

func TestSetLEACLDataPacketLengthZeroIsTolerated(t *testing.T) {
	r := NewRegistry()
	r.SetLEACLDataPacketLength(0)
	require.Equal(t, uint16(0), r.LEACLDataPacketLength())
}
