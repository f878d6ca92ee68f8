package hciwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAclHeaderRoundTrip(t *testing.T) {
	// handle 0x0040, PB=FIRST_FLUSHABLE (0b10), BC=point-to-point, len=20.
	b := []byte{0x40, 0x20, 0x14, 0x00, 0xAA, 0xBB}
	h, ok := ParseAclHeader(b)
	require.True(t, ok)
	require.Equal(t, uint16(0x0040), h.Handle())
	require.Equal(t, PBFirstFlushable, h.PacketBoundaryFlag())
	require.Equal(t, BCPointToPoint, h.BroadcastFlag())
	require.Equal(t, uint16(20), h.DataTotalLength())

	payload, ok := h.Payload([]byte{0x40, 0x20, 0x02, 0x00, 0xAA, 0xBB})
	require.True(t, ok)
	require.Equal(t, []byte{0xAA, 0xBB}, payload)

	_, ok = h.Payload([]byte{0x40, 0x20, 0x02, 0x00, 0xAA})
	require.False(t, ok, "short payload must be rejected")
}

func TestAclHeaderTooShort(t *testing.T) {
	_, ok := ParseAclHeader([]byte{0x01, 0x02})
	require.False(t, ok)
}

func TestBasicL2capHeader(t *testing.T) {
	b := []byte{0x28, 0x00, 0x05, 0x00}
	h, ok := ParseBasicL2capHeader(b)
	require.True(t, ok)
	require.Equal(t, uint16(40), h.PduLength())
	require.Equal(t, uint16(5), h.ChannelID())
}

func TestReadBufferSizeCommandCompleteRewrite(t *testing.T) {
	b := make([]byte, readBufferSizeCCSize)
	b[3] = byte(StatusSuccess)
	b[7], b[8] = 10, 0 // total_num_acl_data_packets = 10

	e, ok := ParseReadBufferSizeCommandCompleteEvent(b)
	require.True(t, ok)
	require.Equal(t, uint16(10), e.TotalNumAclDataPackets())

	e.WriteTotalNumAclDataPackets(6)
	require.Equal(t, uint16(6), e.TotalNumAclDataPackets())
}

func TestLEReadBufferSizeV1(t *testing.T) {
	b := make([]byte, leReadBufferSizeV1CCSize)
	b[4], b[5] = 27, 0 // le_acl_data_packet_length = 27
	b[6] = 10          // total_num_le_acl_data_packets = 10

	e, ok := ParseLEReadBufferSizeV1CommandCompleteEvent(b)
	require.True(t, ok)
	require.Equal(t, uint16(27), e.LeAclDataPacketLength())
	require.Equal(t, uint16(10), e.TotalNumLeAclDataPackets())

	e.WriteTotalNumLeAclDataPackets(6)
	require.Equal(t, uint16(6), e.TotalNumLeAclDataPackets())
}

func TestNumberOfCompletedPacketsEvent(t *testing.T) {
	b := []byte{
		2,          // num handles
		0x40, 0x00, 3, 0, // handle 0x0040, 3 completed
		0x80, 0x00, 2, 0, // handle 0x0080, 2 completed
	}
	e, ok := ParseNumberOfCompletedPacketsEvent(b)
	require.True(t, ok)
	require.Equal(t, 2, e.NumHandles())

	e0 := e.Entry(0)
	require.Equal(t, uint16(0x0040), e0.ConnectionHandle())
	require.Equal(t, uint16(3), e0.NumCompletedPackets())

	e0.WriteNumCompletedPackets(1)
	require.Equal(t, uint16(1), e.Entry(0).NumCompletedPackets())
	require.Equal(t, uint16(2), e.Entry(1).NumCompletedPackets(), "rewriting one entry must not disturb another")
}

func TestNumberOfCompletedPacketsEventShortBuffer(t *testing.T) {
	_, ok := ParseNumberOfCompletedPacketsEvent([]byte{2, 0x40, 0x00})
	require.False(t, ok)
}

func TestDisconnectionCompleteEvent(t *testing.T) {
	b := []byte{0x00, 0x40, 0x00, 0x13}
	e, ok := ParseDisconnectionCompleteEvent(b)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, e.Status())
	require.Equal(t, uint16(0x0040), e.ConnectionHandle())
	require.Equal(t, uint8(0x13), e.Reason())
}
