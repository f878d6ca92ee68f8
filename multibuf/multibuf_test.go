package multibuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedAllocatorBounds(t *testing.T) {
	a := NewFixedAllocator(10)

	buf, ok := a.Allocate(6)
	require.True(t, ok)
	require.Equal(t, 6, buf.Len())

	_, ok = a.Allocate(5)
	require.False(t, ok, "allocating past the outstanding ceiling must fail")

	buf.Release()

	buf2, ok := a.Allocate(5)
	require.True(t, ok, "releasing the first buffer must free room for the second")
	require.Equal(t, 5, buf2.Len())
}

func TestBufferWriteAt(t *testing.T) {
	a := NewFixedAllocator(32)
	buf, ok := a.Allocate(8)
	require.True(t, ok)

	require.True(t, buf.WriteAt([]byte{1, 2, 3}, 0))
	require.True(t, buf.WriteAt([]byte{4, 5}, 3))
	require.False(t, buf.WriteAt([]byte{0}, 8), "write past the fixed size must fail")
	require.Equal(t, []byte{1, 2, 3, 4, 5, 0, 0, 0}, buf.Bytes())
}

func TestReleaseOnZeroBufferIsNoop(t *testing.T) {
	var zero Buffer
	zero.Release()
}
