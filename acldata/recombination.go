package acldata

import "github.com/go-ble/aclproxy/multibuf"

// recombinationBuffer accumulates ACL fragments into one contiguous L2CAP
// PDU, backed by a single fixed-size allocation obtained up front (so an
// overlarge PDU fails at allocation time, and fragments past the declared
// size fail at the first overflowing write, rather than growing without
// bound). Grounded on
// pw_bluetooth_proxy::MultiBufWriter.
type recombinationBuffer struct {
	buf    multibuf.Buffer
	cursor int
}

// newRecombinationBuffer allocates a size-byte contiguous buffer from
// alloc, or reports ok=false if the allocator can't satisfy the request.
func newRecombinationBuffer(alloc multibuf.Allocator, size int) (*recombinationBuffer, bool) {
	buf, ok := alloc.Allocate(size)
	if !ok {
		return nil, false
	}
	return &recombinationBuffer{buf: buf}, true
}

// write appends data at the current cursor, failing if it would overflow
// the buffer's fixed size.
func (r *recombinationBuffer) write(data []byte) bool {
	if !r.buf.WriteAt(data, r.cursor) {
		return false
	}
	r.cursor += len(data)
	return true
}

// isComplete reports whether every byte of the target size has been
// written.
func (r *recombinationBuffer) isComplete() bool {
	return r.cursor == r.buf.Len()
}

// take consumes the backing allocation, returning the fully-written bytes.
// Only valid once isComplete reports true.
func (r *recombinationBuffer) take() []byte {
	b := r.buf.Bytes()
	r.buf.Release()
	r.buf = multibuf.Buffer{}
	return b
}

// release frees the backing allocation without returning its contents,
// used when a PDU is abandoned or overflows mid-recombination.
func (r *recombinationBuffer) release() {
	r.buf.Release()
	r.buf = multibuf.Buffer{}
}
