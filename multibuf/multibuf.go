// Package multibuf is a small contiguous-allocation pool, the backing store
// for the ACL data channel's per-connection recombination buffers. It plays
// the role the original proxy gives to a multi-buffer allocator: hand out a
// fixed-size contiguous region on request, bounded so a misbehaving peer
// can't make the proxy allocate without limit.
package multibuf

import "sync"

// Allocator hands out contiguous byte regions of a caller-chosen size.
// Implementations may bound total outstanding bytes or allocation count;
// Allocate reports failure rather than blocking.
type Allocator interface {
	// Allocate returns a Buffer backed by exactly size contiguous bytes,
	// or ok=false if the allocator cannot satisfy the request right now.
	Allocate(size int) (buf Buffer, ok bool)
}

// Buffer is a fixed-size, sequentially-written region handed out by an
// Allocator. It is not safe for concurrent use.
type Buffer struct {
	data []byte
	pool *FixedAllocator
}

// Len returns the buffer's fixed capacity.
func (b Buffer) Len() int { return len(b.data) }

// Bytes returns the full backing slice.
func (b Buffer) Bytes() []byte { return b.data }

// WriteAt copies src into the buffer starting at offset, failing if it would
// run past the buffer's fixed size.
func (b Buffer) WriteAt(src []byte, offset int) bool {
	if offset < 0 || offset+len(src) > len(b.data) {
		return false
	}
	copy(b.data[offset:], src)
	return true
}

// Release returns the buffer's backing storage to its allocator. Safe to
// call on a zero Buffer (no-op).
func (b Buffer) Release() {
	if b.pool == nil {
		return
	}
	b.pool.release(len(b.data))
}

// FixedAllocator is a reference Allocator: it tracks total bytes
// outstanding against a configured ceiling but otherwise allocates fresh
// slices per request (it does not recycle slices of different sizes, since
// recombination buffer sizes vary by PDU).
type FixedAllocator struct {
	mu             sync.Mutex
	maxOutstanding int
	outstanding    int
}

// NewFixedAllocator returns an Allocator that refuses requests once
// maxOutstanding bytes are checked out and not yet Released.
func NewFixedAllocator(maxOutstanding int) *FixedAllocator {
	return &FixedAllocator{maxOutstanding: maxOutstanding}
}

// Allocate implements Allocator.
func (a *FixedAllocator) Allocate(size int) (Buffer, bool) {
	if size < 0 {
		return Buffer{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outstanding+size > a.maxOutstanding {
		return Buffer{}, false
	}
	a.outstanding += size
	return Buffer{data: make([]byte, size), pool: a}, true
}

func (a *FixedAllocator) release(size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outstanding -= size
	if a.outstanding < 0 {
		a.outstanding = 0
	}
}
