package acldata

import (
	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/internal/assert"
)

// SendCredit is a move-only handle representing one reserved ACL transmit
// slot. Exactly one of MarkUsed or Release fires per credit over its
// lifetime: MarkUsed consumes it (the slot will be reclaimed later via a
// Number Of Completed Packets event), Release returns it unused to its
// pool.
//
// Go has no destructors, so "guaranteed release on drop" becomes "release
// is idempotent and every reservation path defers it immediately" rather
// than relying on GC finalizers, which offer no timing guarantee. See
// SPEC_FULL.md §6 for the rationale.
//
// A SendCredit is a value type holding a pointer back to its channel; it is
// not safe to share across goroutines (the reserving goroutine owns it
// until MarkUsed or Release).
type SendCredit struct {
	transport bttype.Transport
	channel   *AclDataChannel
	live      bool
}

// Transport reports which transport's pool this credit was drawn from.
func (c *SendCredit) Transport() bttype.Transport { return c.transport }

// MarkUsed consumes the credit: its eventual release is now the
// responsibility of a future Number Of Completed Packets event, not this
// handle. Calling MarkUsed a second time, or after Release, is a
// precondition violation — each credit is used or released exactly once.
func (c *SendCredit) MarkUsed() {
	assert.That(c.live, "SendCredit.MarkUsed called on a non-live credit")
	c.live = false
}

// Release returns the credit to its pool if it hasn't been used yet. Safe
// to call multiple times or on a zero-value SendCredit; only the first
// call on a live, unused credit has any effect. Callers reserve a credit
// and defer Release immediately, so a credit that's never sent (an error
// path, a rejected packet) always finds its way back to the pool.
func (c *SendCredit) Release() {
	if !c.live {
		return
	}
	c.live = false
	c.channel.relinquish(c.transport)
}

