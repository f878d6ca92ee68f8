// Package assert provides fatal invariant checks, the Go stand-in for the
// PW_CHECK/PW_DCHECK macros the proxy's original implementation relies on.
// Unlike a recoverable error, a failed assertion here means the proxy's own
// state model is broken, not that a peer sent something unexpected.
package assert

import "fmt"

// That panics with msg (formatted with args) if cond is false.
func That(cond bool, msg string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(msg, args...))
	}
}

// Unreachable panics unconditionally. Used for switch defaults over closed
// enumerations where the caller passed a value outside the known set.
func Unreachable(msg string, args ...interface{}) {
	panic(fmt.Sprintf(msg, args...))
}
