package acldata

import (
	log "github.com/mgutz/logxi/v1"

	"github.com/go-ble/aclproxy/internal/assert"
)

// credits accounts for one transport's ACL send-credit pool, split between
// what the proxy reserved for itself and what it's currently waiting on the
// controller to acknowledge. Grounded on
// pw_bluetooth_proxy::AclDataChannel::Credits.
type credits struct {
	// toReserve is the configured target: the most the proxy would like
	// to hold back from the host. Immutable after construction.
	toReserve uint16

	// proxyMax is how many credits the proxy actually obtained from the
	// controller, once Reserve has run. <= toReserve, <= controllerMax.
	proxyMax uint16

	// proxyPending is how many outstanding packets the controller still
	// owes a completion for.
	proxyPending uint16
}

func newCredits(toReserve uint16) credits {
	return credits{toReserve: toReserve}
}

// initialized reports whether Reserve has run since construction or the
// last Reset.
func (c *credits) initialized() bool {
	return c.proxyMax > 0 || c.proxyPending > 0
}

// available is how many more packets the proxy may send without exceeding
// its reserved share.
func (c *credits) available() uint16 {
	return c.proxyMax - c.proxyPending
}

// hasSendCapability reports whether the proxy reserved any credits at all.
func (c *credits) hasSendCapability() bool {
	return c.proxyMax > 0
}

// reserve claims proxyMax = min(controllerMax, toReserve) and returns the
// remainder for the host to use. Calling this twice without an intervening
// Reset is a precondition violation: the original proxy only ever sees a
// buffer-size command complete once per initialization.
func (c *credits) reserve(log log.Logger, controllerMax uint16) uint16 {
	assert.That(!c.initialized(), "credits.reserve called while already initialized")

	c.proxyMax = controllerMax
	if c.toReserve < c.proxyMax {
		c.proxyMax = c.toReserve
	}
	hostMax := controllerMax - c.proxyMax

	log.Info("reserved ACL data credits", "proxyMax", c.proxyMax, "hostMax", hostMax)
	if c.proxyMax < c.toReserve {
		log.Error("reserved fewer ACL data credits than configured",
			"got", c.proxyMax, "wanted", c.toReserve, "controllerMax", controllerMax)
	}
	return hostMax
}

// markPending claims n credits against Available, or reports
// ResourceExhausted without mutating state.
func (c *credits) markPending(n uint16) Status {
	if n > c.available() {
		return statusf(ResourceExhausted, "requested more ACL credits than available")
	}
	c.proxyPending += n
	return Status{Code: OK}
}

// markCompleted releases up to n pending credits. A controller reporting
// more completions than were outstanding is tolerated (logged, clamped to
// zero) rather than treated as fatal: the spec calls this "unexpected but
// tolerated" controller behavior.
func (c *credits) markCompleted(log log.Logger, n uint16) {
	if n > c.proxyPending {
		log.Error("controller reported more completed packets than were pending",
			"completed", n, "pending", c.proxyPending)
		c.proxyPending = 0
		return
	}
	c.proxyPending -= n
}

// reset clears both fields. Used only when tearing down the whole proxy
// before re-initialization.
func (c *credits) reset() {
	c.proxyMax = 0
	c.proxyPending = 0
}
