// Package connections holds the registry of remote addresses seen in a
// pending state and whether a host route has been installed for them.
package connections

import (
	"net/netip"
	"time"
)

// State is the routing state of a tracked remote address.
type State int

const (
	// StatePending means the address was seen in SYN_SENT and has no route yet.
	StatePending State = iota
	// StateRouted means a host route via the gateway was installed. Terminal
	// until a purge.
	StateRouted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRouted:
		return "routed"
	default:
		return "unknown"
	}
}

// Connection pairs a remote address with its state. Identity and ordering
// come from Address alone.
type Connection struct {
	Address netip.Addr
	State   State
	Since   time.Time // first sighting; only meaningful while Pending
}

// NewPending returns a Pending entry for addr first seen at since.
func NewPending(addr netip.Addr, since time.Time) Connection {
	return Connection{Address: addr.Unmap(), State: StatePending, Since: since}
}

// NewRouted returns an entry that already has a route.
func NewRouted(addr netip.Addr) Connection {
	return Connection{Address: addr.Unmap(), State: StateRouted}
}

// Less orders connections by numeric address.
func Less(a, b Connection) bool {
	return a.Address.Less(b.Address)
}

// PendingFor reports how long the entry has been pending at now.
// Routed entries report zero.
func (c Connection) PendingFor(now time.Time) time.Duration {
	if c.State != StatePending {
		return 0
	}
	return now.Sub(c.Since)
}

// Due reports whether a pending entry has waited at least delay at now.
func (c Connection) Due(now time.Time, delay time.Duration) bool {
	return c.State == StatePending && now.Sub(c.Since) >= delay
}
