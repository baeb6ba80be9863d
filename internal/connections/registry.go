package connections

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"

	"escape-vpn/internal/core"
)

const btreeDegree = 16

// Registry is the daemon-wide ordered set of tracked connections, keyed by
// address. All access goes through a single mutex.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[Connection]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(btreeDegree, Less)}
}

// Txn is the view of the registry handed to Update. It must not be retained
// after the callback returns.
type Txn struct {
	tree *btree.BTreeG[Connection]
}

// Update runs fn with the registry lock held, so that a sequence of
// operations is observed atomically by other callers.
func (r *Registry) Update(fn func(tx Txn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(Txn{tree: r.tree})
}

// Insert adds c if its address is unknown. A duplicate is logged and ignored.
func (tx Txn) Insert(c Connection) bool {
	c.Address = c.Address.Unmap()
	if tx.tree.Has(c) {
		core.Log.Warnf("Registry", "Connection already present: %s", c.Address)
		return false
	}
	tx.tree.ReplaceOrInsert(c)
	return true
}

// UpsertPending records addr as Pending since now unless it is already
// tracked. Existing entries are left alone: Routed is never downgraded and a
// Pending timer is never reset. Returns true when a new entry was added.
func (tx Txn) UpsertPending(addr netip.Addr, now time.Time) bool {
	c := NewPending(addr, now)
	if tx.tree.Has(c) {
		return false
	}
	tx.tree.ReplaceOrInsert(c)
	return true
}

// Get returns the entry for addr.
func (tx Txn) Get(addr netip.Addr) (Connection, bool) {
	return tx.tree.Get(Connection{Address: addr.Unmap()})
}

// ForEachMutable calls fn for every entry in address order. fn may change
// State and Since; changes to Address are discarded.
func (tx Txn) ForEachMutable(fn func(c *Connection)) {
	var changed []Connection
	tx.tree.Ascend(func(item Connection) bool {
		next := item
		fn(&next)
		next.Address = item.Address
		if next != item {
			changed = append(changed, next)
		}
		return true
	})
	for _, c := range changed {
		tx.tree.ReplaceOrInsert(c)
	}
}

// All returns a copy of every entry in address order.
func (tx Txn) All() []Connection {
	out := make([]Connection, 0, tx.tree.Len())
	tx.tree.Ascend(func(item Connection) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Len returns the number of entries.
func (tx Txn) Len() int {
	return tx.tree.Len()
}

// Clear removes every entry.
func (tx Txn) Clear() {
	tx.tree.Clear(false)
}

// Insert adds c under the lock. See Txn.Insert.
func (r *Registry) Insert(c Connection) (added bool) {
	r.Update(func(tx Txn) { added = tx.Insert(c) })
	return added
}

// UpsertPending records addr under the lock. See Txn.UpsertPending.
func (r *Registry) UpsertPending(addr netip.Addr, now time.Time) (added bool) {
	r.Update(func(tx Txn) { added = tx.UpsertPending(addr, now) })
	return added
}

// Get returns the entry for addr.
func (r *Registry) Get(addr netip.Addr) (c Connection, ok bool) {
	r.Update(func(tx Txn) { c, ok = tx.Get(addr) })
	return c, ok
}

// ForEachMutable runs fn over every entry under the lock.
func (r *Registry) ForEachMutable(fn func(c *Connection)) {
	r.Update(func(tx Txn) { tx.ForEachMutable(fn) })
}

// All returns a snapshot in address order.
func (r *Registry) All() (out []Connection) {
	r.Update(func(tx Txn) { out = tx.All() })
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() (n int) {
	r.Update(func(tx Txn) { n = tx.Len() })
	return n
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.Update(func(tx Txn) { tx.Clear() })
}

// Count returns the number of entries in state s.
func (r *Registry) Count(s State) (n int) {
	r.Update(func(tx Txn) {
		tx.tree.Ascend(func(item Connection) bool {
			if item.State == s {
				n++
			}
			return true
		})
	})
	return n
}
