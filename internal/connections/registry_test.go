package connections

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestRegistryOrderAndUniqueness(t *testing.T) {
	r := NewRegistry()
	for _, a := range []string{"10.0.0.9", "1.2.3.4", "192.168.1.1", "10.0.0.10", "1.2.3.4"} {
		r.UpsertPending(addr(a), t0)
	}
	assert.False(t, r.Insert(NewRouted(addr("10.0.0.9"))), "duplicate insert must be ignored")

	all := r.All()
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Address.Less(all[i].Address), "%s before %s", all[i-1].Address, all[i].Address)
	}
	assert.Equal(t, addr("1.2.3.4"), all[0].Address)
	assert.Equal(t, addr("192.168.1.1"), all[3].Address)

	c, ok := r.Get(addr("10.0.0.9"))
	require.True(t, ok)
	assert.Equal(t, StatePending, c.State, "duplicate insert must not overwrite")
}

func TestUpsertPendingKeepsFirstSighting(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.UpsertPending(addr("10.0.0.5"), t0))
	require.False(t, r.UpsertPending(addr("10.0.0.5"), t0.Add(3*time.Second)))

	c, ok := r.Get(addr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, t0, c.Since)
}

func TestUpsertPendingNeverDowngradesRouted(t *testing.T) {
	r := NewRegistry()
	r.Insert(NewRouted(addr("10.0.0.5")))
	assert.False(t, r.UpsertPending(addr("10.0.0.5"), t0))

	c, _ := r.Get(addr("10.0.0.5"))
	assert.Equal(t, StateRouted, c.State)
}

func TestMappedAddressesAreUnmapped(t *testing.T) {
	r := NewRegistry()
	r.UpsertPending(addr("::ffff:10.0.0.5"), t0)
	assert.False(t, r.UpsertPending(addr("10.0.0.5"), t0))
	assert.Equal(t, 1, r.Len())
}

func TestForEachMutable(t *testing.T) {
	r := NewRegistry()
	r.UpsertPending(addr("10.0.0.1"), t0)
	r.UpsertPending(addr("10.0.0.2"), t0.Add(time.Second))

	var visited []netip.Addr
	r.ForEachMutable(func(c *Connection) {
		visited = append(visited, c.Address)
		if c.Address == addr("10.0.0.1") {
			c.State = StateRouted
			c.Address = addr("9.9.9.9")
		}
	})
	assert.Equal(t, []netip.Addr{addr("10.0.0.1"), addr("10.0.0.2")}, visited)

	c, ok := r.Get(addr("10.0.0.1"))
	require.True(t, ok, "address changes are discarded")
	assert.Equal(t, StateRouted, c.State)
	_, ok = r.Get(addr("9.9.9.9"))
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count(StateRouted))
	assert.Equal(t, 1, r.Count(StatePending))
}

func TestUpdateIsAtomic(t *testing.T) {
	r := NewRegistry()
	r.UpsertPending(addr("10.0.0.1"), t0)
	r.Insert(NewRouted(addr("10.0.0.2")))

	var seen int
	r.Update(func(tx Txn) {
		seen = tx.Len()
		tx.Clear()
		tx.UpsertPending(addr("10.0.0.3"), t0)
	})
	assert.Equal(t, 2, seen)
	assert.Equal(t, []Connection{NewPending(addr("10.0.0.3"), t0)}, r.All())

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestDue(t *testing.T) {
	c := NewPending(addr("10.0.0.5"), t0)
	delay := 5 * time.Second

	assert.False(t, c.Due(t0.Add(2*time.Second), delay))
	assert.True(t, c.Due(t0.Add(5*time.Second), delay))
	assert.True(t, c.Due(t0, 0))
	assert.Equal(t, 2*time.Second, c.PendingFor(t0.Add(2*time.Second)))

	routed := NewRouted(addr("10.0.0.5"))
	assert.False(t, routed.Due(t0.Add(time.Hour), 0), "routed entries are never due again")
	assert.Zero(t, routed.PendingFor(t0))
}
