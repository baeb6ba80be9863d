package connections

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTripKeepsRoutedOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "registry.yaml")
	s := NewStore(path)
	require.True(t, s.Enabled())

	conns := []Connection{
		NewRouted(addr("10.0.0.9")),
		NewPending(addr("10.0.0.5"), t0),
		NewRouted(addr("1.1.1.1")),
	}
	require.NoError(t, s.Save(conns))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr("1.1.1.1"), addr("10.0.0.9")}, got)

	r := NewRegistry()
	r.UpsertPending(addr("1.1.1.1"), t0)
	assert.Equal(t, 1, Restore(r, got))
	assert.Equal(t, 2, r.Len())
}

func TestStoreMissingFileAndDisabled(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.yaml"))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	disabled := NewStore("")
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Save([]Connection{NewRouted(addr("10.0.0.1"))}))
}

func TestStoreSkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	data := "routed:\n  - 10.0.0.1\n  - not-an-ip\n  - \"2001:db8::1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	got, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, got)
}
