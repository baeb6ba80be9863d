//go:build !linux

package route

import (
	"fmt"
	"net/netip"
)

// NetlinkManager is only available on Linux.
type NetlinkManager struct{}

// NewNetlinkManager always fails off Linux; use the exec backend instead.
func NewNetlinkManager(netip.Addr) (*NetlinkManager, error) {
	return nil, fmt.Errorf("[Route] netlink backend is only available on Linux")
}

func (m *NetlinkManager) Gateway() netip.Addr                  { return netip.Addr{} }
func (m *NetlinkManager) AddHostRoute(dst netip.Addr) error    { return fmt.Errorf("unsupported") }
func (m *NetlinkManager) RemoveHostRoute(dst netip.Addr) error { return fmt.Errorf("unsupported") }
