package route

import (
	"net/netip"

	"escape-vpn/internal/core"
)

// DryRunManager logs route changes without applying them.
type DryRunManager struct {
	gateway netip.Addr
}

// NewDryRunManager creates a logging-only manager.
func NewDryRunManager(gateway netip.Addr) *DryRunManager {
	return &DryRunManager{gateway: gateway}
}

func (m *DryRunManager) Gateway() netip.Addr { return m.gateway }

func (m *DryRunManager) AddHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	core.Log.Infof("Route", "[dry-run] would add %s via %s", hostPrefix(dst), m.gateway)
	return nil
}

func (m *DryRunManager) RemoveHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	core.Log.Infof("Route", "[dry-run] would delete %s", hostPrefix(dst))
	return nil
}
