//go:build linux

package route

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"escape-vpn/internal/core"
)

// NetlinkManager implements Manager over rtnetlink.
type NetlinkManager struct {
	gateway netip.Addr
	handle  *netlink.Handle
}

// NewNetlinkManager opens a netlink handle in the current namespace.
func NewNetlinkManager(gateway netip.Addr) (*NetlinkManager, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("[Route] open netlink handle: %w", err)
	}
	return &NetlinkManager{gateway: gateway, handle: h}, nil
}

// Gateway returns the configured next hop.
func (m *NetlinkManager) Gateway() netip.Addr { return m.gateway }

func (m *NetlinkManager) hostRoute(dst netip.Addr) *netlink.Route {
	return &netlink.Route{
		Dst: &net.IPNet{IP: net.IP(dst.AsSlice()), Mask: net.CIDRMask(32, 32)},
		Gw:  net.IP(m.gateway.AsSlice()),
	}
}

// AddHostRoute adds dst/32 via the gateway.
func (m *NetlinkManager) AddHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	if err := m.handle.RouteAdd(m.hostRoute(dst)); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("[Route] add %s via %s: %w", hostPrefix(dst), m.gateway, err)
	}
	core.Log.Infof("Route", "Added host route: %s via %s", dst, m.gateway)
	return nil
}

// RemoveHostRoute deletes dst/32.
func (m *NetlinkManager) RemoveHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	r := &netlink.Route{Dst: &net.IPNet{IP: net.IP(dst.AsSlice()), Mask: net.CIDRMask(32, 32)}}
	if err := m.handle.RouteDel(r); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("[Route] del %s: %w", hostPrefix(dst), err)
	}
	core.Log.Infof("Route", "Removed host route: %s", dst)
	return nil
}

// Close releases the netlink socket.
func (m *NetlinkManager) Close() error {
	m.handle.Close()
	return nil
}
