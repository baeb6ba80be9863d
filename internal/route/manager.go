// Package route installs and removes the /32 host routes that send selected
// destinations around the default route via an explicit gateway.
package route

import (
	"fmt"
	"io"
	"net/netip"

	"escape-vpn/internal/core"
)

// Manager abstracts the system routing table. Only host routes created by
// this daemon are ever touched.
type Manager interface {
	// AddHostRoute adds dst/32 via the gateway. An existing identical route
	// is not an error.
	AddHostRoute(dst netip.Addr) error
	// RemoveHostRoute deletes the host route for dst. A missing route is not
	// an error.
	RemoveHostRoute(dst netip.Addr) error
	// Gateway returns the next hop used for every host route.
	Gateway() netip.Addr
}

// Options configures New.
type Options struct {
	Backend core.RouteBackend
	Gateway string
	Retries int
}

// New builds the manager for the configured backend, wrapped in a retrying
// decorator.
func New(opts Options) (Manager, error) {
	var gw netip.Addr
	if opts.Gateway != "" {
		parsed, err := netip.ParseAddr(opts.Gateway)
		if err != nil {
			return nil, fmt.Errorf("[Route] invalid gateway %q: %w", opts.Gateway, err)
		}
		gw = parsed.Unmap()
		if !gw.Is4() {
			return nil, fmt.Errorf("[Route] gateway %s is not IPv4", gw)
		}
	}

	var m Manager
	switch opts.Backend {
	case core.RouteBackendDryRun:
		m = NewDryRunManager(gw)
	case core.RouteBackendExec:
		if !gw.IsValid() {
			return nil, fmt.Errorf("[Route] a gateway is required for the %s backend", opts.Backend)
		}
		m = NewExecManager(gw)
	case core.RouteBackendNetlink:
		if !gw.IsValid() {
			return nil, fmt.Errorf("[Route] a gateway is required for the %s backend", opts.Backend)
		}
		nm, err := NewNetlinkManager(gw)
		if err != nil {
			return nil, err
		}
		m = nm
	default:
		return nil, fmt.Errorf("[Route] unsupported backend %s", opts.Backend)
	}

	if opts.Retries > 1 {
		m = WithRetry(m, opts.Retries)
	}
	core.Log.Infof("Route", "Using %s backend, gateway %s", opts.Backend, gw)
	return m, nil
}

func checkIPv4(dst netip.Addr) (netip.Addr, error) {
	dst = dst.Unmap()
	if !dst.Is4() {
		return netip.Addr{}, fmt.Errorf("[Route] %s is not an IPv4 address", dst)
	}
	return dst, nil
}

// hostPrefix returns dst/32.
func hostPrefix(dst netip.Addr) netip.Prefix {
	return netip.PrefixFrom(dst, 32)
}

// Close releases resources held by m's backend, if any.
func Close(m Manager) error {
	if r, ok := m.(*retryManager); ok {
		m = r.next
	}
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
