package route

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"escape-vpn/internal/core"
)

// runFunc runs a command and returns its combined output.
type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// ExecManager implements Manager using ip(8) commands.
type ExecManager struct {
	gateway netip.Addr
	run     runFunc
}

// NewExecManager creates an ip(8) based route manager.
func NewExecManager(gateway netip.Addr) *ExecManager {
	return &ExecManager{gateway: gateway, run: runCommand}
}

// Gateway returns the configured next hop.
func (m *ExecManager) Gateway() netip.Addr { return m.gateway }

// AddHostRoute runs `ip route add <dst>/32 via <gateway>`.
func (m *ExecManager) AddHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	args := []string{"route", "add", hostPrefix(dst).String(), "via", m.gateway.String()}
	if err := m.ipExec(args, true); err != nil {
		return fmt.Errorf("[Route] add %s: %w", dst, err)
	}
	core.Log.Infof("Route", "Added host route: %s via %s", dst, m.gateway)
	return nil
}

// RemoveHostRoute runs `ip route del <dst>/32`.
func (m *ExecManager) RemoveHostRoute(dst netip.Addr) error {
	dst, err := checkIPv4(dst)
	if err != nil {
		return err
	}
	args := []string{"route", "del", hostPrefix(dst).String()}
	if err := m.ipExec(args, false); err != nil {
		return fmt.Errorf("[Route] del %s: %w", dst, err)
	}
	core.Log.Infof("Route", "Removed host route: %s", dst)
	return nil
}

// ipExec runs an `ip` command. If tolerateExists is true, "File exists"
// errors are ignored (route already present). "No such process" (route not
// in table) is always tolerated.
func (m *ExecManager) ipExec(args []string, tolerateExists bool) error {
	out, err := m.run("ip", args...)
	if err != nil {
		outStr := strings.TrimSpace(string(out))
		if tolerateExists && strings.Contains(outStr, "File exists") {
			return nil
		}
		if strings.Contains(outStr, "No such process") {
			return nil
		}
		if outStr == "" {
			outStr = err.Error()
		}
		return fmt.Errorf("ip %s: %s", strings.Join(args, " "), outStr)
	}
	return nil
}
