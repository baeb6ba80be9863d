package procnet

import (
	"fmt"
	"net/netip"

	psnet "github.com/shirou/gopsutil/v3/net"

	"escape-vpn/internal/core"
)

// connectionsFunc matches psnet.ConnectionsPid.
type connectionsFunc func(kind string, pid int32) ([]psnet.ConnectionStat, error)

// GopsutilReader lists only the sockets owned by the process (matched through
// its file descriptors), unlike ProcReader which sees the whole namespace.
type GopsutilReader struct {
	connections connectionsFunc
}

// NewGopsutilReader creates a reader backed by gopsutil.
func NewGopsutilReader() *GopsutilReader {
	return &GopsutilReader{connections: psnet.ConnectionsPid}
}

// ReadTCP returns the IPv4 TCP sockets of pid.
func (r *GopsutilReader) ReadTCP(pid uint32) ([]Record, error) {
	if !processAlive(pid) {
		return nil, fmt.Errorf("[Procnet] pid %d: %w", pid, ErrProcessNotFound)
	}

	conns, err := r.connections("tcp4", int32(pid))
	if err != nil {
		if !processAlive(pid) {
			return nil, fmt.Errorf("[Procnet] pid %d: %w: %v", pid, ErrProcessNotFound, err)
		}
		return nil, fmt.Errorf("[Procnet] pid %d: list connections: %w", pid, err)
	}

	records := make([]Record, 0, len(conns))
	skipped := 0
	for _, c := range conns {
		rec, ok := recordFromStat(c)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if skipped > 0 {
		core.Log.Debugf("Procnet", "pid %d: skipped %d unrecognised sockets", pid, skipped)
	}
	return records, nil
}

func recordFromStat(c psnet.ConnectionStat) (Record, bool) {
	status, ok := statusFromName(c.Status)
	if !ok {
		return Record{}, false
	}
	remote, ok := addrPortFromStat(c.Raddr)
	if !ok {
		return Record{}, false
	}
	local, _ := addrPortFromStat(c.Laddr)
	return Record{Local: local, Remote: remote, Status: status}, true
}

func addrPortFromStat(a psnet.Addr) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(a.IP)
	if err != nil || !addr.Unmap().Is4() || a.Port > 0xFFFF {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(a.Port)), true
}
