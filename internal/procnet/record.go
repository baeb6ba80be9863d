// Package procnet reads per-process TCP tables and reduces them to the set
// of remote addresses with a connection attempt still in flight.
package procnet

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

var (
	// ErrProcessNotFound means the pid does not exist or its table is gone.
	ErrProcessNotFound = errors.New("process not found")
	// ErrMalformedLine means a single table line could not be decoded.
	ErrMalformedLine = errors.New("malformed tcp table line")
)

// Record is one decoded line of a TCP table.
type Record struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Status TCPStatus
}

// ParseLine decodes one non-header line of /proc/<pid>/net/tcp:
//
//	sl  local_address rem_address   st ...
//	0: 0100007F:0277 0101A8C0:01BB 02 ...
func ParseLine(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("%w: %d columns", ErrMalformedLine, len(fields))
	}

	local, err := ParseAddrPort(fields[1])
	if err != nil {
		return Record{}, err
	}
	remote, err := ParseAddrPort(fields[2])
	if err != nil {
		return Record{}, err
	}
	status, err := ParseStatus(fields[3])
	if err != nil {
		return Record{}, err
	}
	return Record{Local: local, Remote: remote, Status: status}, nil
}

// ParseAddrPort decodes "0101A8C0:01BB". The kernel prints the IPv4 address
// as a host-order (little-endian) 32-bit word, so the hex byte pairs appear
// reversed relative to dotted notation: 0101A8C0 is 192.168.1.1. The port is
// printed in normal order.
func ParseAddrPort(field string) (netip.AddrPort, error) {
	ipHex, portHex, ok := strings.Cut(field, ":")
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q has no port", ErrMalformedLine, field)
	}
	if len(ipHex) != 8 {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q is not IPv4", ErrMalformedLine, field)
	}

	b, err := hex.DecodeString(ipHex)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q: %v", ErrMalformedLine, field, err)
	}
	addr := netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]})

	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q: %v", ErrMalformedLine, portHex, err)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// ParseTable decodes a whole table. The first line is the header. Lines that
// fail to decode are skipped and counted; only read errors are returned.
func ParseTable(r io.Reader) (records []Record, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, perr := ParseLine(line)
		if perr != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, err
	}
	return records, skipped, nil
}

// PendingRemotes returns the distinct remote addresses of records in a
// pending state, in ascending order.
func PendingRemotes(records []Record) []netip.Addr {
	pending := lo.FilterMap(records, func(r Record, _ int) (netip.Addr, bool) {
		return r.Remote.Addr(), r.Status.Pending()
	})
	pending = lo.Uniq(pending)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })
	return pending
}
