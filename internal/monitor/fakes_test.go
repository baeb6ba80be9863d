package monitor

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"escape-vpn/internal/procnet"
)

type fakeReader struct {
	mu      sync.Mutex
	pending []netip.Addr
	err     error
	polls   int
}

func (f *fakeReader) set(pending []netip.Addr, err error) {
	f.mu.Lock()
	f.pending, f.err = pending, err
	f.mu.Unlock()
}

func (f *fakeReader) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeReader) ReadTCP(pid uint32) ([]procnet.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, f.err)
	}
	records := make([]procnet.Record, 0, len(f.pending))
	for _, a := range f.pending {
		records = append(records, procnet.Record{
			Remote: netip.AddrPortFrom(a, 443),
			Status: procnet.StatusSynSent,
		})
	}
	return records, nil
}

type fakeRoutes struct {
	mu      sync.Mutex
	added   []netip.Addr
	removed []netip.Addr
	failAdd bool
}

func (f *fakeRoutes) Gateway() netip.Addr { return netip.MustParseAddr("192.168.1.1") }

func (f *fakeRoutes) AddHostRoute(dst netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return errors.New("route add failed")
	}
	f.added = append(f.added, dst)
	return nil
}

func (f *fakeRoutes) RemoveHostRoute(dst netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, dst)
	return nil
}

func (f *fakeRoutes) setFailAdd(v bool) {
	f.mu.Lock()
	f.failAdd = v
	f.mu.Unlock()
}

func (f *fakeRoutes) addedRoutes() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.added...)
}
