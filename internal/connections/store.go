package connections

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"escape-vpn/internal/core"
)

// stateFile is the on-disk form of the registry. Only Routed entries are
// kept: they are the ones with kernel state a later purge must undo.
type stateFile struct {
	SavedAt time.Time `yaml:"saved_at"`
	Routed  []string  `yaml:"routed"`
}

// Store persists Routed entries so that routes installed by a previous run
// can still be purged after a restart.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by path. An empty path disables it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Enabled reports whether the store has a backing file.
func (s *Store) Enabled() bool {
	return s != nil && s.path != ""
}

// Load returns the routed addresses recorded by the last Save. A missing file
// yields an empty result.
func (s *Store) Load() ([]netip.Addr, error) {
	if !s.Enabled() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("[Registry] failed to read state %s: %w", s.path, err)
	}

	var st stateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("[Registry] failed to parse state %s: %w", s.path, err)
	}

	addrs := make([]netip.Addr, 0, len(st.Routed))
	for _, raw := range st.Routed {
		addr, err := netip.ParseAddr(raw)
		if err != nil || !addr.Unmap().Is4() {
			core.Log.Warnf("Registry", "Skipping invalid address %q in %s", raw, s.path)
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

// Save writes the Routed entries of conns.
func (s *Store) Save(conns []Connection) error {
	if !s.Enabled() {
		return nil
	}

	st := stateFile{SavedAt: time.Now().UTC(), Routed: []string{}}
	for _, c := range conns {
		if c.State == StateRouted {
			st.Routed = append(st.Routed, c.Address.String())
		}
	}
	sort.Strings(st.Routed)

	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("[Registry] failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("[Registry] failed to create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("[Registry] failed to write state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("[Registry] failed to replace state %s: %w", s.path, err)
	}
	return nil
}

// Restore inserts addrs into r as Routed entries and returns how many were
// added.
func Restore(r *Registry, addrs []netip.Addr) int {
	n := 0
	r.Update(func(tx Txn) {
		for _, a := range addrs {
			if tx.Insert(NewRouted(a)) {
				n++
			}
		}
	})
	return n
}
