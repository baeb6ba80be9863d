package procnet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"escape-vpn/internal/core"
)

// Reader returns the current TCP table of a process. An error wrapping
// ErrProcessNotFound means the process is gone.
type Reader interface {
	ReadTCP(pid uint32) ([]Record, error)
}

// ProcReader decodes <Root>/<pid>/net/tcp.
//
// The file lists every IPv4 TCP socket in the process's network namespace,
// not only the ones the process owns.
type ProcReader struct {
	Root string // "/proc" when empty
}

// NewProcReader creates a reader over /proc.
func NewProcReader() *ProcReader {
	return &ProcReader{Root: "/proc"}
}

func (r *ProcReader) root() string {
	if r.Root == "" {
		return "/proc"
	}
	return r.Root
}

// ReadTCP reads and decodes the table of pid.
func (r *ProcReader) ReadTCP(pid uint32) ([]Record, error) {
	path := filepath.Join(r.root(), strconv.FormatUint(uint64(pid), 10), "net", "tcp")

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || !processAlive(pid) {
			return nil, fmt.Errorf("[Procnet] pid %d: %w: %v", pid, ErrProcessNotFound, err)
		}
		return nil, fmt.Errorf("[Procnet] pid %d: open %s: %w", pid, path, err)
	}
	defer f.Close()

	records, skipped, err := ParseTable(f)
	if err != nil {
		// The process can exit while the table is being read.
		if !processAlive(pid) {
			return nil, fmt.Errorf("[Procnet] pid %d: %w: %v", pid, ErrProcessNotFound, err)
		}
		return nil, fmt.Errorf("[Procnet] pid %d: read %s: %w", pid, path, err)
	}
	if skipped > 0 {
		core.Log.Debugf("Procnet", "pid %d: skipped %d undecodable lines in %s", pid, skipped, path)
	}
	return records, nil
}
