package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoDaemon is returned when no daemon address has been published.
var ErrNoDaemon = errors.New("daemon is not running")

// PublishAddress writes addr to path so clients can find the daemon.
func PublishAddress(path string, addr net.Addr) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("[IPC] create address dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("[IPC] write address file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("[IPC] publish address: %w", err)
	}
	return nil
}

// ReadAddress returns the address published at path.
func ReadAddress(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("[IPC] %s: %w", path, ErrNoDaemon)
	}
	if err != nil {
		return "", fmt.Errorf("[IPC] read address file: %w", err)
	}
	addr := strings.TrimSpace(string(data))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("[IPC] address file %s: %w", path, err)
	}
	return addr, nil
}

// RemoveAddress deletes the published address. A missing file is not an error.
func RemoveAddress(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("[IPC] remove address file: %w", err)
	}
	return nil
}
