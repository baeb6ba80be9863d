package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RouteBackend selects how host routes are written to the kernel.
type RouteBackend int

const (
	// RouteBackendNetlink talks rtnetlink directly (Linux only).
	RouteBackendNetlink RouteBackend = iota
	// RouteBackendExec shells out to ip(8).
	RouteBackendExec
	// RouteBackendDryRun only logs what would be done.
	RouteBackendDryRun
)

func (b RouteBackend) String() string {
	switch b {
	case RouteBackendNetlink:
		return "netlink"
	case RouteBackendExec:
		return "exec"
	case RouteBackendDryRun:
		return "dry-run"
	default:
		return "unknown"
	}
}

// ParseRouteBackend parses a backend name.
func ParseRouteBackend(s string) (RouteBackend, error) {
	switch s {
	case "netlink", "":
		return RouteBackendNetlink, nil
	case "exec", "ip":
		return RouteBackendExec, nil
	case "dry-run", "dryrun", "none":
		return RouteBackendDryRun, nil
	default:
		return RouteBackendNetlink, fmt.Errorf("unknown route backend: %q", s)
	}
}

// TableReader selects the source of per-process TCP tables.
type TableReader int

const (
	// TableReaderProcfs decodes /proc/<pid>/net/tcp.
	TableReaderProcfs TableReader = iota
	// TableReaderGopsutil uses gopsutil's per-pid socket listing.
	TableReaderGopsutil
)

func (r TableReader) String() string {
	switch r {
	case TableReaderProcfs:
		return "procfs"
	case TableReaderGopsutil:
		return "gopsutil"
	default:
		return "unknown"
	}
}

// ParseTableReader parses a table reader name.
func ParseTableReader(s string) (TableReader, error) {
	switch s {
	case "procfs", "proc", "":
		return TableReaderProcfs, nil
	case "gopsutil":
		return TableReaderGopsutil, nil
	default:
		return TableReaderProcfs, fmt.Errorf("unknown table reader: %q", s)
	}
}

// Duration is a time.Duration stored in YAML as "1s", "250ms", ...
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level daemon configuration.
type Config struct {
	Listen        string       `yaml:"listen"`
	PollInterval  Duration     `yaml:"poll_interval"`
	DefaultDelay  Duration     `yaml:"default_delay"`
	Gateway       string       `yaml:"gateway,omitempty"`
	RouteBackend  RouteBackend `yaml:"route_backend"`
	RouteRetries  int          `yaml:"route_retries,omitempty"`
	TableReader   TableReader  `yaml:"table_reader"`
	AddressFile   string       `yaml:"address_file,omitempty"`
	StateFile     string       `yaml:"state_file,omitempty"`
	MaxAttached   int          `yaml:"max_attached,omitempty"`
	MaxClients    int          `yaml:"max_clients,omitempty"` // concurrent unary control calls
	PurgeOnExit   bool         `yaml:"purge_on_exit,omitempty"`
	MetricsListen string       `yaml:"metrics_listen,omitempty"`
	Logging       LogConfig    `yaml:"logging,omitempty"`
}

const (
	DefaultListen       = "127.0.0.1:0"
	DefaultPollInterval = time.Second
	DefaultDelay        = 30 * time.Second
	DefaultRouteRetries = 3
	DefaultMaxClients   = 64
)

// DefaultAddressFile is where the daemon publishes its listening address.
func DefaultAddressFile() string {
	return filepath.Join(os.TempDir(), "escape-vpn", "service.addr")
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	cfg := Config{DefaultDelay: Duration(DefaultDelay)}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. A zero DefaultDelay
// is meaningful (route on first sighting) and is kept.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.DefaultDelay < 0 {
		c.DefaultDelay = Duration(DefaultDelay)
	}
	if c.RouteRetries <= 0 {
		c.RouteRetries = DefaultRouteRetries
	}
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.AddressFile == "" {
		c.AddressFile = DefaultAddressFile()
	}
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
// An empty file path means "defaults only": nothing is read or written.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		filePath: filePath,
		bus:      bus,
	}
}

// Path returns the backing file path ("" when running on defaults).
func (cm *ConfigManager) Path() string {
	return cm.filePath
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	if cm.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Config", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = DefaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Config] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Config] failed to read config %s: %w", cm.filePath, err)
	}

	cfg := Config{DefaultDelay: Duration(DefaultDelay)}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Config] failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	cm.bus.Publish(Event{Type: EventConfigReloaded, Payload: cfg})
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	if cm.filePath == "" {
		return nil
	}

	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Config] failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("[Config] failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Config] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Override applies fn to the in-memory configuration (command-line flags).
// The file on disk is not touched.
func (cm *ConfigManager) Override(fn func(*Config)) {
	cm.mu.Lock()
	fn(&cm.config)
	cm.config.ApplyDefaults()
	cm.mu.Unlock()
}

// Watch reloads the configuration whenever the backing file changes, until
// ctx is cancelled. The parent directory is watched so that editors that
// replace the file by rename are handled.
func (cm *ConfigManager) Watch(ctx context.Context) error {
	if cm.filePath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("[Config] failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(cm.filePath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("[Config] failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := cm.reload(); err != nil {
				Log.Warnf("Config", "Reload of %s failed, keeping previous config: %v", target, err)
				continue
			}
			Log.Infof("Config", "Reloaded %s", target)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			Log.Warnf("Config", "Watcher error: %v", err)
		}
	}
}

// reload re-reads the file but keeps fields that only take effect at start-up.
func (cm *ConfigManager) reload() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		return err
	}
	next := Config{DefaultDelay: Duration(DefaultDelay)}
	if err := yaml.Unmarshal(data, &next); err != nil {
		return err
	}
	next.ApplyDefaults()

	cm.mu.Lock()
	cfg := cm.config
	cfg.Logging = next.Logging
	cfg.DefaultDelay = next.DefaultDelay
	cm.config = cfg
	cm.mu.Unlock()

	cm.bus.Publish(Event{Type: EventConfigReloaded, Payload: cfg})
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for RouteBackend.
func (b *RouteBackend) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRouteBackend(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for RouteBackend.
func (b RouteBackend) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for TableReader.
func (r *TableReader) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTableReader(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for TableReader.
func (r TableReader) MarshalYAML() (any, error) {
	return r.String(), nil
}
