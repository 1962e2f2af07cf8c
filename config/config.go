package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"projsync/logging"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "projsync"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 7420
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// TransferModeStream sends every missing file as its own chunked stream.
	TransferModeStream = "stream"
	// TransferModeArchive sends all missing files as one zip archive.
	TransferModeArchive = "archive"

	configFileName = "config.toml"
	dataDirEnv     = "PROJSYNC_DATA_DIR"
)

// Config is the persisted local configuration.
type Config struct {
	Device      DeviceConfig      `toml:"device"`
	Negotiation NegotiationConfig `toml:"negotiation"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	History     HistoryConfig     `toml:"history"`
	Logging     logging.Config    `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `toml:"device_id"`
	DeviceName    string `toml:"device_name"`
	PortMode      string `toml:"port_mode"`
	ListeningPort int    `toml:"listening_port"`
}

// NegotiationConfig holds protocol timings. Timeouts are in seconds, intervals in milliseconds.
type NegotiationConfig struct {
	QueuingTimeoutSeconds      int    `toml:"queuing_timeout_seconds"`
	TransferPollIntervalMillis int    `toml:"transfer_poll_interval_millis"`
	TransferWaitTimeoutSeconds int    `toml:"transfer_wait_timeout_seconds"`
	TransferMode               string `toml:"transfer_mode"`
	ChunkSize                  int    `toml:"chunk_size"`
}

// DiscoveryConfig controls LAN session advertisement.
type DiscoveryConfig struct {
	Enabled              bool `toml:"enabled"`
	LookupTimeoutSeconds int  `toml:"lookup_timeout_seconds"`
}

// HistoryConfig controls how long finished negotiations stay in the database.
type HistoryConfig struct {
	RetentionDays int `toml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// Default returns the built-in configuration. Device identity and port mode
// are filled in by normalization.
func Default() *Config {
	return &Config{
		Negotiation: NegotiationConfig{
			QueuingTimeoutSeconds:      30,
			TransferPollIntervalMillis: 200,
			TransferWaitTimeoutSeconds: 600,
			TransferMode:               TransferModeStream,
			ChunkSize:                  64 * 1024,
		},
		Discovery: DiscoveryConfig{
			Enabled:              true,
			LookupTimeoutSeconds: 5,
		},
		History: HistoryConfig{
			RetentionDays: 90,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects values the negotiation layer cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Device.ListeningPort < 0 || c.Device.ListeningPort > 65535 {
		return fmt.Errorf("device.listening_port must be within 0-65535")
	}
	if c.Negotiation.QueuingTimeoutSeconds <= 0 {
		return fmt.Errorf("negotiation.queuing_timeout_seconds must be > 0")
	}
	if c.Negotiation.TransferPollIntervalMillis <= 0 {
		return fmt.Errorf("negotiation.transfer_poll_interval_millis must be > 0")
	}
	if c.Negotiation.TransferWaitTimeoutSeconds <= 0 {
		return fmt.Errorf("negotiation.transfer_wait_timeout_seconds must be > 0")
	}
	if c.Negotiation.ChunkSize <= 0 {
		return fmt.Errorf("negotiation.chunk_size must be > 0")
	}
	if !IsValidTransferMode(c.Negotiation.TransferMode) {
		return fmt.Errorf("negotiation.transfer_mode must be %q or %q", TransferModeStream, TransferModeArchive)
	}
	if c.Discovery.LookupTimeoutSeconds < 0 {
		return fmt.Errorf("discovery.lookup_timeout_seconds must be >= 0")
	}
	if c.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be > 0")
	}
	return nil
}

// IsValidTransferMode reports whether mode names a known transfer variant.
func IsValidTransferMode(mode string) bool {
	return mode == TransferModeStream || mode == TransferModeArchive
}

// QueuingTimeout bounds the wait for the peer's start-queuing request.
func (n NegotiationConfig) QueuingTimeout() time.Duration {
	return time.Duration(n.QueuingTimeoutSeconds) * time.Second
}

// TransferPollInterval is the tick of the transfer-start poll.
func (n NegotiationConfig) TransferPollInterval() time.Duration {
	return time.Duration(n.TransferPollIntervalMillis) * time.Millisecond
}

// TransferWaitTimeout bounds the transfer-start poll.
func (n NegotiationConfig) TransferWaitTimeout() time.Duration {
	return time.Duration(n.TransferWaitTimeoutSeconds) * time.Second
}

// LookupTimeout bounds an mDNS session lookup.
func (d DiscoveryConfig) LookupTimeout() time.Duration {
	return time.Duration(d.LookupTimeoutSeconds) * time.Second
}

// Retention is the age after which finished negotiations are pruned.
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PROJSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load loads configuration with the following precedence:
// defaults < config file (optional) < environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}
	normalizeDefaults(cfg)

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save marshals and writes config.toml to disk.
func Save(path string, cfg *Config) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// effective config and its path. Environment overrides are applied after the
// file is persisted and are never written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg := Default()
	if err := readFile(cfgPath, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		normalizeDefaults(cfg)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func readFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "projsync device"
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.Device.DeviceID == "" {
		cfg.Device.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.Device.DeviceName == "" {
		cfg.Device.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.Device.PortMode)
	if mode == "" {
		if cfg.Device.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.Device.PortMode != mode {
		cfg.Device.PortMode = mode
		updated = true
	}

	if cfg.Device.PortMode == PortModeFixed && cfg.Device.ListeningPort == 0 {
		cfg.Device.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.Device.PortMode == PortModeAutomatic && cfg.Device.ListeningPort < 0 {
		cfg.Device.ListeningPort = 0
		updated = true
	}

	mode = strings.ToLower(strings.TrimSpace(cfg.Negotiation.TransferMode))
	if mode == "" {
		mode = TransferModeStream
	}
	if mode != cfg.Negotiation.TransferMode {
		cfg.Negotiation.TransferMode = mode
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
