package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Device identifies the USB hardware the daemon owns and how to drive it.
type Device struct {
	// VendorID and ProductID are hexadecimal USB identifiers, e.g. "cafe".
	VendorID  string `toml:"vendor_id"`
	ProductID string `toml:"product_id"`
	// Serial optionally narrows matching when several boards are attached.
	Serial string `toml:"serial"`
	// Interface is the USB interface number claimed for bulk transfers.
	Interface int `toml:"interface"`
	// EndpointOut is the bulk OUT endpoint address.
	EndpointOut int `toml:"endpoint_out"`
	// IOTimeout bounds a single USB transfer, in milliseconds.
	IOTimeout int `toml:"io_timeout"`
}

// Bridge contains the client-facing socket and write queue settings.
type Bridge struct {
	// SocketPath is the unix socket the player process connects to.
	SocketPath string `toml:"socket_path"`
	// QueueDepth bounds the write scheduler's command buffer.
	QueueDepth int `toml:"queue_depth"`
	// ShutdownGrace is the drain window on termination, in seconds.
	ShutdownGrace int `toml:"shutdown_grace"`
}

// Reconnect controls the device reopen schedule after a disconnect.
type Reconnect struct {
	// InitialDelay is the first retry delay, in milliseconds.
	InitialDelay int `toml:"initial_delay"`
	// MaxDelay caps the exponential backoff, in milliseconds.
	MaxDelay int `toml:"max_delay"`
}

// Journal configures the SQLite event journal.
type Journal struct {
	Enabled bool `toml:"enabled"`
	// Retention is the maximum number of journal rows kept.
	Retention int `toml:"retention"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Paths contains directory configuration.
type Paths struct {
	// StateDir holds the control socket, lock file, and journal database.
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Config encapsulates all configuration values for sidbridge.
type Config struct {
	Device    Device    `toml:"device"`
	Bridge    Bridge    `toml:"bridge"`
	Reconnect Reconnect `toml:"reconnect"`
	Journal   Journal   `toml:"journal"`
	Logging   Logging   `toml:"logging"`
	Paths     Paths     `toml:"paths"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sidbridge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if socket := strings.TrimSpace(os.Getenv("SIDBRIDGE_SOCKET")); socket != "" {
		cfg.Bridge.SocketPath = socket
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Bridge.SocketPath, err = expandPath(c.Bridge.SocketPath); err != nil {
		return err
	}
	c.Device.VendorID = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Device.VendorID)), "0x")
	c.Device.ProductID = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Device.ProductID)), "0x")
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// VendorID returns the parsed USB vendor identifier.
func (c *Config) VendorID() uint16 {
	return parseHexID(c.Device.VendorID)
}

// ProductID returns the parsed USB product identifier.
func (c *Config) ProductID() uint16 {
	return parseHexID(c.Device.ProductID)
}

func parseHexID(value string) uint16 {
	parsed, err := strconv.ParseUint(value, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(parsed)
}

// ControlSocketPath returns the path of the CLI control socket.
func (c *Config) ControlSocketPath() string {
	return filepath.Join(c.Paths.StateDir, "sidbridge.sock")
}

// LockFilePath returns the path of the single-instance lock file.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "sidbridged.lock")
}

// JournalPath returns the path of the event journal database.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// LogFilePath returns the path of the daemon's append-only log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogDir, "sidbridged.log")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
