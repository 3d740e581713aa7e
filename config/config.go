package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "la-vak"
	// DownloadsDirectoryName is the subdirectory of ~/Downloads that receives files.
	DownloadsDirectoryName = "la-vak"
	// PortModeAutomatic picks an available transport port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured transport port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	TransportPort int    `json:"transport_port"`
	HTTPPort      int    `json:"http_port"`
}

// Identity is the process-lifetime device identity announced to peers.
//
// DeviceID is derived from the hostname and process id; it is stable for the
// process lifetime and is never persisted.
type Identity struct {
	DeviceID      string
	DeviceName    string
	Platform      string
	HTTPPort      int
	TransportPort int
}

// NewIdentity builds the process identity from persisted settings.
func NewIdentity(cfg *DeviceConfig) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "la-vak"
	}

	name := cfg.DeviceName
	if name == "" {
		name = host
	}

	return Identity{
		DeviceID:      fmt.Sprintf("%s-%d", host, os.Getpid()),
		DeviceName:    name,
		Platform:      runtime.GOOS,
		HTTPPort:      cfg.HTTPPort,
		TransportPort: cfg.TransportPort,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LA_VAK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LA_VAK_DATA_DIR"); override != "" {
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

// ResolveDownloadsDir returns the directory that received files are saved to.
func ResolveDownloadsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, "Downloads", DownloadsDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
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

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	deviceName := "La-Vak Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceName:    deviceName,
		PortMode:      PortModeAutomatic,
		TransportPort: 0,
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceName == "" {
		deviceName := "La-Vak Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.TransportPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeAutomatic && cfg.TransportPort != 0 {
		cfg.TransportPort = 0
		updated = true
	}
	if cfg.TransportPort < 0 {
		cfg.TransportPort = 0
		updated = true
	}
	if cfg.HTTPPort < 0 {
		cfg.HTTPPort = 0
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
