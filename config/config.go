package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/tidwall/jsonc"

	"powerlink/device"
	"powerlink/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "powerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "POWERLINK_DATA_DIR"
	// DefaultSignalingURL is the hub started by `powerlink signal`.
	DefaultSignalingURL = "ws://127.0.0.1:8787/signal"
	// DefaultLogLevel is used when log_level is missing or unknown.
	DefaultLogLevel = "info"
	// DefaultConfirmIntervalMS is the connection-confirmation poll interval.
	DefaultConfirmIntervalMS = 500
	// DefaultConfirmAttempts is the connection-confirmation poll budget.
	DefaultConfirmAttempts = 20
	// DiscoveryModeMDNS announces on the LAN through multicast DNS.
	DiscoveryModeMDNS = "mdns"
	// DiscoveryModeMemory keeps announcements inside this process.
	DiscoveryModeMemory = "memory"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// directoryFileName is the shared advertisement directory.
	directoryFileName = "discovery.db"
)

// DefaultRelayServers are the relay URLs written to a fresh config.
var DefaultRelayServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID           string   `json:"device_id"`
	DeviceName         string   `json:"device_name"`
	DeviceType         string   `json:"device_type"`
	SignalingURL       string   `json:"signaling_url"`
	RelayServers       []string `json:"relay_servers"`
	PreferredTransport string   `json:"preferred_transport"`
	DiscoveryMode      string   `json:"discovery_mode"`
	DirectoryPath      string   `json:"directory_path"`
	LogLevel           string   `json:"log_level"`
	LogFile            string   `json:"log_file"`
	MetricsAddress     string   `json:"metrics_address"`
	ConfirmIntervalMS  int      `json:"confirm_interval_ms"`
	ConfirmAttempts    int      `json:"confirm_attempts"`
}

// ConfirmInterval returns confirm_interval_ms as a duration.
func (c *DeviceConfig) ConfirmInterval() time.Duration {
	return time.Duration(c.ConfirmIntervalMS) * time.Millisecond
}

// ICEServers converts relay_servers into ICE server descriptors, one per URL.
func (c *DeviceConfig) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.RelayServers))
	for _, raw := range c.RelayServers {
		out = append(out, webrtc.ICEServer{URLs: []string{raw}})
	}
	return out
}

// ValidateRelayURL checks that raw is a STUN or TURN URI.
func ValidateRelayURL(raw string) error {
	if _, err := stun.ParseURI(raw); err != nil {
		return fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If POWERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads config.json from disk. Comments and trailing commas are
// allowed.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
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

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:           uuid.NewString(),
		DeviceName:         device.DefaultName(),
		DeviceType:         string(device.TypeFor(runtime.GOOS)),
		SignalingURL:       DefaultSignalingURL,
		RelayServers:       append([]string(nil), DefaultRelayServers...),
		PreferredTransport: string(models.TransportUSBTethering),
		DiscoveryMode:      DiscoveryModeMDNS,
		DirectoryPath:      filepath.Join(dataDir, directoryFileName),
		LogLevel:           DefaultLogLevel,
		ConfirmIntervalMS:  DefaultConfirmIntervalMS,
		ConfirmAttempts:    DefaultConfirmAttempts,
	}
}

// normalizeDefaults fills missing fields and repairs invalid ones. It reports
// whether cfg changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	setString := func(field *string, valid bool, fallback string) {
		if !valid {
			*field = fallback
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.Validate(cfg.DeviceID) == nil, defaults.DeviceID)
	setString(&cfg.DeviceName, strings.TrimSpace(cfg.DeviceName) != "", defaults.DeviceName)
	setString(&cfg.DeviceType, models.DeviceType(cfg.DeviceType).Valid(), defaults.DeviceType)
	setString(&cfg.SignalingURL, cfg.SignalingURL != "", defaults.SignalingURL)
	setString(&cfg.PreferredTransport, models.TransportClass(cfg.PreferredTransport).Valid(), defaults.PreferredTransport)
	setString(&cfg.DiscoveryMode, normalizeDiscoveryMode(cfg.DiscoveryMode) != "", defaults.DiscoveryMode)
	setString(&cfg.DirectoryPath, cfg.DirectoryPath != "", defaults.DirectoryPath)
	setString(&cfg.LogLevel, normalizeLogLevel(cfg.LogLevel) != "", defaults.LogLevel)

	if cfg.RelayServers == nil {
		cfg.RelayServers = defaults.RelayServers
		updated = true
	} else {
		kept := cfg.RelayServers[:0:0]
		for _, raw := range cfg.RelayServers {
			if ValidateRelayURL(raw) == nil {
				kept = append(kept, raw)
			}
		}
		if len(kept) != len(cfg.RelayServers) {
			cfg.RelayServers = kept
			updated = true
		}
	}

	if cfg.ConfirmIntervalMS <= 0 {
		cfg.ConfirmIntervalMS = DefaultConfirmIntervalMS
		updated = true
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = DefaultConfirmAttempts
		updated = true
	}

	return updated
}

func normalizeDiscoveryMode(mode string) string {
	switch mode {
	case DiscoveryModeMDNS:
		return DiscoveryModeMDNS
	case DiscoveryModeMemory:
		return DiscoveryModeMemory
	default:
		return ""
	}
}

func normalizeLogLevel(level string) string {
	switch level {
	case "debug", "info", "warn", "error":
		return level
	default:
		return ""
	}
}
