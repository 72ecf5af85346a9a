package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.DiscoveryMode != DiscoveryModeMDNS {
		t.Fatalf("expected default discovery mode %q, got %q", DiscoveryModeMDNS, firstCfg.DiscoveryMode)
	}
	if len(firstCfg.RelayServers) != len(DefaultRelayServers) {
		t.Fatalf("expected %d default relay servers, got %v", len(DefaultRelayServers), firstCfg.RelayServers)
	}
	if firstCfg.ConfirmInterval().Milliseconds() != DefaultConfirmIntervalMS || firstCfg.ConfirmAttempts != DefaultConfirmAttempts {
		t.Fatalf("unexpected confirmation defaults: %v x %d", firstCfg.ConfirmInterval(), firstCfg.ConfirmAttempts)
	}
	if want := filepath.Join(tempDir, "discovery.db"); firstCfg.DirectoryPath != want {
		t.Fatalf("expected directory path %q, got %q", want, firstCfg.DirectoryPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DeviceName != firstCfg.DeviceName {
		t.Fatalf("expected stable device name, got %q then %q", firstCfg.DeviceName, secondCfg.DeviceName)
	}
}

func TestLoadAcceptsComments(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	raw := `{
  // identity
  "device_id": "6f1c0e3a-8f5e-4d7a-9b3c-2a1d5e6f7a8b",
  "device_name": "Bench",
  "device_type": "laptop",
  "signaling_url": "ws://10.0.0.2:8787/signal",
  /* only the LAN relay */
  "relay_servers": ["stun:10.0.0.2:3478",],
  "preferred_transport": "usb-tethering",
  "discovery_mode": "memory",
  "directory_path": "/tmp/powerlink/discovery.db",
  "log_level": "debug",
  "confirm_interval_ms": 250,
  "confirm_attempts": 8,
}`
	cfgPath := ConfigPath(tempDir)
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceName != "Bench" || cfg.DeviceType != "laptop" || cfg.DiscoveryMode != DiscoveryModeMemory {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.RelayServers) != 1 || cfg.RelayServers[0] != "stun:10.0.0.2:3478" {
		t.Fatalf("unexpected relay servers: %v", cfg.RelayServers)
	}
	if cfg.ConfirmAttempts != 8 || cfg.ConfirmInterval().Milliseconds() != 250 {
		t.Fatalf("unexpected confirmation settings: %v x %d", cfg.ConfirmInterval(), cfg.ConfirmAttempts)
	}

	// A valid file is left untouched, comments included.
	after, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(after) != raw {
		t.Fatalf("expected valid config to be left as written")
	}
}

func TestLoadOrCreateNormalizesInvalidFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := ConfigPath(tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:           "legacy-device",
		DeviceName:         "Legacy",
		DeviceType:         "toaster",
		RelayServers:       []string{"stun:stun.example.org:3478", "http://example.org", "turn:relay.example.org:3478?transport=tcp"},
		PreferredTransport: "carrier-pigeon",
		DiscoveryMode:      "broadcast",
		LogLevel:           "verbose",
		ConfirmIntervalMS:  -1,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID == "legacy-device" || cfg.DeviceID == "" {
		t.Fatalf("expected invalid device id to be replaced, got %q", cfg.DeviceID)
	}
	if cfg.DeviceName != "Legacy" {
		t.Fatalf("expected device name to be retained, got %q", cfg.DeviceName)
	}
	if cfg.PreferredTransport != "usb-tethering" || cfg.DiscoveryMode != DiscoveryModeMDNS || cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected invalid enums to fall back, got %+v", cfg)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Fatalf("expected default signaling url, got %q", cfg.SignalingURL)
	}
	if len(cfg.RelayServers) != 2 || cfg.RelayServers[1] != "turn:relay.example.org:3478?transport=tcp" {
		t.Fatalf("expected invalid relay url to be dropped, got %v", cfg.RelayServers)
	}
	if cfg.ConfirmIntervalMS != DefaultConfirmIntervalMS || cfg.ConfirmAttempts != DefaultConfirmAttempts {
		t.Fatalf("expected confirmation defaults, got %d x %d", cfg.ConfirmIntervalMS, cfg.ConfirmAttempts)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestExplicitEmptyRelayListIsKept(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	first, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	first.RelayServers = []string{}
	if err := Save(cfgPath, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.RelayServers == nil || len(cfg.RelayServers) != 0 {
		t.Fatalf("expected explicit empty relay list, got %#v", cfg.RelayServers)
	}
	if servers := cfg.ICEServers(); len(servers) != 0 {
		t.Fatalf("expected no ICE servers, got %v", servers)
	}
}

func TestICEServers(t *testing.T) {
	cfg := &DeviceConfig{RelayServers: DefaultRelayServers}
	servers := cfg.ICEServers()
	if len(servers) != 2 || servers[0].URLs[0] != DefaultRelayServers[0] {
		t.Fatalf("unexpected ICE servers: %v", servers)
	}
}

func TestValidateRelayURL(t *testing.T) {
	for _, raw := range []string{"stun:stun.l.google.com:19302", "turns:relay.example.org:443"} {
		if err := ValidateRelayURL(raw); err != nil {
			t.Fatalf("expected %q to be valid: %v", raw, err)
		}
	}
	for _, raw := range []string{"", "not a url", "https://stun.example.org"} {
		if err := ValidateRelayURL(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := os.WriteFile(ConfigPath(tempDir), []byte(`{"device_id": `), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected malformed config to fail")
	}
}
