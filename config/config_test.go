package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address, got %q", firstCfg.ListenAddress)
	}
	if firstCfg.DiscoveryMode != DiscoveryModeSimulated {
		t.Fatalf("expected simulated discovery by default, got %q", firstCfg.DiscoveryMode)
	}
	if !firstCfg.ScansOnStart() {
		t.Fatalf("expected scan_on_start default true")
	}
	if firstCfg.ScanInterval.Duration != DefaultScanInterval {
		t.Fatalf("unexpected scan interval %s", firstCfg.ScanInterval)
	}
	if firstCfg.EffectiveMessageRetention() != DefaultMessageRetention {
		t.Fatalf("unexpected message retention %s", firstCfg.EffectiveMessageRetention())
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
	if secondCfg.Ed25519PrivateKeyPath != firstCfg.Ed25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	raw := []byte(`{
  "device_id": "legacy-device",
  "device_name": "Legacy",
  "discovery_mode": "BOTH",
  "scan_interval": 500,
  "peer_stale_after": "4s",
  "peer_remove_after": "12s",
  "disable_message_expiry": true
}`)
	if err := os.WriteFile(ConfigPath(tempDir), raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID retained, got %q", cfg.DeviceID)
	}
	if cfg.DiscoveryMode != DiscoveryModeBoth || !cfg.UsesMDNSDiscovery() || !cfg.UsesSimulatedDiscovery() {
		t.Fatalf("expected both discovery modes, got %q", cfg.DiscoveryMode)
	}
	if cfg.ScanInterval.Duration != 500*time.Millisecond {
		t.Fatalf("expected numeric milliseconds to parse, got %s", cfg.ScanInterval)
	}
	if cfg.PeerStaleAfter.Duration != 4*time.Second || cfg.PeerRemoveAfter.Duration != 12*time.Second {
		t.Fatalf("unexpected peer timeouts: %s / %s", cfg.PeerStaleAfter, cfg.PeerRemoveAfter)
	}
	if cfg.EffectiveMessageRetention() != 0 {
		t.Fatalf("expected message expiry disabled")
	}
	if cfg.MaxHops != DefaultMaxHops || cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected missing fields to be defaulted: %+v", cfg)
	}

	saved, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.ConnectDelay.Duration != DefaultConnectDelay {
		t.Fatalf("expected normalized config to be written back, got %s", saved.ConnectDelay)
	}
	if !cfg.ScansOnStart() || saved.ScanOnStart == nil || !*saved.ScanOnStart {
		t.Fatalf("expected missing scan_on_start to default to true and be written back")
	}
}

func TestLoadOrCreateKeepsExplicitScanOnStartFalse(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	raw := []byte(`{"device_id": "quiet-device", "scan_on_start": false}`)
	if err := os.WriteFile(ConfigPath(tempDir), raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ScansOnStart() {
		t.Fatalf("expected explicit scan_on_start false to be kept")
	}
}

func TestLoadOrCreateAppliesEnvOverridesWithoutSaving(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)
	t.Setenv("PEERCONNECT_LISTEN_ADDRESS", "0.0.0.0:9100")
	t.Setenv("PEERCONNECT_LOG_LEVEL", "DEBUG")
	t.Setenv("PEERCONNECT_DISCOVERY_MODE", "mdns")
	t.Setenv("PEERCONNECT_SCAN_ON_START", "false")

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9100" || cfg.LogLevel != "debug" || cfg.DiscoveryMode != DiscoveryModeMDNS || cfg.ScansOnStart() {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	port, err := cfg.ListenPort()
	if err != nil || port != 9100 {
		t.Fatalf("expected port 9100, got %d %v", port, err)
	}

	saved, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected overrides not to be persisted, got %q", saved.ListenAddress)
	}
}

func TestLoadOrCreateReadsDotEnvFromDataDir(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)
	t.Setenv("PEERCONNECT_LOG_LEVEL", "")
	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte("PEERCONNECT_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv only fills variables that are unset.
	if err := os.Unsetenv("PEERCONNECT_LOG_LEVEL"); err != nil {
		t.Fatalf("unset env: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level from .env, got %q", cfg.LogLevel)
	}
}

func TestLoadOrCreateRejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCONNECT_DATA_DIR", tempDir)
	t.Setenv("PEERCONNECT_DISCOVERY_MODE", "bluetooth")

	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected unsupported discovery mode to fail")
	}

	t.Setenv("PEERCONNECT_DISCOVERY_MODE", "")
	cfg := defaultConfig(tempDir)
	cfg.ConnectFailureRate = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid failure rate to fail")
	}
	cfg = defaultConfig(tempDir)
	cfg.ListenAddress = "nonsense"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid listen address to fail")
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Duration{Duration: 90 * time.Second})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"1m30s"` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"bogus"`), &d); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Fatalf("expected non-duration value to fail")
	}
}
