package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerconnect"
	// DefaultListenAddress keeps the API on loopback unless overridden.
	DefaultListenAddress = "127.0.0.1:8787"

	// DiscoveryModeSimulated uses only the randomized roster.
	DiscoveryModeSimulated = "simulated"
	// DiscoveryModeMDNS browses the LAN only.
	DiscoveryModeMDNS = "mdns"
	// DiscoveryModeBoth merges simulated and LAN peers.
	DiscoveryModeBoth = "both"

	DefaultScanInterval      = 2 * time.Second
	DefaultScanTimeout       = 3 * time.Second
	DefaultPeerStaleAfter    = 10 * time.Second
	DefaultPeerRemoveAfter   = 30 * time.Second
	DefaultConnectDelay      = 1500 * time.Millisecond
	DefaultMessageRetention  = 5 * time.Minute
	DefaultAuditRetention    = 30 * 24 * time.Hour
	DefaultMaxHops           = 7
	DefaultMaxMessageLength  = 4096
	DefaultMessagesPerMinute = 30
	DefaultMessageBurst      = 5

	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	envDataDir       = "PEERCONNECT_DATA_DIR"
	envListenAddress = "PEERCONNECT_LISTEN_ADDRESS"
	envLogLevel      = "PEERCONNECT_LOG_LEVEL"
	envDiscoveryMode = "PEERCONNECT_DISCOVERY_MODE"
	envScanOnStart   = "PEERCONNECT_SCAN_ON_START"
)

// Duration is a time.Duration stored as a Go duration string ("2s", "5m").
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		d.Duration = parsed
		return nil
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", raw)
	}
	d.Duration = time.Duration(millis) * time.Millisecond
	return nil
}

// Config contains persistent local-device and session settings.
type Config struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	ListenAddress      string   `json:"listen_address"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty"`

	DiscoveryMode   string   `json:"discovery_mode"`
	RosterPath      string   `json:"roster_path,omitempty"`
	ScanOnStart     *bool    `json:"scan_on_start,omitempty"`
	ScanInterval    Duration `json:"scan_interval"`
	ScanTimeout     Duration `json:"scan_timeout"`
	PeerStaleAfter  Duration `json:"peer_stale_after"`
	PeerRemoveAfter Duration `json:"peer_remove_after"`

	ConnectDelay       Duration `json:"connect_delay"`
	ConnectFailureRate float64  `json:"connect_failure_rate"`

	MaxHops              int      `json:"max_hops"`
	MaxMessageLength     int      `json:"max_message_length"`
	MessageRetention     Duration `json:"message_retention"`
	DisableMessageExpiry bool     `json:"disable_message_expiry"`
	MessagesPerMinute    int      `json:"messages_per_minute"`
	MessageBurst         int      `json:"message_burst"`

	AuditRetention Duration `json:"audit_retention"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file,omitempty"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
}

// EffectiveMessageRetention returns zero when expiry is disabled.
func (c *Config) EffectiveMessageRetention() time.Duration {
	if c.DisableMessageExpiry {
		return 0
	}
	return c.MessageRetention.Duration
}

// ListenPort extracts the numeric port from ListenAddress.
func (c *Config) ListenPort() (int, error) {
	_, portText, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", c.ListenAddress, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portText, err)
	}
	return port, nil
}

// UsesSimulatedDiscovery reports whether the simulated roster is active.
// ScansOnStart reports whether discovery starts with the process. Unset means yes.
func (c *Config) ScansOnStart() bool {
	return c.ScanOnStart == nil || *c.ScanOnStart
}

func (c *Config) UsesSimulatedDiscovery() bool {
	return c.DiscoveryMode == DiscoveryModeSimulated || c.DiscoveryMode == DiscoveryModeBoth
}

// UsesMDNSDiscovery reports whether LAN browsing and advertisement are active.
func (c *Config) UsesMDNSDiscovery() bool {
	return c.DiscoveryMode == DiscoveryModeMDNS || c.DiscoveryMode == DiscoveryModeBoth
}

// Validate rejects values that normalizeDefaults cannot repair.
func (c *Config) Validate() error {
	if _, err := c.ListenPort(); err != nil {
		return err
	}
	if c.ConnectFailureRate < 0 || c.ConnectFailureRate > 1 {
		return fmt.Errorf("connect_failure_rate must be within [0, 1], got %v", c.ConnectFailureRate)
	}
	if c.PeerRemoveAfter.Duration < c.PeerStaleAfter.Duration {
		return errors.New("peer_remove_after must not be shorter than peer_stale_after")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCONNECT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
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
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate loads .env files, ensures directories and config exist, then returns the
// config with environment overrides applied. Overrides are never written back to disk.
func LoadOrCreate() (*Config, string, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, "", err
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := loadDotEnv(filepath.Join(dataDir, ".env")); err != nil {
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
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if value := strings.TrimSpace(os.Getenv(envListenAddress)); value != "" {
		cfg.ListenAddress = value
	}
	if value := strings.TrimSpace(os.Getenv(envLogLevel)); value != "" {
		cfg.LogLevel = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv(envDiscoveryMode)); value != "" {
		mode := normalizeDiscoveryMode(value)
		if mode == "" {
			return fmt.Errorf("%s: unsupported discovery mode %q", envDiscoveryMode, value)
		}
		cfg.DiscoveryMode = mode
	}
	if value := strings.TrimSpace(os.Getenv(envScanOnStart)); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", envScanOnStart, err)
		}
		cfg.ScanOnStart = &enabled
	}
	return nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Peer Connect Device"
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{
		DeviceID:   uuid.NewString(),
		DeviceName: defaultDeviceName(),
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.ListenAddress, DefaultListenAddress)

	mode := normalizeDiscoveryMode(cfg.DiscoveryMode)
	if mode == "" {
		mode = DiscoveryModeSimulated
	}
	if cfg.DiscoveryMode != mode {
		cfg.DiscoveryMode = mode
		updated = true
	}

	if cfg.ScanOnStart == nil {
		enabled := true
		cfg.ScanOnStart = &enabled
		updated = true
	}
	setDuration(&cfg.ScanInterval, DefaultScanInterval)
	setDuration(&cfg.ScanTimeout, DefaultScanTimeout)
	setDuration(&cfg.PeerStaleAfter, DefaultPeerStaleAfter)
	setDuration(&cfg.PeerRemoveAfter, DefaultPeerRemoveAfter)
	setDuration(&cfg.ConnectDelay, DefaultConnectDelay)
	setDuration(&cfg.MessageRetention, DefaultMessageRetention)
	setDuration(&cfg.AuditRetention, DefaultAuditRetention)

	setInt(&cfg.MaxHops, DefaultMaxHops)
	setInt(&cfg.MaxMessageLength, DefaultMaxMessageLength)
	setInt(&cfg.MessagesPerMinute, DefaultMessagesPerMinute)
	setInt(&cfg.MessageBurst, DefaultMessageBurst)

	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, "console")
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))

	return updated
}

func normalizeDiscoveryMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case DiscoveryModeSimulated:
		return DiscoveryModeSimulated
	case DiscoveryModeMDNS:
		return DiscoveryModeMDNS
	case DiscoveryModeBoth:
		return DiscoveryModeBoth
	default:
		return ""
	}
}
