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
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANCHAT_DATA_DIR"
	// DefaultListeningPort is the TCP port peers listen on.
	DefaultListeningPort = 6000
	// DefaultChunkSize is the outgoing chunk payload size (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// MaxChunkSize is the largest chunk a peer accepts (64 MiB).
	MaxChunkSize = 64 * 1024 * 1024
	// DefaultChunkPacingMs is the pause before each chunk frame.
	DefaultChunkPacingMs = 20
	// DefaultDialTimeoutMs bounds outgoing connection attempts.
	DefaultDialTimeoutMs = 10000
	// DefaultLogLevel is used when the configured level does not parse.
	DefaultLogLevel = "info"

	configFileName = "config.json"
	downloadsDir   = "downloads"
	logsDir        = "logs"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID           string `json:"device_id"`
	DeviceName         string `json:"device_name"`
	ListeningPort      int    `json:"listening_port"`
	DownloadDir        string `json:"download_dir"`
	ChunkSize          int    `json:"chunk_size"`
	ChunkPacingMs      int    `json:"chunk_pacing_ms"`
	DialTimeoutMs      int    `json:"dial_timeout_ms"`
	MaxConcurrentPeers int    `json:"max_concurrent_peers"`
	LogLevel           string `json:"log_level"`
	JournalEnabled     *bool  `json:"journal_enabled"`
}

// ListenAddress returns the bind address for the configured port.
func (c *DeviceConfig) ListenAddress() string {
	return net.JoinHostPort("", strconv.Itoa(c.ListeningPort))
}

// ChunkPacing returns the chunk pacing delay. Zero disables pacing.
func (c *DeviceConfig) ChunkPacing() time.Duration {
	return time.Duration(c.ChunkPacingMs) * time.Millisecond
}

// DialTimeout returns the outgoing connection timeout.
func (c *DeviceConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// Journal reports whether transfers are recorded in the SQLite journal.
func (c *DeviceConfig) Journal() bool {
	return c.JournalEnabled == nil || *c.JournalEnabled
}

// Level returns the parsed log level.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANCHAT_DATA_DIR is set, its value is used as an explicit override.
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

// LogPath returns the log file path for a data directory.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, logsDir, "lanchat.log")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDir),
		filepath.Join(dataDir, logsDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
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

// LoadOrCreate ensures directories and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	enabled := true
	return &DeviceConfig{
		DeviceID:           uuid.NewString(),
		DeviceName:         defaultDeviceName(),
		ListeningPort:      DefaultListeningPort,
		DownloadDir:        filepath.Join(dataDir, downloadsDir),
		ChunkSize:          DefaultChunkSize,
		ChunkPacingMs:      DefaultChunkPacingMs,
		DialTimeoutMs:      DefaultDialTimeoutMs,
		MaxConcurrentPeers: 0,
		LogLevel:           DefaultLogLevel,
		JournalEnabled:     &enabled,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "lanchat-" + uuid.NewString()[:8]
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, downloadsDir)
		updated = true
	}

	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	// Zero keeps pacing disabled; only negative values are invalid.
	if cfg.ChunkPacingMs < 0 {
		cfg.ChunkPacingMs = DefaultChunkPacingMs
		updated = true
	}

	if cfg.DialTimeoutMs <= 0 {
		cfg.DialTimeoutMs = DefaultDialTimeoutMs
		updated = true
	}

	if cfg.MaxConcurrentPeers < 0 {
		cfg.MaxConcurrentPeers = 0
		updated = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, err := logrus.ParseLevel(level); err != nil {
		level = DefaultLogLevel
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.JournalEnabled == nil {
		enabled := true
		cfg.JournalEnabled = &enabled
		updated = true
	}

	return updated
}
