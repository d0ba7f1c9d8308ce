// Package config loads application settings from an optional YAML file
// in the app data directory, overridable through CHAT_-prefixed
// environment variables.
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
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "bwesun-chat"
	// envPrefix namespaces environment overrides: CHAT_MESSAGE_KEY,
	// CHAT_BACKEND_URL and so on.
	envPrefix = "CHAT"
	// configFileName is the optional settings file (config.yaml).
	configFileName = "config"
	// installIDFileName persists the per-install identifier.
	installIDFileName = "install_id"
)

// Config contains the resolved application settings.
type Config struct {
	// MessageKey is the shared conversation passphrase. Required.
	MessageKey string `mapstructure:"message_key"`
	// BackendURL is the REST backend base URL.
	BackendURL string `mapstructure:"backend_url"`
	// DataDir overrides the OS-aware data directory.
	DataDir string `mapstructure:"data_dir"`
	// UserID is the locally signed-in user.
	UserID string `mapstructure:"user_id"`
	// PresenceEnabled turns on LAN presence announcements.
	PresenceEnabled bool `mapstructure:"presence_enabled"`
	// FanoutTimeout bounds each partner's queries while building the
	// conversation list.
	FanoutTimeout time.Duration `mapstructure:"fanout_timeout"`

	// InstallID is generated on first run and persisted in the data
	// directory. Not configurable.
	InstallID string `mapstructure:"-"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHAT_DATA_DIR"); override != "" {
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load resolves the data directory, reads config.yaml if present,
// applies environment overrides and returns the merged settings.
func Load() (*Config, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("message_key", "")
	v.SetDefault("backend_url", "http://localhost:8080")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("user_id", "")
	v.SetDefault("presence_enabled", true)
	v.SetDefault("fanout_timeout", 5*time.Second)

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DataDir != dataDir {
		if err := EnsureDataDirectory(cfg.DataDir); err != nil {
			return nil, err
		}
	}
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = 5 * time.Second
	}

	installID, err := loadOrCreateInstallID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.InstallID = installID

	return &cfg, nil
}

// Validate checks the settings a running client cannot do without.
func (c *Config) Validate() error {
	if c.MessageKey == "" {
		return errors.New("message key is required (set CHAT_MESSAGE_KEY)")
	}
	if c.UserID == "" {
		return errors.New("user id is required (set CHAT_USER_ID)")
	}
	return nil
}

// loadOrCreateInstallID reads the persisted install identifier,
// generating and writing one on first run.
func loadOrCreateInstallID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, installIDFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read install id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write install id: %w", err)
	}
	return id, nil
}
