package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// P4Settings configures the bridge to the p4 command-line client.
type P4Settings struct {
	Executable        string `yaml:"executable"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Client            string `yaml:"client"`
	CommandTimeoutSec int    `yaml:"command_timeout_sec"`
}

// Settings is the user-editable configuration, read from settings.yaml
// under the config dir. Absent fields keep their defaults; connection
// fields left empty fall back to the P4 environment.
type Settings struct {
	P4                P4Settings `yaml:"p4"`
	VaultRoot         string     `yaml:"vault_root"`
	Listen            string     `yaml:"listen"`
	AuthKey           string     `yaml:"auth_key"`
	AutoAdd           bool       `yaml:"auto_add"`
	AutoAddDebounceMs int        `yaml:"auto_add_debounce_ms"`
	LogLevel          string     `yaml:"log_level"`
}

// Config holds the resolved directory layout plus the loaded settings.
type Config struct {
	HomeDir      string
	ConfigDir    string
	LogDir       string
	SnapshotDir  string
	SettingsPath string
	Settings     Settings
}

func defaults() Settings {
	return Settings{
		P4: P4Settings{
			Executable:        "p4",
			CommandTimeoutSec: 30,
		},
		Listen:            "127.0.0.1:0",
		AutoAdd:           true,
		AutoAddDebounceMs: 400,
		LogLevel:          "info",
	}
}

// Load resolves paths under ~/.p4vault, creating the layout on first
// run, and reads settings.yaml when present.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return loadFrom(home, "")
}

// LoadAt is Load with an explicit settings file. The directory layout
// stays under the home dir; a missing explicit file is an error where a
// missing default one is not.
func LoadAt(settingsPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return loadFrom(home, settingsPath)
}

func loadFrom(home, settingsPath string) (*Config, error) {
	configDir := filepath.Join(home, ".p4vault")
	logDir := filepath.Join(configDir, "logs")
	snapshotDir := filepath.Join(configDir, "snapshots")

	for _, dir := range []string{configDir, logDir, snapshotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	explicit := settingsPath != ""
	if !explicit {
		settingsPath = filepath.Join(configDir, "settings.yaml")
	}

	cfg := &Config{
		HomeDir:      home,
		ConfigDir:    configDir,
		LogDir:       logDir,
		SnapshotDir:  snapshotDir,
		SettingsPath: settingsPath,
		Settings:     defaults(),
	}

	data, err := os.ReadFile(cfg.SettingsPath)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg.Settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.SettingsPath, err)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, err
	}

	cfg.fillFromEnv()
	return cfg, nil
}

// fillFromEnv fills connection fields the settings file left empty.
func (c *Config) fillFromEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Settings.P4.Port, "P4PORT")
	fill(&c.Settings.P4.User, "P4USER")
	fill(&c.Settings.P4.Client, "P4CLIENT")
	fill(&c.Settings.VaultRoot, "P4VAULT_ROOT")
	fill(&c.Settings.AuthKey, "P4VAULT_AUTH_KEY")
}

// CommandTimeout returns the configured per-command timeout; zero means
// the bridge default applies.
func (s Settings) CommandTimeout() time.Duration {
	if s.P4.CommandTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(s.P4.CommandTimeoutSec) * time.Second
}

// AddDebounce returns the auto-add prompt delay.
func (s Settings) AddDebounce() time.Duration {
	if s.AutoAddDebounceMs <= 0 {
		return 0
	}
	return time.Duration(s.AutoAddDebounceMs) * time.Millisecond
}
