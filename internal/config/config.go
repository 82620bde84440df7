// Package config loads genwatch settings from YAML (or TOML by extension).
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/modforge/genwatch/internal/engine"
)

//go:embed example.yaml
var exampleConf []byte

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Poll      PollConfig      `yaml:"poll" toml:"poll"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Mock      MockConfig      `yaml:"mock" toml:"mock"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Token   string `yaml:"token" toml:"token"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

type StoreConfig struct {
	// Path of the sqlite cache. Empty disables the cache.
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// MockConfig configures the built-in mock producer.
type MockConfig struct {
	Addr     string        `yaml:"addr" toml:"addr"`
	Token    string        `yaml:"token" toml:"token"`
	Step     time.Duration `yaml:"step" toml:"step"`
	Provider string        `yaml:"provider" toml:"provider"`
	// PauseForCredential makes every run pause until a credential for
	// Provider is saved.
	PauseForCredential bool `yaml:"pause_for_credential" toml:"pause_for_credential"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := stateDir()
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Poll: PollConfig{
			Interval: 5 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "genwatch.db"),
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(dir, "genwatch.log"),
		},
		Mock: MockConfig{
			Addr:               "127.0.0.1:8080",
			Step:               400 * time.Millisecond,
			Provider:           "anthropic",
			PauseForCredential: true,
		},
	}
}

// Load reads path over the defaults. Files ending in .toml are parsed as
// TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server.base_url %q must be an http(s) url", ErrInvalid, c.Server.BaseURL)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalid)
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("%w: reconnect delays must not be negative", ErrInvalid)
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("%w: reconnect.max_delay is below base_delay", ErrInvalid)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("%w: poll.interval must be positive", ErrInvalid)
	}
	return nil
}

// ReconnectPolicy converts the reconnect section for the engine.
func (c *Config) ReconnectPolicy() engine.ReconnectPolicy {
	return engine.ReconnectPolicy{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// DefaultPath is where genwatch looks for its config when none is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "genwatch", "config.yaml")
	}
	return "genwatch.yaml"
}

// WriteExample writes the commented example config to path. It refuses to
// overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, exampleConf, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func stateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "genwatch")
	}
	return "."
}
