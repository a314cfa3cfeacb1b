// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for otpclip.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag passed to the command, or
//   - the OTPCLIP_CONFIG environment variable, or
//   - $XDG_CONFIG_HOME/otpclip/config.yaml if it exists.
//
// A missing file means built-in defaults. There is no merging of
// multiple files and no automatic discovery beyond the single XDG
// location, so the effective configuration is always auditable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full otpclip configuration.
type Config struct {
	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Store configures the secret-store client.
	Store StoreConfig `yaml:"store"`

	// Clipboard configures the compositor connection.
	Clipboard ClipboardConfig `yaml:"clipboard"`

	// Control configures the control socket.
	Control ControlConfig `yaml:"control"`

	// Tray configures the status icon and menu.
	Tray TrayConfig `yaml:"tray"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format selects the handler: json or text.
	Format string `yaml:"format"`
}

// StoreConfig configures the secret-store client.
type StoreConfig struct {
	// Collection is the label of the secret-store collection holding
	// the TOTP entries. Empty selects the store's default collection.
	Collection string `yaml:"collection"`

	// Schema is the xdg:schema attribute value that marks an item as
	// an otpclip entry.
	Schema string `yaml:"schema"`

	// Session selects the transport encryption for secret values:
	// "auto" (try DH, fall back to plain), "dh", or "plain".
	Session string `yaml:"session"`
}

// ClipboardConfig configures the compositor connection.
type ClipboardConfig struct {
	// Display overrides $WAYLAND_DISPLAY when non-empty.
	Display string `yaml:"display"`

	// MaxMessageSize is the largest protocol message accepted or
	// produced, in bytes. Messages beyond it are a fatal protocol
	// violation. Must lie within [1024, 65535].
	MaxMessageSize int `yaml:"max_message_size"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	// Socket overrides the default control socket path
	// ($XDG_RUNTIME_DIR/otpclip/control.sock) when non-empty.
	Socket string `yaml:"socket"`
}

// TrayConfig configures the status icon and menu.
type TrayConfig struct {
	// Enabled controls whether the tray icon is exported at all.
	// Disabling it leaves the control socket as the only frontend.
	Enabled bool `yaml:"enabled"`

	// Icon is the freedesktop icon name shown by the tray host.
	Icon string `yaml:"icon"`

	// Title is the human-readable item title.
	Title string `yaml:"title"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Collection: "",
			Schema:     "com.otpclip.Account",
			Session:    "auto",
		},
		Clipboard: ClipboardConfig{
			MaxMessageSize: 4096,
		},
		Tray: TrayConfig{
			Enabled: true,
			Icon:    "dialog-password",
			Title:   "otpclip",
		},
	}
}

// Load resolves the configuration path and loads it. An explicit path
// (from the --config flag) wins; otherwise OTPCLIP_CONFIG; otherwise
// the XDG location if the file exists; otherwise defaults.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv("OTPCLIP_CONFIG")
	}
	if path == "" {
		xdgPath, err := xdgConfigPath()
		if err == nil {
			if _, statErr := os.Stat(xdgPath); statErr == nil {
				path = xdgPath
			}
		}
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads configuration from the given file, overlaying the
// built-in defaults, and validates the result. Unknown keys are
// errors: a misspelled key silently falling back to a default is
// worse than a loud failure.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enum fields and bounds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	switch c.Store.Session {
	case "auto", "dh", "plain":
	default:
		errs = append(errs, fmt.Errorf("store.session must be auto, dh, or plain, got %q", c.Store.Session))
	}
	if c.Store.Schema == "" {
		errs = append(errs, fmt.Errorf("store.schema must not be empty"))
	}
	if c.Clipboard.MaxMessageSize < 1024 || c.Clipboard.MaxMessageSize > 65535 {
		errs = append(errs, fmt.Errorf("clipboard.max_message_size must lie within [1024, 65535], got %d", c.Clipboard.MaxMessageSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel converts the configured log level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
}

// ControlSocketPath resolves the control socket path: the configured
// override, or $XDG_RUNTIME_DIR/otpclip/control.sock.
func (c *Config) ControlSocketPath() (string, error) {
	if c.Control.Socket != "" {
		return c.Control.Socket, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR not set and control.socket not configured")
	}
	return filepath.Join(runtimeDir, "otpclip", "control.sock"), nil
}

// xdgConfigPath returns $XDG_CONFIG_HOME/otpclip/config.yaml, deriving
// XDG_CONFIG_HOME from HOME when unset per the basedir spec.
func xdgConfigPath() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving config directory: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "otpclip", "config.yaml"), nil
}
