// Package config provides configuration loading and validation for Echelon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Standard config file location.
const defaultConfigPath = "~/.config/echelon/config.json"

// Config holds all Echelon configuration settings.
type Config struct {
	DatabasePath       string         `json:"database_path"`        // SQLite database for sessions and steps
	MaxTotalIterations int            `json:"max_total_iterations"` // Hard cap across all levels of one session
	Provider           ProviderConfig `json:"provider"`
	Server             ServerConfig   `json:"server"`

	// expandedPaths tracks whether ExpandPaths has been called.
	expandedPaths bool
}

// ProviderConfig holds completion-backend settings.
type ProviderConfig struct {
	Command            string   `json:"command"`              // Completion CLI; prompts go on stdin
	Args               []string `json:"args"`                 // Extra arguments passed before the model flag
	Model              string   `json:"model"`                // Appended as --model when non-empty
	CallTimeoutSeconds int      `json:"call_timeout_seconds"` // Per-agent-call timeout
}

// ServerConfig holds the HTTP driver settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:       "~/.local/share/echelon/echelon.db",
		MaxTotalIterations: 10,
		Provider: ProviderConfig{
			Command:            "claude",
			Args:               []string{"-p", "--output-format", "json"},
			Model:              "sonnet",
			CallTimeoutSeconds: 300,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8743",
		},
	}
}

// Load reads config from the standard location (~/.config/echelon/config.json),
// falling back to defaults if the file doesn't exist.
// Missing fields use default values (not zero values).
func Load() (*Config, error) {
	configPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}
	return LoadFromPath(configPath)
}

// LoadFromPath reads config from a specific path.
// If the file doesn't exist, returns default config.
// If the file exists but is invalid, returns an error.
func LoadFromPath(path string) (*Config, error) {
	// Start with default config.
	cfg := DefaultConfig()

	// Check if config file exists.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No config file - use all defaults.
		if err := cfg.ExpandPaths(); err != nil {
			return nil, fmt.Errorf("failed to expand paths: %w", err)
		}
		return cfg, nil
	}

	// Read the config file.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into a temporary struct for merging.
	var fileCfg fileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge file values over defaults (only set values).
	mergeConfig(cfg, &fileCfg)

	// Expand paths.
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	// Validate the merged config.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// fileConfig is used for parsing JSON with pointer fields to detect what was set.
type fileConfig struct {
	DatabasePath       *string             `json:"database_path"`
	MaxTotalIterations *int                `json:"max_total_iterations"`
	Provider           *fileProviderConfig `json:"provider"`
	Server             *fileServerConfig   `json:"server"`
}

type fileProviderConfig struct {
	Command            *string   `json:"command"`
	Args               *[]string `json:"args"`
	Model              *string   `json:"model"`
	CallTimeoutSeconds *int      `json:"call_timeout_seconds"`
}

type fileServerConfig struct {
	ListenAddr *string `json:"listen_addr"`
}

// mergeConfig merges file config values into the default config.
// Only non-nil values from the file config are applied.
func mergeConfig(cfg *Config, fileCfg *fileConfig) {
	if fileCfg.DatabasePath != nil {
		cfg.DatabasePath = *fileCfg.DatabasePath
	}
	if fileCfg.MaxTotalIterations != nil {
		cfg.MaxTotalIterations = *fileCfg.MaxTotalIterations
	}

	if fileCfg.Provider != nil {
		if fileCfg.Provider.Command != nil {
			cfg.Provider.Command = *fileCfg.Provider.Command
		}
		if fileCfg.Provider.Args != nil {
			cfg.Provider.Args = *fileCfg.Provider.Args
		}
		if fileCfg.Provider.Model != nil {
			cfg.Provider.Model = *fileCfg.Provider.Model
		}
		if fileCfg.Provider.CallTimeoutSeconds != nil {
			cfg.Provider.CallTimeoutSeconds = *fileCfg.Provider.CallTimeoutSeconds
		}
	}

	if fileCfg.Server != nil {
		if fileCfg.Server.ListenAddr != nil {
			cfg.Server.ListenAddr = *fileCfg.Server.ListenAddr
		}
	}
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path must be non-empty"))
	}

	if c.MaxTotalIterations < 1 {
		errs = append(errs, errors.New("max_total_iterations must be >= 1"))
	}

	if c.Provider.Command == "" {
		errs = append(errs, errors.New("provider.command must be non-empty"))
	}

	if c.Provider.CallTimeoutSeconds < 1 {
		errs = append(errs, errors.New("provider.call_timeout_seconds must be >= 1"))
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must be non-empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ExpandPaths expands ~ to home directory in all path fields.
func (c *Config) ExpandPaths() error {
	if c.expandedPaths {
		return nil
	}

	var err error

	c.DatabasePath, err = expandPath(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}

	c.expandedPaths = true
	return nil
}

// expandPath expands ~ to the user's home directory.
// It also handles relative paths by making them absolute.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand ~
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	// Clean the path.
	return filepath.Clean(path), nil
}
