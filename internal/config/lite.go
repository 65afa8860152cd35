// Package config provides configuration management for the EPTB regimen
// checking service. This file contains the lightweight configuration for
// standalone command-line operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no database server and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the audit database and exports

	// Guideline dataset
	DatasetPath string // Optional: JSON rule dataset; empty uses the built-in WHO table
	CacheSize   int    // Maximum entries in the in-memory finding cache

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".eptb-dst")

	return &LiteConfig{
		DataDir:   dataDir,
		CacheSize: 1024,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("EPTB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("EPTB_DATASET_PATH"); v != "" {
		cfg.DatasetPath = v
	}
	if v := os.Getenv("EPTB_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheSize = n
		}
	}

	if v := os.Getenv("EPTB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EPTB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AuditDBPath returns the path to the evaluation audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "evaluations.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
