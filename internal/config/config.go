package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eptb-dst-server/internal/cache"
	"github.com/eptb-dst-server/internal/database"
	"github.com/eptb-dst-server/internal/normalize"
	"github.com/eptb-dst-server/pkg/registry"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuditConfig selects the evaluation audit-trail backend.
type AuditConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite or postgres
	SQLitePath string `mapstructure:"sqlite_path"`
}

// GuidelineConfig controls where the rule dataset comes from. Source
// selects the backend explicitly (builtin, file, registry, or database);
// when empty the source is inferred from the registry switch and
// DatasetPath, falling back to the built-in WHO dataset.
type GuidelineConfig struct {
	Source      string `mapstructure:"source"`
	DatasetPath string `mapstructure:"dataset_path"`
	CacheSize   int    `mapstructure:"cache_size"`
}

// CacheConfig wraps the Redis settings with an enable switch, so the
// service runs without Redis by default.
type CacheConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	cache.Config `mapstructure:",squash"`
}

// RegistryConfig wraps the guideline registry client settings.
type RegistryConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	registry.Config `mapstructure:",squash"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
	Output string `mapstructure:"output"`
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Database  database.Config      `mapstructure:"database"`
	Audit     AuditConfig          `mapstructure:"audit"`
	Guideline GuidelineConfig      `mapstructure:"guideline"`
	Cache     CacheConfig          `mapstructure:"cache"`
	Registry  RegistryConfig       `mapstructure:"registry"`
	Renal     normalize.RenalBands `mapstructure:"renal"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// Manager loads and validates the service configuration using Viper.
type Manager struct {
	config *Config
}

// NewManager creates a configuration manager and loads the configuration.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment, and defaults.
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/eptb-dst-server/")

	viper.SetEnvPrefix("EPTB_DST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "eptb_dst")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 25)
	viper.SetDefault("database.min_conns", 5)
	viper.SetDefault("database.max_conn_lifetime", "5m")
	viper.SetDefault("database.max_conn_idle", "30m")

	// Audit trail defaults
	viper.SetDefault("audit.backend", "sqlite")
	viper.SetDefault("audit.sqlite_path", "data/evaluations.db")

	// Guideline dataset defaults
	viper.SetDefault("guideline.source", "")
	viper.SetDefault("guideline.dataset_path", "")
	viper.SetDefault("guideline.cache_size", 1024)

	// Cache defaults
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Guideline registry defaults
	viper.SetDefault("registry.enabled", false)
	viper.SetDefault("registry.base_url", "")
	viper.SetDefault("registry.timeout", "30s")
	viper.SetDefault("registry.rate_limit", 2)

	// Renal staging defaults (eGFR in mL/min)
	viper.SetDefault("renal.normal_min", 90.0)
	viper.SetDefault("renal.mild_min", 60.0)
	viper.SetDefault("renal.moderate_min", 30.0)
	viper.SetDefault("renal.severe_min", 15.0)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *ServerConfig {
	return &m.config.Server
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *database.Config {
	return &m.config.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch strings.ToLower(config.Audit.Backend) {
	case "sqlite":
		if config.Audit.SQLitePath == "" {
			return fmt.Errorf("audit sqlite path is required")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	default:
		return fmt.Errorf("invalid audit backend: %s", config.Audit.Backend)
	}

	if config.Guideline.CacheSize <= 0 {
		return fmt.Errorf("guideline cache size must be positive: %d", config.Guideline.CacheSize)
	}

	switch strings.ToLower(config.Guideline.Source) {
	case "", "builtin":
	case "file":
		if config.Guideline.DatasetPath == "" {
			return fmt.Errorf("guideline dataset path is required for the file source")
		}
	case "registry":
		if config.Registry.BaseURL == "" {
			return fmt.Errorf("registry base URL is required for the registry guideline source")
		}
	case "database":
		if config.Database.Host == "" || config.Database.Database == "" || config.Database.Username == "" {
			return fmt.Errorf("database connection settings are required for the database guideline source")
		}
	default:
		return fmt.Errorf("invalid guideline source: %s", config.Guideline.Source)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required when cache is enabled")
	}

	if config.Registry.Enabled && config.Registry.BaseURL == "" {
		return fmt.Errorf("registry base URL is required when registry is enabled")
	}

	if err := config.Renal.Validate(); err != nil {
		return fmt.Errorf("invalid renal staging bands: %w", err)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
