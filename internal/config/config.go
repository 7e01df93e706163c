// Package config loads engine configuration from file, environment and
// defaults using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/amr-import-engine/internal/domain"
)

// Manager loads and validates configuration.
type Manager struct {
	config *domain.Config
}

// NewManager reads config.yaml (optional), AMR_-prefixed environment
// variables and built-in defaults.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) load() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/amr-import-engine/")

	viper.SetEnvPrefix("AMR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults plus environment variables.
	}

	cfg := &domain.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.config = cfg
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.max_upload_mb", 64)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "amr_surveillance")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("ledger.backend", "sqlite")
	viper.SetDefault("ledger.path", "data/import-ledger.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.ttl", "24h")

	viper.SetDefault("refdata.mode", "embedded")
	viper.SetDefault("refdata.path", "data/reference.json")
	viper.SetDefault("refdata.timeout", "10s")
	viper.SetDefault("refdata.rate_limit", 50)
	viper.SetDefault("refdata.rate_burst", 10)
	viper.SetDefault("refdata.breaker_min_requests", 3)

	viper.SetDefault("import.concurrency", 8)
	viper.SetDefault("import.min_collection_date", "1980-01-01")
	viper.SetDefault("import.quality_threshold", 0.7)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// Validate checks the loaded configuration for startup.
func (m *Manager) Validate() error {
	cfg := m.config

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Ledger.Backend {
	case "sqlite":
		if cfg.Ledger.Path == "" {
			return fmt.Errorf("ledger path is required for sqlite backend")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.Database == "" {
			return fmt.Errorf("database host and name are required for postgres ledger")
		}
	default:
		return fmt.Errorf("invalid ledger backend: %s", cfg.Ledger.Backend)
	}

	switch cfg.RefData.Mode {
	case "embedded":
	case "remote":
		if cfg.RefData.BaseURL == "" {
			return fmt.Errorf("refdata base URL is required in remote mode")
		}
	default:
		return fmt.Errorf("invalid refdata mode: %s", cfg.RefData.Mode)
	}

	if cfg.Import.Concurrency <= 0 {
		return fmt.Errorf("import concurrency must be positive: %d", cfg.Import.Concurrency)
	}
	if cfg.Import.QualityThreshold < 0 || cfg.Import.QualityThreshold > 1 {
		return fmt.Errorf("quality threshold must be in [0,1]: %f", cfg.Import.QualityThreshold)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	return nil
}

// DatabaseURL returns a postgres connection URL for migrations and pools.
func (m *Manager) DatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// IsProduction reports whether the engine runs in production mode.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// NewLogger builds the process logger from the logging configuration.
func (m *Manager) NewLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(m.config.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if m.config.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
