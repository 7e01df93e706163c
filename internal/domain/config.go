package domain

import "time"

// Config is the root configuration for the import engine.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
	Redis       RedisConfig    `mapstructure:"redis"`
	RefData     RefDataConfig  `mapstructure:"refdata"`
	Import      ImportConfig   `mapstructure:"import"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int           `mapstructure:"max_upload_mb"`
}

// DatabaseConfig configures the postgres persistence store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// LedgerConfig selects and configures the import ledger backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite" or "postgres"
	Path    string `mapstructure:"path"`    // sqlite file path
}

// RedisConfig configures the reference-data read-through cache.
type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RefDataConfig configures the reference-data service.
type RefDataConfig struct {
	Mode       string        `mapstructure:"mode"` // "embedded" or "remote"
	Path       string        `mapstructure:"path"` // embedded snapshot file
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"` // lookups per second
	RateBurst  int           `mapstructure:"rate_burst"`
	BreakerMin uint32        `mapstructure:"breaker_min_requests"`
}

// ImportConfig tunes the pipeline and quality scoring.
type ImportConfig struct {
	Concurrency       int            `mapstructure:"concurrency"`
	MinCollectionDate string         `mapstructure:"min_collection_date"` // "2006-01-02"
	QualityThreshold  float64        `mapstructure:"quality_threshold"`
	QualityWeights    QualityWeights `mapstructure:"quality_weights"`
}

// QualityWeights weight the quality check categories; zero values fall back
// to equal weighting.
type QualityWeights struct {
	Reference    float64 `mapstructure:"reference"`
	Completeness float64 `mapstructure:"completeness"`
	Consistency  float64 `mapstructure:"consistency"`
	Duplicates   float64 `mapstructure:"duplicates"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}
