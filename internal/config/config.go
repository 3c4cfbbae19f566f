// Package config loads the ingestion service configuration from environment
// variables. Every tunable threshold of the ingestion path lives here so it
// can be adjusted per deployment without a rebuild.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Ingest      IngestConfig
	Templates   TemplateConfig
	Security    SecurityConfig
	Logging     LoggingConfig
	Maintenance MaintenanceConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"120s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds a single API call, including a full ingestion.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"10m"`

	// MaxBodyBytes caps the JSON body of an ingest request (default: 64MB)
	MaxBodyBytes int64 `env:"SERVER_MAX_BODY_BYTES" default:"67108864"`

	// CORSOrigins lists allowed origins; empty disables CORS handling.
	CORSOrigins []string `env:"SERVER_CORS_ORIGINS"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// IngestConfig holds the ingestion path thresholds and per-domain policy.
type IngestConfig struct {
	// MaxConcurrent bounds simultaneous ingestion calls (default: 5)
	MaxConcurrent int `env:"INGEST_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a caller waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of rows written per chunk (default: 500)
	BatchSize int `env:"INGEST_BATCH_SIZE" default:"500"`

	// MaxColumns is the column budget of a fact table (default: 1600)
	MaxColumns int `env:"INGEST_MAX_COLUMNS" default:"1600"`

	// CountTolerance is the accepted gap between the observed row-count
	// delta and the expected insert count before a warning (default: 5)
	CountTolerance int `env:"INGEST_COUNT_TOLERANCE" default:"5"`

	// UpsertDomains lists domains written with UPSERT; all others are INSERT_ONLY.
	UpsertDomains []string `env:"INGEST_UPSERT_DOMAINS" default:"inventory"`

	// UpdateFields are the columns overwritten on UPSERT conflict.
	UpdateFields []string `env:"INGEST_UPDATE_FIELDS" default:"raw_data,ingest_timestamp,file_id,header_columns,currency_code"`

	// DedupFields sets default dedup fields per domain as
	// "domain:field|field" entries; templates override them.
	DedupFields []string `env:"INGEST_DEDUP_FIELDS"`

	// SubDomainRequiredDomains get a NOT NULL sub_domain and a sub-domain scoped unique key.
	SubDomainRequiredDomains []string `env:"INGEST_SUBDOMAIN_REQUIRED_DOMAINS" default:"services"`
}

// TemplateConfig holds template resolution settings.
type TemplateConfig struct {
	// StrictSubDomainDomains disables the sub-domain-agnostic fallback.
	StrictSubDomainDomains []string `env:"TEMPLATE_STRICT_SUBDOMAIN_DOMAINS" default:"services"`

	// MinMatchRate is an advisory header match percentage; below it a
	// warning is logged. Drift always requires confirmation regardless.
	MinMatchRate float64 `env:"TEMPLATE_MIN_MATCH_RATE" default:"0"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
	RequireAPIKey  bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys        []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MaintenanceConfig holds settings of the cron-driven maintenance job.
type MaintenanceConfig struct {
	Enabled bool `env:"MAINTENANCE_ENABLED" default:"true"`

	// Schedule is a robfig/cron expression (default: every 6h)
	Schedule string `env:"MAINTENANCE_SCHEDULE" default:"@every 6h"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
