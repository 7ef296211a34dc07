package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/ilyakaznacheev/cleanenv"
)

const configFile = "config.yaml"

// Config holds all configuration for ekaya-ledger.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration (operational endpoints only)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (critical alert delivery, optional)
	Redis RedisConfig `yaml:"redis"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Search    SearchConfig    `yaml:"search"`
	Forensics ForensicsConfig `yaml:"forensics"`

	// EncryptionKey protects sensitive metadata and searchable fields.
	// Should be a 32-byte key, base64 or hex encoded. Generate with: openssl rand -base64 32
	// The server still starts without it, on an ephemeral key.
	EncryptionKey string `yaml:"-" env:"LEDGER_ENCRYPTION_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_ledger"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	// StatementTimeout caps each ledger statement server-side. Zero disables the cap.
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"PGSTATEMENT_TIMEOUT" env-default:"30s"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis.
type RedisConfig struct {
	Host         string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port         int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password     string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB           int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	AlertChannel string `yaml:"alert_channel" env:"REDIS_ALERT_CHANNEL" env-default:"ledger:alerts:critical"`
}

// Fallback sink modes for degraded ledger writes.
const (
	FallbackSinkStderr = "stderr"
	FallbackSinkNone   = "none"
)

// LedgerConfig holds audit ledger settings.
type LedgerConfig struct {
	DefaultPageSize int    `yaml:"default_page_size" env:"LEDGER_DEFAULT_PAGE_SIZE" env-default:"50"`
	MaxPageSize     int    `yaml:"max_page_size" env:"LEDGER_MAX_PAGE_SIZE" env-default:"200"`
	FallbackSink    string `yaml:"fallback_sink" env:"LEDGER_FALLBACK_SINK" env-default:"stderr"`
	// VerifyOnStartup walks the whole chain once the server has started.
	VerifyOnStartup bool `yaml:"verify_on_startup" env:"LEDGER_VERIFY_ON_STARTUP" env-default:"true"`
}

// SearchConfig holds encrypted search settings.
type SearchConfig struct {
	DefaultLimit    int `yaml:"default_limit" env:"SEARCH_DEFAULT_LIMIT" env-default:"20"`
	MaxLimit        int `yaml:"max_limit" env:"SEARCH_MAX_LIMIT" env-default:"100"`
	MinPrefixLength int `yaml:"min_prefix_length" env:"SEARCH_MIN_PREFIX_LENGTH" env-default:"2"`
	TierScanLimit   int `yaml:"tier_scan_limit" env:"SEARCH_TIER_SCAN_LIMIT" env-default:"1000"`
}

// ForensicsConfig holds forensic analysis settings.
type ForensicsConfig struct {
	Timezone           string  `yaml:"timezone" env:"FORENSICS_TIMEZONE" env-default:"UTC"`
	BusinessHoursStart string  `yaml:"business_hours_start" env:"FORENSICS_BUSINESS_HOURS_START" env-default:"06:00"`
	BusinessHoursEnd   string  `yaml:"business_hours_end" env:"FORENSICS_BUSINESS_HOURS_END" env-default:"22:00"`
	RiskThreshold      float64 `yaml:"risk_threshold" env:"FORENSICS_RISK_THRESHOLD" env-default:"5"`
	DefaultWindowDays  int     `yaml:"default_window_days" env:"FORENSICS_DEFAULT_WINDOW_DAYS" env-default:"30"`
}

// Location resolves the configured timezone.
func (c *ForensicsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// BusinessHours returns the configured business hours as minutes since midnight.
func (c *ForensicsConfig) BusinessHours() (start, end int, err error) {
	start, err = ParseHourMinute(c.BusinessHoursStart)
	if err != nil {
		return 0, 0, fmt.Errorf("business_hours_start: %w", err)
	}
	end, err = ParseHourMinute(c.BusinessHoursEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("business_hours_end: %w", err)
	}
	return start, end, nil
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error; defaults and environment apply.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(configFile); err == nil {
		if err := cleanenv.ReadConfig(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", configFile, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges and formats. All problems are reported together.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs.Set("port", fmt.Errorf("port must be numeric, got %q", c.Port))
	}

	if c.Ledger.DefaultPageSize < 1 {
		errs.Set("ledger.default_page_size", fmt.Errorf("must be at least 1, got %d", c.Ledger.DefaultPageSize))
	}
	if c.Ledger.MaxPageSize < c.Ledger.DefaultPageSize {
		errs.Set("ledger.max_page_size", fmt.Errorf("must be at least default_page_size (%d), got %d", c.Ledger.DefaultPageSize, c.Ledger.MaxPageSize))
	}
	switch c.Ledger.FallbackSink {
	case FallbackSinkStderr, FallbackSinkNone:
	default:
		errs.Set("ledger.fallback_sink", fmt.Errorf("must be %q or %q, got %q", FallbackSinkStderr, FallbackSinkNone, c.Ledger.FallbackSink))
	}

	if c.Database.StatementTimeout < 0 {
		errs.Set("database.statement_timeout", fmt.Errorf("must not be negative, got %s", c.Database.StatementTimeout))
	}

	if c.Search.DefaultLimit < 1 {
		errs.Set("search.default_limit", fmt.Errorf("must be at least 1, got %d", c.Search.DefaultLimit))
	}
	if c.Search.MaxLimit < c.Search.DefaultLimit {
		errs.Set("search.max_limit", fmt.Errorf("must be at least default_limit (%d), got %d", c.Search.DefaultLimit, c.Search.MaxLimit))
	}
	if c.Search.MinPrefixLength < 1 {
		errs.Set("search.min_prefix_length", fmt.Errorf("must be at least 1, got %d", c.Search.MinPrefixLength))
	}
	if c.Search.TierScanLimit < c.Search.MaxLimit {
		errs.Set("search.tier_scan_limit", fmt.Errorf("must be at least max_limit (%d), got %d", c.Search.MaxLimit, c.Search.TierScanLimit))
	}

	if _, err := c.Forensics.Location(); err != nil {
		errs.Set("forensics.timezone", fmt.Errorf("unknown timezone %q: %w", c.Forensics.Timezone, err))
	}
	if start, end, err := c.Forensics.BusinessHours(); err != nil {
		errs.Set("forensics.business_hours", err)
	} else if start == end {
		// start after end is a window that wraps past midnight
		errs.Set("forensics.business_hours", fmt.Errorf("start and end are both %s", c.Forensics.BusinessHoursStart))
	}
	if c.Forensics.RiskThreshold <= 0 || c.Forensics.RiskThreshold > 10 {
		errs.Set("forensics.risk_threshold", fmt.Errorf("must be in (0, 10], got %g", c.Forensics.RiskThreshold))
	}
	if c.Forensics.DefaultWindowDays < 1 {
		errs.Set("forensics.default_window_days", fmt.Errorf("must be at least 1, got %d", c.Forensics.DefaultWindowDays))
	}

	return errs.AsError()
}

// ParseHourMinute parses "HH:MM" into minutes since midnight.
func ParseHourMinute(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
