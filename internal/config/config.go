// Package config provides configuration management for idrisk.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/idrisk/internal/api"
	"github.com/lvonguyen/idrisk/internal/enrichment"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/scoring"
	"github.com/lvonguyen/idrisk/internal/telemetry/correlation"
	"github.com/lvonguyen/idrisk/internal/telemetry/normalization"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Backends for the budget counter and the false-positive store.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// Config holds all idrisk configuration.
type Config struct {
	Logging       LoggingConfig                  `yaml:"logging"`
	Metrics       MetricsConfig                  `yaml:"metrics"`
	AbuseIPDB     AbuseIPDBConfig                `yaml:"abuseipdb"`
	Budget        enrichment.BudgetConfig        `yaml:"budget"`
	Redis         RedisConfig                    `yaml:"redis"`
	GeoIP         GeoIPConfig                    `yaml:"geoip"`
	Scoring       scoring.Config                 `yaml:"scoring"`
	SignIn        indicator.Settings             `yaml:"signin"`
	OAuth         oauth.Config                   `yaml:"oauth"`
	Correlation   correlation.CorrelatorConfig   `yaml:"correlation"`
	Normalization normalization.NormalizerConfig `yaml:"normalization"`
	Server        ServerConfig                   `yaml:"server"`
	Reports       ReportsConfig                  `yaml:"reports"`
	CatalogPath   string                         `yaml:"catalog_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AbuseIPDBConfig holds AbuseIPDB settings.
type AbuseIPDBConfig struct {
	Enabled                    bool `yaml:"enabled"`
	enrichment.AbuseIPDBConfig `yaml:",inline"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Options builds go-redis client options, reading the password from the
// configured environment variable.
func (r RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:     r.Addr,
		DB:       r.DB,
		PoolSize: r.PoolSize,
	}
	if r.PasswordEnv != "" {
		opts.Password = os.Getenv(r.PasswordEnv)
	}
	return opts
}

// GeoIPConfig points at optional MaxMind databases.
type GeoIPConfig struct {
	CountryDBPath string `yaml:"country_db_path"`
	ASNDBPath     string `yaml:"asn_db_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RateLimit       api.RateLimitConfig `yaml:"rate_limit"`
}

// ReportsConfig holds input and output locations.
type ReportsConfig struct {
	SnapshotDir  string `yaml:"snapshot_dir"`
	OutputDir    string `yaml:"output_dir"`
	MarksBackend string `yaml:"marks_backend"` // memory, file, redis
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		AbuseIPDB: AbuseIPDBConfig{
			Enabled:         false,
			AbuseIPDBConfig: enrichment.DefaultAbuseIPDBConfig(),
		},
		Budget: enrichment.BudgetConfig{
			Backend:    BackendMemory,
			DailyLimit: 1000, // Free tier
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Scoring:       scoring.DefaultConfig(),
		SignIn:        indicator.DefaultSettings(),
		OAuth:         oauth.DefaultConfig(),
		Correlation:   correlation.DefaultCorrelatorConfig(),
		Normalization: normalization.NormalizerConfig{},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       api.DefaultRateLimitConfig(),
		},
		Reports: ReportsConfig{
			SnapshotDir:  "snapshots",
			OutputDir:    "reports",
			MarksBackend: BackendFile,
		},
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := scoring.NewScorer(c.Scoring); err != nil {
		return fmt.Errorf("%w: scoring: %v", ErrInvalidConfig, err)
	}
	switch c.Budget.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("%w: budget backend %q", ErrInvalidConfig, c.Budget.Backend)
	}
	switch c.Reports.MarksBackend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		return fmt.Errorf("%w: marks backend %q", ErrInvalidConfig, c.Reports.MarksBackend)
	}
	if c.SignIn.AbuseMediumScore > c.SignIn.AbuseHighScore {
		return fmt.Errorf("%w: abuse_medium_score exceeds abuse_high_score", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: rate limit requests_per_minute must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadCatalog returns the configured indicator catalog, or the built-in one
// when no path is set.
func (c *Config) LoadCatalog() (*indicator.Catalog, error) {
	if c.CatalogPath == "" {
		return indicator.DefaultCatalog(), nil
	}
	return indicator.LoadCatalog(c.CatalogPath)
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Budget.Backend == BackendRedis || c.Reports.MarksBackend == BackendRedis
}

// EnabledProviders returns a list of enabled enrichment sources.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.AbuseIPDB.Enabled {
		providers = append(providers, "abuseipdb")
	}
	if c.GeoIP.CountryDBPath != "" || c.GeoIP.ASNDBPath != "" {
		providers = append(providers, "geoip")
	}
	return providers
}
