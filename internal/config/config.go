// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	APIKey    string // Optional bearer key for /v1 routes

	// HTTP guards
	CORSOrigins    []string
	RateLimitRPM   int // per company; 0 disables
	RateLimitBurst int

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional score cache

	// Payment history source. Empty key means failed transactions are read
	// from the database.
	StripeSecretKey string

	// Scoring
	CatalogPath    string // CUE signal catalog; embedded default when empty
	CatalogWatch   bool
	BatchChunkSize int
	StoreTimeout   time.Duration

	// Rescoring worker
	RescoreSchedule string // cron expression; empty disables the worker
	RescoreLimit    int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultBatchChunkSize = 10
	DefaultStoreTimeout   = 5 * time.Second
	DefaultRescoreLimit   = 500
	DefaultRateLimitRPM   = 600
	DefaultRateLimitBurst = 50
	MaxBatchChunkSize     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		APIKey:          os.Getenv("API_KEY"),
		CORSOrigins:     getEnvList("CORS_ORIGINS"),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		CatalogPath:     os.Getenv("CATALOG_PATH"),
		CatalogWatch:    getEnvBool("CATALOG_WATCH", false),
		BatchChunkSize:  getEnvInt("BATCH_CHUNK_SIZE", DefaultBatchChunkSize),
		StoreTimeout:    getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		RescoreSchedule: os.Getenv("RESCORE_SCHEDULE"),
		RescoreLimit:    getEnvInt("RESCORE_LIMIT", DefaultRescoreLimit),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.BatchChunkSize < 1 || c.BatchChunkSize > MaxBatchChunkSize {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be between 1 and %d", MaxBatchChunkSize)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.RescoreLimit < 1 {
		return fmt.Errorf("RESCORE_LIMIT must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if c.CatalogWatch && c.CatalogPath == "" {
		return fmt.Errorf("CATALOG_WATCH requires CATALOG_PATH")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
