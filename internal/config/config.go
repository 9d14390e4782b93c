// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for the shared cache (optional, local cache only if not set)

	// Escrow engine
	PlatformFeePercent decimal.Decimal
	EscrowTimeout      time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	SweepConcurrency   int
	PortTimeout        time.Duration
	ReconcileInterval  time.Duration // 0 disables the unsettled-escrow audit loop

	// Payment rail (simulated when URL is empty)
	PaymentRailURL    string
	PaymentRailAPIKey string

	// Security
	AdminIDs     []string
	RateLimitRPM int
	CORSOrigins  []string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultPlatformFeePercent = "1"
	DefaultEscrowTimeoutHours = 72
	DefaultSweepInterval      = time.Minute
	DefaultSweepBatchSize     = 100
	DefaultSweepConcurrency   = 4
	DefaultPortTimeout        = 5 * time.Second
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultRateLimitRPM       = 120
	DefaultTraceSampleRatio   = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("PLATFORM_FEE_PERCENT", DefaultPlatformFeePercent))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_PERCENT must be a decimal number: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PlatformFeePercent: fee,
		EscrowTimeout:      time.Duration(getEnvInt64("ESCROW_TIMEOUT_HOURS", DefaultEscrowTimeoutHours)) * time.Hour,
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:     int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SweepConcurrency:   int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		PortTimeout:        getEnvDuration("PORT_TIMEOUT", DefaultPortTimeout),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		PaymentRailURL:     os.Getenv("PAYMENT_RAIL_URL"),
		PaymentRailAPIKey:  os.Getenv("PAYMENT_RAIL_API_KEY"),
		AdminIDs:           getEnvList("ADMIN_IDS"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 100)")
	}
	if c.EscrowTimeout <= 0 {
		return fmt.Errorf("ESCROW_TIMEOUT_HOURS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatchSize <= 0 || c.SweepConcurrency <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE and SWEEP_CONCURRENCY must be positive")
	}
	if c.PortTimeout <= 0 {
		return fmt.Errorf("PORT_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be in [0, 1]")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.PaymentRailURL == "" {
			return fmt.Errorf("PAYMENT_RAIL_URL is required in production")
		}
		if err := security.ValidateEndpointURL(c.PaymentRailURL); err != nil {
			return fmt.Errorf("PAYMENT_RAIL_URL: %w", err)
		}
		if len(c.AdminIDs) == 0 {
			return fmt.Errorf("ADMIN_IDS is required in production")
		}
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
