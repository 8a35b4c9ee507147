// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Market data provider
	MarketDataBaseURL   string
	MarketDataAPIKey    string
	MarketDataRateLimit float64 // Requests per second allowed against the provider

	// Nightly schedules (cron expressions, seconds field included).
	// The portfolio refresh is scheduled 30 minutes after the symbol batch
	// by default; the refresh runner additionally gates on the batch having
	// actually completed, so the offset is a hint, not a guarantee.
	SymbolBatchSchedule      string
	PortfolioRefreshSchedule string

	// Onboarding
	OnboardingLookbackDays int // Trading days of history fetched for a new symbol
	OnboardingWorkers      int
	OnboardingQueueSize    int

	// Cache warm-up
	CacheWarmupTimeout time.Duration

	// Portfolio refresh dependency wait
	DependencyWaitTimeout time.Duration
	DependencyWaitBackoff time.Duration

	// Batch runner
	MinCoveragePct   float64 // Run is marked failed below this symbol coverage
	FetchConcurrency int     // Parallel provider fetches during a batch phase
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VIGIL_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("VIGIL_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		MarketDataBaseURL:   getEnv("MARKET_DATA_BASE_URL", "https://api.marketdata.local/v1"),
		MarketDataAPIKey:    getEnv("MARKET_DATA_API_KEY", ""),
		MarketDataRateLimit: getEnvAsFloat("MARKET_DATA_RATE_LIMIT", 5.0),

		// 02:00 symbol batch, 02:30 portfolio refresh (server local time)
		SymbolBatchSchedule:      getEnv("SYMBOL_BATCH_SCHEDULE", "0 0 2 * * *"),
		PortfolioRefreshSchedule: getEnv("PORTFOLIO_REFRESH_SCHEDULE", "0 30 2 * * *"),

		OnboardingLookbackDays: getEnvAsInt("ONBOARDING_LOOKBACK_DAYS", 252),
		OnboardingWorkers:      getEnvAsInt("ONBOARDING_WORKERS", 4),
		OnboardingQueueSize:    getEnvAsInt("ONBOARDING_QUEUE_SIZE", 256),

		CacheWarmupTimeout: getEnvAsDuration("CACHE_WARMUP_TIMEOUT", 30*time.Second),

		DependencyWaitTimeout: getEnvAsDuration("DEPENDENCY_WAIT_TIMEOUT", 30*time.Minute),
		DependencyWaitBackoff: getEnvAsDuration("DEPENDENCY_WAIT_BACKOFF", 5*time.Second),

		MinCoveragePct:   getEnvAsFloat("BATCH_MIN_COVERAGE_PCT", 80.0),
		FetchConcurrency: getEnvAsInt("BATCH_FETCH_CONCURRENCY", 8),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration values that would otherwise fail at runtime
func (c *Config) Validate() error {
	if c.OnboardingLookbackDays <= 0 {
		return fmt.Errorf("ONBOARDING_LOOKBACK_DAYS must be positive, got %d", c.OnboardingLookbackDays)
	}
	if c.OnboardingWorkers <= 0 {
		return fmt.Errorf("ONBOARDING_WORKERS must be positive, got %d", c.OnboardingWorkers)
	}
	if c.MinCoveragePct < 0 || c.MinCoveragePct > 100 {
		return fmt.Errorf("BATCH_MIN_COVERAGE_PCT must be within [0,100], got %f", c.MinCoveragePct)
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("BATCH_FETCH_CONCURRENCY must be positive, got %d", c.FetchConcurrency)
	}
	if c.DependencyWaitBackoff <= 0 {
		return fmt.Errorf("DEPENDENCY_WAIT_BACKOFF must be positive, got %s", c.DependencyWaitBackoff)
	}
	return nil
}

// DatabasePath returns the absolute path for a named database file
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
