// Package config provides configuration loading for the engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the engine.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Event log configuration
	EventLogType    string // "memory" or "redis"
	EventMaxLen     int64
	RedisURL        string
	RedisPassword   string
	RedisDB         int

	// Scheduler configuration
	TickInterval            time.Duration
	SweepInterval           time.Duration
	MaxConcurrentDispatches int
	ReadyBatchSize          int
	DefaultMaxRetries       int
	RetryBackoff            time.Duration
	MaxRetryBackoff         time.Duration

	// Approval gating
	ApprovalThreshold  float64
	DefaultApprovalTTL time.Duration

	// Circuit breaker configuration
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerMaxCooldown      time.Duration

	// Provider rate limiting
	ProviderRateLimitRPS   float64
	ProviderRateLimitBurst int

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Event log
		EventLogType:  getEnv("EVENTLOG_TYPE", "memory"), // "memory" or "redis"
		EventMaxLen:   getInt64("EVENT_MAX_LEN", 10000),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Scheduler
		TickInterval:            getDuration("TICK_INTERVAL", 100*time.Millisecond),
		SweepInterval:           getDuration("SWEEP_INTERVAL", time.Second),
		MaxConcurrentDispatches: getInt("MAX_CONCURRENT_DISPATCHES", 16),
		ReadyBatchSize:          getInt("READY_BATCH_SIZE", 64),
		DefaultMaxRetries:       getInt("DEFAULT_MAX_RETRIES", 3),
		RetryBackoff:            getDuration("RETRY_BACKOFF", 2*time.Second),
		MaxRetryBackoff:         getDuration("MAX_RETRY_BACKOFF", time.Minute),

		// Approval gating
		ApprovalThreshold:  getFloat("APPROVAL_THRESHOLD", 0.7),
		DefaultApprovalTTL: getDuration("APPROVAL_TTL", time.Hour),

		// Circuit breaker
		BreakerFailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerMaxCooldown:      getDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),

		// Provider rate limiting
		ProviderRateLimitRPS:   getFloat("PROVIDER_RATE_LIMIT_RPS", 50.0),
		ProviderRateLimitBurst: getInt("PROVIDER_RATE_LIMIT_BURST", 100),

		// Tracing
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: getBool("TRACING_ENABLED", false),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
