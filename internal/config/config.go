// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	DBPath string

	// Grok analysis API
	GrokAPIKey  string
	GrokBaseURL string
	GrokModel   string

	// Pipeline
	InboundRPS    int
	OutboundRPS   int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	QueueCapacity int

	// Per-client rate limiting (layered under the global admission gate)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// JWT settings (auth disabled when secret is empty)
	JWTSecret string

	// NATS event fanout (disabled when URL is empty)
	NATSURL   string
	NATSToken string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),

		// Storage
		DBPath: getEnv("DB_PATH", "data/conversations.db"),

		// Grok
		GrokAPIKey:  getEnv("GROK_API_KEY", ""),
		GrokBaseURL: getEnv("GROK_BASE_URL", "https://api.x.ai/v1"),
		GrokModel:   getEnv("GROK_MODEL", "grok-3"),

		// Pipeline
		InboundRPS:    getIntEnv("INBOUND_RPS", 100),
		OutboundRPS:   getIntEnv("OUTBOUND_RPS", 10),
		BatchSize:     getIntEnv("BATCH_SIZE", 10),
		FlushInterval: getDurationEnv("BATCH_FLUSH_INTERVAL", 750*time.Millisecond),
		MaxRetries:    getIntEnv("MAX_RETRIES", 3),
		BackoffBase:   getDurationEnv("BACKOFF_BASE", 1500*time.Millisecond),
		QueueCapacity: getIntEnv("QUEUE_CAPACITY", 1024),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// NATS
		NATSURL:   getEnv("NATS_URL", ""),
		NATSToken: getEnv("NATS_TOKEN", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
