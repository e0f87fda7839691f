package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	// Definitions file with sessions to start at boot (YAML). Empty disables
	// file-based sessions; the REST API still works.
	DefinitionsPath string

	// MongoDB client behavior for monitored deployments
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	MaxAwaitTime           time.Duration // default per-GetMore wait when a session sets none

	// Record sinks. Empty URL disables the sink.
	RedisURL           string
	RedisChannelPrefix string
	AMQPURL            string
	AMQPExchange       string
	PublishTimeout     time.Duration

	// Buffering between the stream pipeline and consumers
	BusBuffer  int
	SinkBuffer int

	// Watchdog configuration
	WatchdogEnabled  bool
	WatchdogInterval time.Duration
	StaleThreshold   time.Duration

	// Per-event debug log sampling
	LogSamplePerSecond int
	LogSampleBurst     int

	// JWTSecret protects the management API. Empty disables auth; refused in
	// production.
	JWTSecret string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8081"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DefinitionsPath: getEnv("SESSION_DEFINITIONS_PATH", ""),

		ConnectTimeout:         getDurationEnv("MONGO_CONNECT_TIMEOUT", 30*time.Second),
		ServerSelectionTimeout: getDurationEnv("MONGO_SERVER_SELECTION_TIMEOUT", 30*time.Second),
		MaxAwaitTime:           getDurationEnv("MONGO_MAX_AWAIT_TIME", time.Second),

		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "mongowatch"),
		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "mongowatch.records"),
		PublishTimeout:     getDurationEnv("SINK_PUBLISH_TIMEOUT", 5*time.Second),

		BusBuffer:  getIntEnv("EVENT_BUS_BUFFER", 256),
		SinkBuffer: getIntEnv("SINK_BUFFER", 1024),

		WatchdogEnabled:  getBoolEnv("WATCHDOG_ENABLED", true),
		WatchdogInterval: getDurationEnv("WATCHDOG_INTERVAL", time.Minute),
		StaleThreshold:   getDurationEnv("WATCHDOG_STALE_THRESHOLD", 10*time.Minute),

		LogSamplePerSecond: getIntEnv("LOG_SAMPLE_PER_SECOND", 5),
		LogSampleBurst:     getIntEnv("LOG_SAMPLE_BURST", 20),

		JWTSecret: getEnv("JWT_SECRET", ""),
	}
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
