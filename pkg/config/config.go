// Package config loads the core's runtime settings: flat env
// variables for wiring, plus YAML deployment profiles for the tunable
// governance and autonomy thresholds.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the process-level configuration.
type Config struct {
	LogLevel     string
	DatabasePath string
	RedisAddr    string
	OTLPEndpoint string
	ProfilesDir  string
	Profile      string
	QueueSize    int
	AckWait      time.Duration
	CyclePeriod  time.Duration
}

// Load reads configuration from environment variables with
// development defaults.
func Load() *Config {
	cfg := &Config{
		LogLevel:     envOr("GRACE_LOG_LEVEL", "INFO"),
		DatabasePath: envOr("GRACE_DB_PATH", "grace.db"),
		RedisAddr:    os.Getenv("GRACE_REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("GRACE_OTLP_ENDPOINT"),
		ProfilesDir:  envOr("GRACE_PROFILES_DIR", "profiles"),
		Profile:      envOr("GRACE_PROFILE", "development"),
		QueueSize:    envInt("GRACE_QUEUE_SIZE", 1024),
		AckWait:      envDuration("GRACE_ACK_WAIT", time.Minute),
		CyclePeriod:  envDuration("GRACE_CYCLE_PERIOD", 2*time.Minute),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
