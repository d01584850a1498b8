package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relayd configuration. Values come from the environment;
// a .env file in the working directory is loaded first when present.
type Config struct {
	ListenAddr  string
	PostgresDSN string

	// Producer (bot backend) service tokens.
	ProducerSecret string

	// Node credential format and verification.
	TokenPrefix     string
	ReplayWindow    time.Duration
	AuthCacheTTL    time.Duration
	AuthFailDelay   time.Duration
	MinAgentVersion string

	// Queue tuning.
	EntryTTL    time.Duration
	PollTimeout time.Duration
	PollBatch   int

	// Retention.
	SweepInterval     time.Duration
	EntryRetention    time.Duration
	AuditRetention    time.Duration
	LivenessThreshold time.Duration

	RateBurst  int
	RatePerSec int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	producerSecret := os.Getenv("RELAY_PRODUCER_SECRET")
	if producerSecret == "" {
		return nil, fmt.Errorf("RELAY_PRODUCER_SECRET is required")
	}

	cfg := &Config{
		ListenAddr:      getEnv("RELAY_LISTEN_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("RELAY_PG_DSN"),
		ProducerSecret:  producerSecret,
		TokenPrefix:     getEnv("RELAY_TOKEN_PREFIX", "sbr"),
		MinAgentVersion: getEnv("RELAY_MIN_AGENT_VERSION", ""),

		ReplayWindow:  getDuration("RELAY_REPLAY_WINDOW", 30*time.Second),
		AuthCacheTTL:  getDuration("RELAY_AUTH_CACHE_TTL", 5*time.Minute),
		AuthFailDelay: getDuration("RELAY_AUTH_FAIL_DELAY", time.Second),

		EntryTTL:    getDuration("RELAY_ENTRY_TTL", 60*time.Second),
		PollTimeout: getDuration("RELAY_POLL_TIMEOUT", 25*time.Second),
		PollBatch:   getInt("RELAY_POLL_BATCH", 10),

		SweepInterval:     getDuration("RELAY_SWEEP_INTERVAL", 6*time.Hour),
		EntryRetention:    getDuration("RELAY_ENTRY_RETENTION", 7*24*time.Hour),
		AuditRetention:    getDuration("RELAY_AUDIT_RETENTION", 30*24*time.Hour),
		LivenessThreshold: getDuration("RELAY_LIVENESS_THRESHOLD", 24*time.Hour),

		RateBurst:  getInt("RELAY_RATE_BURST", 20),
		RatePerSec: getInt("RELAY_RATE_PER_SEC", 10),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
