package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	HeartbeatInterval  time.Duration
	ClaimTimeout       time.Duration
	ClaimMaxAttempts   int
	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		HeartbeatInterval:  readDurationSeconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		ClaimTimeout:       readDurationSeconds("CLAIM_TIMEOUT_SECONDS", 10),
		ClaimMaxAttempts:   readInt("CLAIM_MAX_ATTEMPTS", 3),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
