package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds event store configuration.
type Config struct {
	// DSN is the PostgreSQL connection string. Mandatory: the engine
	// fails closed without a reachable store.
	DSN string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads store configuration from environment
// variables. EVENT_STORE_DSN is mandatory.
func LoadConfigFromEnv() (Config, error) {
	dsn := os.Getenv("EVENT_STORE_DSN")
	if dsn == "" {
		return Config{}, fmt.Errorf("EVENT_STORE_DSN is required")
	}

	maxOpen, err := strconv.Atoi(getEnvOrDefault("EVENT_STORE_MAX_OPEN_CONNS", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid EVENT_STORE_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := strconv.Atoi(getEnvOrDefault("EVENT_STORE_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid EVENT_STORE_MAX_IDLE_CONNS: %w", err)
	}

	return Config{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
