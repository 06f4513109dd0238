package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	DataDir      string
	BrokerSecret string
	// RedisURL enables cross-instance event relay when set.
	RedisURL string
	// HistoryMaxNodes bounds a document's live history chain; exceeding it
	// triggers checkpoint compaction.
	HistoryMaxNodes int
	// CheckpointStride rounds the compaction amount so fresh roots land on
	// stride boundaries.
	CheckpointStride int
	TokenTTL time.Duration
	// IdleOwnerTimeout unlocks documents whose owner has gone quiet; 0
	// disables the sweep.
	IdleOwnerTimeout time.Duration
	ShutdownTimeout  time.Duration
}

func Load() Config {
	return Config{
		Addr:             getenv("BROKER_ADDR", ":7447"),
		DataDir:          getenv("LOOM_DATA_DIR", "./data"),
		BrokerSecret:     getenv("LOOM_BROKER_SECRET", "loom-dev-secret"),
		RedisURL:         getenv("REDIS_URL", ""),
		HistoryMaxNodes:  getenvInt("LOOM_HISTORY_MAX_NODES", 500),
		CheckpointStride: getenvInt("LOOM_CHECKPOINT_STRIDE", 25),
		TokenTTL:         time.Duration(getenvInt("LOOM_TOKEN_TTL_SECONDS", 86400)) * time.Second,
		IdleOwnerTimeout: time.Duration(getenvInt("LOOM_IDLE_OWNER_TIMEOUT_SECONDS", 300)) * time.Second,
		ShutdownTimeout:  time.Duration(getenvInt("LOOM_SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
