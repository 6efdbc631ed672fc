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

// Config holds application configuration.
type Config struct {
	DataDir  string // base directory for the calendar cache and discovered products
	Port     int
	LogLevel string
	DevMode  bool

	// Gateway session endpoint.
	GatewayHost     string
	GatewayPort     int
	GatewayClientID int

	// Tunables.
	CacheMaxBars    int
	CacheTTL        time.Duration
	RequestTimeout  time.Duration
	CoordinatorSlots int
	FillMaxGap      int // forward-fill cap in bars
}

// Load reads configuration from environment variables and an optional .env
// file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("QUANTLAB_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".quantlab")
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		GatewayHost:     getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:     getEnvAsInt("GATEWAY_PORT", 7496),
		GatewayClientID: getEnvAsInt("GATEWAY_CLIENT_ID", 1+os.Getpid()%1000),

		CacheMaxBars:     getEnvAsInt("CACHE_MAX_BARS", 0),
		CacheTTL:         getEnvAsDuration("CACHE_TTL", 0),
		RequestTimeout:   getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		CoordinatorSlots: getEnvAsInt("COORDINATOR_SLOTS", 50),
		FillMaxGap:       getEnvAsInt("FILL_MAX_GAP", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the gateway endpoint is usable. The process must not
// start with credentials it cannot use.
func (c *Config) Validate() error {
	if c.GatewayHost == "" {
		return fmt.Errorf("GATEWAY_HOST must not be empty")
	}
	if c.GatewayPort <= 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("GATEWAY_PORT %d is out of range", c.GatewayPort)
	}
	if c.GatewayClientID <= 0 {
		return fmt.Errorf("GATEWAY_CLIENT_ID must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GO_PORT %d is out of range", c.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
