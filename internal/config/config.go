// Package config provides configuration management for the reseller panel
// worker. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Ops      OpsConfig
	Database DatabaseConfig
	Worker   WorkerConfig
	Driver   DriverConfig
	Logging  LoggingConfig
}

// DriverConfig holds the automation sidecar connection configuration
type DriverConfig struct {
	BaseURL string
	Timeout time.Duration
}

// OpsConfig holds the ops HTTP server configuration
type OpsConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// WorkerConfig holds job processor configuration
type WorkerConfig struct {
	// Concurrency is the number of job processors run by one worker process.
	Concurrency int
	// ClaimRatePerSec caps how fast pending operations are claimed.
	ClaimRatePerSec float64
	// PollInterval is how often an idle processor checks for pending operations.
	PollInterval time.Duration
	// SettingsReloadInterval is how often runtime settings are re-read from the
	// settings store.
	SettingsReloadInterval time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Ops: OpsConfig{
			Port: getEnv("OPS_PORT", "8090"),
			Host: getEnv("OPS_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "reseller_panel"),
				User:           getEnv("POSTGRES_USER", "panel"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Worker: WorkerConfig{
			Concurrency:            getEnvAsInt("WORKER_CONCURRENCY", 4),
			ClaimRatePerSec:        getEnvAsFloat("WORKER_CLAIM_RATE_PER_SEC", 2.0),
			PollInterval:           getEnvAsDuration("WORKER_POLL_INTERVAL", 3*time.Second),
			SettingsReloadInterval: getEnvAsDuration("SETTINGS_RELOAD_INTERVAL", 30*time.Second),
			ShutdownTimeout:        getEnvAsDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Driver: DriverConfig{
			BaseURL: getEnv("DRIVER_BASE_URL", "http://localhost:9400"),
			Timeout: getEnvAsDuration("DRIVER_TIMEOUT", 2*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
