// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	Network         string // "testnet" or "mainnet"
	TONConfigURL    string // lite server config, empty = network default
	AdminWalletSeed string // 24-word mnemonic of the coordinator wallet

	// Settlement settings
	AdminID             string // actor allowed to resolve disputes
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	SweepInterval       time.Duration
	SweepGracePeriod    time.Duration
	SweepExpiry         time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultNetwork             = "testnet"
	DefaultConfirmPollInterval = 3 * time.Second
	DefaultConfirmTimeout      = 90 * time.Second
	DefaultSweepInterval       = 30 * time.Second
	DefaultSweepGracePeriod    = 2 * time.Minute
	DefaultSweepExpiry         = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Network:             getEnv("NETWORK", DefaultNetwork),
		TONConfigURL:        os.Getenv("TON_CONFIG_URL"),
		AdminWalletSeed:     os.Getenv("ADMIN_WALLET_SEED"), // Required, no default
		AdminID:             os.Getenv("ADMIN_ID"),
		ConfirmPollInterval: getEnvDuration("CONFIRM_POLL_INTERVAL", DefaultConfirmPollInterval),
		ConfirmTimeout:      getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepGracePeriod:    getEnvDuration("SWEEP_GRACE_PERIOD", DefaultSweepGracePeriod),
		SweepExpiry:         getEnvDuration("SWEEP_EXPIRY", DefaultSweepExpiry),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminWalletSeed == "" {
		return fmt.Errorf("ADMIN_WALLET_SEED is required")
	}
	if words := strings.Fields(c.AdminWalletSeed); len(words) != 24 {
		return fmt.Errorf("ADMIN_WALLET_SEED must be a 24-word mnemonic, got %d words", len(words))
	}
	if c.Network != "testnet" && c.Network != "mainnet" {
		return fmt.Errorf("NETWORK must be testnet or mainnet, got %q", c.Network)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	return nil
}

// SeedWords returns the admin wallet mnemonic as a word slice.
func (c *Config) SeedWords() []string {
	return strings.Fields(c.AdminWalletSeed)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
