package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ADMIN_WALLET_SEED", testSeed)
	setEnv(t, "PORT", "9090")
	setEnv(t, "CONFIRM_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Len(t, cfg.SeedWords(), 24)
}

func TestLoad_MissingSeed(t *testing.T) {
	setEnv(t, "ADMIN_WALLET_SEED", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_WALLET_SEED is required")
}

func TestLoad_ShortSeed(t *testing.T) {
	setEnv(t, "ADMIN_WALLET_SEED", "abandon abandon about")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "24-word mnemonic")
}

func TestLoad_BadDurationFallsBackToDefault(t *testing.T) {
	setEnv(t, "ADMIN_WALLET_SEED", testSeed)
	setEnv(t, "SWEEP_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		AdminWalletSeed: testSeed,
		Network:         "mainnet",
		ConfirmTimeout:  time.Minute,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "missing seed",
			mutate:  func(c *Config) { c.AdminWalletSeed = "" },
			wantErr: "ADMIN_WALLET_SEED is required",
		},
		{
			name:    "wrong word count",
			mutate:  func(c *Config) { c.AdminWalletSeed = strings.Repeat("abandon ", 12) },
			wantErr: "24-word mnemonic",
		},
		{
			name:    "unknown network",
			mutate:  func(c *Config) { c.Network = "devnet" },
			wantErr: "NETWORK must be testnet or mainnet",
		},
		{
			name:    "non-positive confirm timeout",
			mutate:  func(c *Config) { c.ConfirmTimeout = 0 },
			wantErr: "CONFIRM_TIMEOUT must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
