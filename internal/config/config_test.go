package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "HOLD_WINDOW", "SWEEP_INTERVAL", "LOCK_TIMEOUT", "DATABASE_URL"} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultHoldWindow, cfg.HoldWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9191")
	setEnv(t, "HOLD_WINDOW", "48h")
	setEnv(t, "SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.HoldWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoad_BareNumberDurationsAreSeconds(t *testing.T) {
	setEnv(t, "SWEEP_INTERVAL", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:           "development",
				HoldWindow:    time.Hour,
				SweepInterval: time.Minute,
				LockTimeout:   time.Second,
			},
			wantErr: "",
		},
		{
			name: "zero hold window",
			config: Config{
				Env:           "development",
				SweepInterval: time.Minute,
				LockTimeout:   time.Second,
			},
			wantErr: "HOLD_WINDOW",
		},
		{
			name: "negative sweep interval",
			config: Config{
				Env:           "development",
				HoldWindow:    time.Hour,
				SweepInterval: -time.Minute,
				LockTimeout:   time.Second,
			},
			wantErr: "SWEEP_INTERVAL",
		},
		{
			name: "zero lock timeout",
			config: Config{
				Env:           "development",
				HoldWindow:    time.Hour,
				SweepInterval: time.Minute,
			},
			wantErr: "LOCK_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
