package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig(EnvPrefix, "")
	require.NoError(t, err)

	assert.Equal(t, "hutd", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Hut.ActivationWindow)
	assert.Equal(t, time.Minute, cfg.Hut.ReaperInterval)
	assert.Equal(t, 10, cfg.Tracker.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Tracker.RetryBackoff)
	assert.Equal(t, time.Hour, cfg.Tracker.Retention)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "memory", cfg.Storage.Backend)

	assert.InDelta(t, 0.0001, cfg.Hut.Minimums["btc"], 1e-12)
	assert.InDelta(t, 0.01, cfg.Hut.Minimums["cksol"], 1e-12)
	assert.InDelta(t, 1, cfg.Hut.Minimums["usdt"], 1e-12)
	assert.Equal(t, "ethereum", cfg.Assets["ckusdc"])

	require.Len(t, cfg.Networks, 4)
	btc := cfg.Networks["bitcoin"]
	assert.Equal(t, 1, btc.RequiredConfirmations)
	assert.Equal(t, 10*time.Minute, btc.NominalDuration)
	assert.Equal(t, time.Hour, btc.Timeout)
	assert.InDelta(t, 0.7, btc.ConfirmingFraction, 1e-9)
	assert.Equal(t, 12, cfg.Networks["ethereum"].RequiredConfirmations)
	assert.Equal(t, 5*time.Second, cfg.Networks["solana"].NominalDuration)
	assert.Equal(t, time.Minute, cfg.Networks["icp"].Timeout)

	nets := cfg.ChainNetworks()
	require.Len(t, nets, 4)
	assert.Equal(t, "bitcoin", nets[0].Name)
	assert.Equal(t, "solana", nets[3].Name)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	file := filepath.Join(dir, "hut.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 9000
networks:
  bitcoin:
    required_confirmations: 3
storage:
  backend: bolt
  bolt_path: /var/lib/hut/hut.db
`), 0o600))

	t.Setenv("HUT_NETWORKS_BITCOIN_TIMEOUT", "2h")
	t.Setenv("HUT_TRACKER_OPERATION_TIMEOUT", "90m")

	cfg, err := LoadConfig(EnvPrefix, file)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Networks["bitcoin"].RequiredConfirmations)
	assert.Equal(t, 2*time.Hour, cfg.Networks["bitcoin"].Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Networks["bitcoin"].NominalDuration)
	assert.Equal(t, 90*time.Minute, cfg.Tracker.OperationTimeout)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := LoadConfig(EnvPrefix, "")
	require.NoError(t, err)
	return cfg
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"no secret", func(c *Config) { c.Security.JWTSecret = "" }, "jwt_secret"},
		{"dev secret in production", func(c *Config) { c.Service.Environment = "production" }, "changed in production"},
		{"no networks", func(c *Config) { c.Networks = nil }, "at least one network"},
		{"fraction out of range", func(c *Config) {
			n := c.Networks["solana"]
			n.ConfirmingFraction = 1.5
			c.Networks["solana"] = n
		}, "confirming_fraction"},
		{"in progress fraction", func(c *Config) {
			n := c.Networks["icp"]
			n.InProgressFraction = -0.1
			c.Networks["icp"] = n
		}, "in_progress_fraction"},
		{"zero timeout", func(c *Config) {
			n := c.Networks["bitcoin"]
			n.Timeout = 0
			c.Networks["bitcoin"] = n
		}, "positive nominal_duration"},
		{"asset on unknown network", func(c *Config) { c.Assets["atom"] = "cosmos" }, "unknown network"},
		{"negative minimum", func(c *Config) { c.Hut.Minimums["btc"] = -1 }, "must not be negative"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "couchdb" }, "unknown storage backend"},
		{"bolt without path", func(c *Config) {
			c.Storage.Backend = "bolt"
			c.Storage.BoltPath = ""
		}, "bolt_path"},
		{"zero retries", func(c *Config) { c.Tracker.MaxRetries = 0 }, "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{Security: SecurityConfig{JWTSecret: "super-secret-signing-key"}}

	red := cfg.Redacted()
	assert.Equal(t, "supe...-key", red.Security.JWTSecret)
	assert.Equal(t, "super-secret-signing-key", cfg.Security.JWTSecret)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
