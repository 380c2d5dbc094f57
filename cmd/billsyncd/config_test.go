package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "X-User-ID", cfg.UserIDHeader)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Empty(t, cfg.WebhookSecrets)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"BILLSYNC_STORE=postgres\n"+
			"BILLSYNC_POSTGRES_URL=postgres://localhost/billsync\n"+
			"BILLSYNC_WEBHOOK_SECRETS=old, new\n"+
			"BILLSYNC_ADDR=:9000\n"), 0o600))

	// Variables already in the environment take precedence over the file
	t.Setenv("BILLSYNC_ADDR", ":7000")
	// godotenv sets variables directly; register them for cleanup
	t.Setenv("BILLSYNC_STORE", "")
	t.Setenv("BILLSYNC_POSTGRES_URL", "")
	t.Setenv("BILLSYNC_WEBHOOK_SECRETS", "")
	for _, k := range []string{"BILLSYNC_STORE", "BILLSYNC_POSTGRES_URL", "BILLSYNC_WEBHOOK_SECRETS"} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, storePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/billsync", cfg.PostgresURL)
	assert.Equal(t, []string{"old", "new"}, cfg.WebhookSecrets)
	assert.Equal(t, ":7000", cfg.Addr)
}

func TestLoadConfig_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	t.Setenv("BILLSYNC_PROVIDER_TIMEOUT", "soon")
	t.Setenv("BILLSYNC_BREAKER_THRESHOLD", "many")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLSYNC_PROVIDER_TIMEOUT")
	assert.Contains(t, err.Error(), "BILLSYNC_BREAKER_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{Store: storeMemory, StripeAPIKey: "sk_test", StripeWebhookSecret: "whsec_test"}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "memory", mutate: func(*Config) {}},
		{name: "missing api key", mutate: func(c *Config) { c.StripeAPIKey = "" }, wantErr: true},
		{name: "missing webhook secret", mutate: func(c *Config) { c.StripeWebhookSecret = "" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = storePostgres }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Store = storeRedis }, wantErr: true},
		{name: "firestore without project", mutate: func(c *Config) { c.Store = storeFirestore }, wantErr: true},
		{
			name: "tiered needs both",
			mutate: func(c *Config) {
				c.Store = storeTiered
				c.PostgresURL = "postgres://localhost/billsync"
			},
			wantErr: true,
		},
		{
			name: "tiered",
			mutate: func(c *Config) {
				c.Store = storeTiered
				c.PostgresURL = "postgres://localhost/billsync"
				c.RedisURL = "redis://localhost:6379/0"
			},
		},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "dynamo" }, wantErr: true},
		{name: "redis channel without redis", mutate: func(c *Config) { c.NotifyRedisChannel = "billsync" }, wantErr: true},
		{
			name: "distributed lock with memory store",
			mutate: func(c *Config) {
				c.DistributedLock = true
				c.RedisURL = "redis://localhost:6379/0"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
