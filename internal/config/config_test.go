package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, []int{30, 60, 120}, cfg.Dispatch.RetrySchedule)
	assert.Equal(t, int64(30), cfg.RateLimit.Limit)
	assert.Equal(t, 60, cfg.RateLimit.Window)
	assert.Equal(t, "@every 30s", cfg.Activator.Spec)
	assert.Empty(t, cfg.Validate())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	tmp := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zapcast.conf")
	content := `
[server]
hostname = "wa-1.example.com"
listen = ":9090"

[store]
type = "postgres"
host = "db.internal"
port = 5432

[gateway]
base_url = "https://gateway.example.com"
token = "secret"
timeout = 60

[dispatch]
workers = 16
retry_schedule = [10, 20, 40]

[ratelimit]
limit = 60
window = 30

[tenants.acme]
tier = "business"

[tenants.initech]
tier = "starter"
messages = 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wa-1.example.com", cfg.Server.Hostname)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "https://gateway.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 16, cfg.Dispatch.Workers)
	assert.Equal(t, []int{10, 20, 40}, cfg.Dispatch.RetrySchedule)
	assert.Equal(t, int64(60), cfg.RateLimit.Limit)

	// Unset sections keep their defaults.
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)

	subs := cfg.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "business", subs["acme"].Tier)
	assert.Equal(t, int64(500), subs["initech"].Limits.Messages)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zapcast.conf")
	require.NoError(t, os.WriteFile(path, []byte("[store]\ntype = \"oracle\"\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "store.type")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "oracle"
	cfg.Cache.Type = "hazelcast"
	cfg.Dispatch.Workers = -1
	cfg.RateLimit.Limit = -5
	cfg.Dispatch.RetrySchedule = []int{0}
	cfg.Logging.Type = "file"

	errs := cfg.Validate()
	assert.Len(t, errs, 6)
}

func TestSaveAndReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zapcast.conf")

	cfg := DefaultConfig()
	cfg.Server.Listen = ":7070"
	cfg.Tenants = map[string]TenantConfig{"acme": {Tier: "pro"}}
	require.NoError(t, cfg.SaveConfig(path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", got.Server.Listen)
	assert.Equal(t, "pro", got.Tenants["acme"].Tier)
}
