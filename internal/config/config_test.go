package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"resend", "smtp"}, cfg.Email.Providers)
	assert.Equal(t, []string{"twilio"}, cfg.SMS.Providers)
	assert.Equal(t, []string{"fcm", "shoutrrr"}, cfg.Push.Providers)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.AttemptTimeout())
	assert.Equal(t, 86400, cfg.Reaper.MaxAgeSec)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Auth.APIKeys)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HERALD_SERVER_PORT", "9090")
	t.Setenv("HERALD_AUTH_API_KEYS", "key-a, key-b,")
	t.Setenv("HERALD_EMAIL_PROVIDERS", "smtp, resend")
	t.Setenv("HERALD_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.APIKeys)
	assert.Equal(t, []string{"smtp", "resend"}, cfg.Email.Providers)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "server:\n  port: 7000\nsms:\n  providers: [simulate]\nqueue:\n  enabled: true\nredis:\n  address: localhost:6379\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"simulate"}, cfg.SMS.Providers)
	assert.True(t, cfg.Queue.Enabled)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o600))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:    StoreConfig{Driver: "memory"},
			Dispatch: DispatchConfig{AttemptTimeoutMS: 1000},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, `unknown store driver "mongo"`},
		{"supabase without credentials", func(c *Config) { c.Store.Driver = "supabase" }, "requires supabase.url"},
		{"supabase", func(c *Config) {
			c.Store.Driver = "supabase"
			c.Supabase = SupabaseConfig{URL: "https://x.supabase.co", ServiceKey: "k"}
		}, ""},
		{"queue without redis", func(c *Config) { c.Queue.Enabled = true }, "requires redis.address"},
		{"zero attempt timeout", func(c *Config) { c.Dispatch.AttemptTimeoutMS = 0 }, "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b ,"))
	assert.Empty(t, splitCSV(""))
}
