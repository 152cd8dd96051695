package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/config"
)

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - empty YAML keeps defaults", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{})
		require.NoError(t, err)
		assert.Equal(t, config.Defaults(), cfg)
	})

	t.Run("Success - maps fields and durations", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{
			Port:         "9000",
			DatabaseURL:  "postgres://db",
			StoreTimeout: "2s",
			Auth:         config.YamlAuthConfig{Mode: "hmac", HMACSecret: "s"},
			Rate:         config.YamlRateConfig{RPS: 1, Burst: 2},
			WebSocket: config.YamlWebSocketConfig{
				AuthTimeout:    "5s",
				AllowedOrigins: []string{"https://bustrack.example"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "9000", cfg.Port)
		assert.Equal(t, "postgres://db", cfg.DatabaseURL)
		assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
		assert.Equal(t, 5*time.Second, cfg.WebSocket.AuthTimeout)
		assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
		assert.Equal(t, "hmac", cfg.Auth.Mode)
		assert.Equal(t, 2, cfg.Rate.Burst)
		assert.Equal(t, []string{"https://bustrack.example"}, cfg.WebSocket.AllowedOrigins)
	})

	t.Run("Failure - bad duration", func(t *testing.T) {
		_, err := config.NewConfigFromYaml(&config.YamlConfig{StoreTimeout: "soon"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store_timeout")
	})
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	t.Run("Success - env wins over file values", func(t *testing.T) {
		t.Setenv("PORT", "7000")
		t.Setenv("REDIS_URL", "redis://cache:6379/0")
		t.Setenv("AUTH_MODE", " JWKS ")
		t.Setenv("AUTH_JWKS_URL", "https://id.example/jwks")
		t.Setenv("DB_MIGRATE", "true")
		t.Setenv("RATE_RPS", "2.5")
		t.Setenv("RATE_BURST", "9")
		t.Setenv("WS_AUTH_TIMEOUT", "45s")
		t.Setenv("STORE_TIMEOUT", "1s")

		cfg := config.Defaults()
		cfg.Port = "9000"
		require.NoError(t, config.UpdateConfigWithEnvOverrides(cfg))
		assert.Equal(t, "7000", cfg.Port)
		assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
		assert.Equal(t, "jwks", cfg.Auth.Mode)
		assert.True(t, cfg.DBMigrate)
		assert.Equal(t, 2.5, cfg.Rate.RPS)
		assert.Equal(t, 9, cfg.Rate.Burst)
		assert.Equal(t, 45*time.Second, cfg.WebSocket.AuthTimeout)
		assert.Equal(t, time.Second, cfg.StoreTimeout)
		require.NoError(t, cfg.Validate())
	})

	t.Run("Failure - unparsable numbers", func(t *testing.T) {
		t.Setenv("RATE_BURST", "many")
		assert.Error(t, config.UpdateConfigWithEnvOverrides(config.Defaults()))
	})
}

func TestValidate(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Auth.Mode = "hmac"
	cfg.Rate.Burst = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_HMAC_SECRET")
	assert.Contains(t, err.Error(), "rate")

	cfg = config.Defaults()
	cfg.Auth.Mode = "saml"
	assert.Error(t, cfg.Validate())
}

func TestTrustedPrefixes(t *testing.T) {
	t.Run("Success - addresses and CIDRs", func(t *testing.T) {
		t.Setenv("RATE_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7,::1")
		cfg := config.Defaults()
		require.NoError(t, config.UpdateConfigWithEnvOverrides(cfg))
		require.NoError(t, cfg.Validate())

		prefixes, err := cfg.Rate.TrustedPrefixes()
		require.NoError(t, err)
		require.Len(t, prefixes, 3)
		assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
		assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
		assert.Equal(t, "::1/128", prefixes[2].String())
	})

	t.Run("Failure - malformed entry", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Rate.TrustedProxies = []string{"10.0.0.0/33"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trusted proxy")
	})
}

func TestLoadFile(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "WS_AUTH_TIMEOUT", "AUTH_MODE"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "bustrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "8181"
log_level: debug
notify_channel: test:notify
websocket:
  auth_timeout: 10s
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8181", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "test:notify", cfg.NotifyChannel)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.AuthTimeout)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.DatabaseURL = "postgres://user:pw@db/bustrack"
	cfg.NotifyHMACSecret = "shh"
	r := cfg.Redacted()
	assert.Equal(t, "set", r["database"])
	assert.Equal(t, true, r["notifySigning"])
	for _, v := range r {
		assert.NotEqual(t, "shh", v)
	}
}
