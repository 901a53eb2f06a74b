package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Control.Host)
	assert.Equal(t, 8081, cfg.Control.Port)
	assert.Equal(t, "RELAY_EVENTS", cfg.Queue.Stream)
	assert.Equal(t, "relay-forwarder", cfg.Queue.Durable)
	assert.Equal(t, 24*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, string(ModeDevelopment), cfg.Downstream.Mode)
	assert.True(t, cfg.Signing.RequireSignature)
	assert.Equal(t, 5*time.Minute, cfg.Signing.MaxSkew)
	assert.Equal(t, 4, cfg.Consumer.Workers)
	assert.Equal(t, 8, cfg.Consumer.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Consumer.VisibilityBase)
	assert.Equal(t, int64(1048576), cfg.Ingestion.MaxBodyBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
downstream:
  mode: production
  prod_url: https://engine.example.com
signing:
  require_signature: false
consumer:
  workers: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Downstream.Mode)
	assert.Equal(t, "https://engine.example.com", cfg.Downstream.ProdURL)
	assert.False(t, cfg.Signing.RequireSignature)
	assert.Equal(t, 2, cfg.Consumer.Workers)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8081, cfg.Control.Port)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "7070")
	t.Setenv("RELAY_SIGNING_CALENDLY_KEY", "env-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Signing.CalendlyKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Signing.CalendlyKey = "ck"
		cfg.Signing.SlackKey = "sk"
		return cfg
	}

	t.Run("ok", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("bad mode", func(t *testing.T) {
		cfg := valid()
		cfg.Downstream.Mode = "staging"
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing signing keys", func(t *testing.T) {
		cfg := valid()
		cfg.Signing.CalendlyKey = ""
		assert.Error(t, cfg.Validate())

		cfg = valid()
		cfg.Signing.SlackKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("keys optional when not enforced", func(t *testing.T) {
		cfg := valid()
		cfg.Signing.RequireSignature = false
		cfg.Signing.CalendlyKey = ""
		cfg.Signing.SlackKey = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("workers", func(t *testing.T) {
		cfg := valid()
		cfg.Consumer.Workers = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("no downstream", func(t *testing.T) {
		cfg := valid()
		cfg.Downstream.DevURL = ""
		cfg.Downstream.ProdURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("keyless control on loopback", func(t *testing.T) {
		for _, host := range []string{"127.0.0.1", "localhost", "::1"} {
			cfg := valid()
			cfg.Control.Host = host
			cfg.Control.APIKey = ""
			assert.NoError(t, cfg.Validate(), "host %s", host)
		}
	})

	t.Run("keyless control off loopback", func(t *testing.T) {
		for _, host := range []string{"0.0.0.0", "", "10.1.2.3"} {
			cfg := valid()
			cfg.Control.Host = host
			cfg.Control.APIKey = ""
			assert.Error(t, cfg.Validate(), "host %q", host)
		}
	})

	t.Run("keyed control off loopback", func(t *testing.T) {
		cfg := valid()
		cfg.Control.Host = "0.0.0.0"
		cfg.Control.APIKey = "ops-key"
		assert.NoError(t, cfg.Validate())
	})
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeDevelopment.Valid())
	assert.True(t, ModeProduction.Valid())
	assert.False(t, Mode("staging").Valid())
	assert.False(t, Mode("").Valid())
}

func TestRedacted(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Signing.CalendlyKey = "super-secret"
	cfg.Control.APIKey = "control-key"

	red := cfg.Redacted()

	signing := red["signing"].(map[string]any)
	assert.Equal(t, "********", signing["calendly_key"])
	assert.Equal(t, "", signing["slack_key"], "unset secrets stay empty, not masked")

	control := red["control"].(map[string]any)
	assert.Equal(t, "********", control["api_key"])

	queue := red["queue"].(map[string]any)
	assert.Equal(t, "RELAY_EVENTS", queue["stream"])
}
