package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	config := NewConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "defaultkey", config.ServerKey)
	assert.Equal(t, 7350, config.Port)
	assert.Equal(t, 5*time.Second, config.GetPresenceGracePeriod())
	assert.Equal(t, 5*time.Minute, config.GetUserCacheTTL())
	assert.NotNil(t, config.Retry)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "empty server key", mutate: func(c *Config) { c.ServerKey = "" }},
		{name: "empty host", mutate: func(c *Config) { c.Host = "" }},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 0 }},
		{name: "pong wait below ping period", mutate: func(c *Config) { c.PongWaitMs = c.PingPeriodMs }},
		{name: "zero outgoing queue", mutate: func(c *Config) { c.OutgoingQueueSize = 0 }},
		{name: "negative grace period", mutate: func(c *Config) { c.PresenceGracePeriodMs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_key: "prodkey"
host: "nakama.example.com"
use_ssl: true
presence_grace_period_ms: 2500
retry:
  max_attempts: 5
`), 0o600))

	config, err := ParseConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "prodkey", config.ServerKey)
	assert.Equal(t, "nakama.example.com", config.Host)
	assert.True(t, config.UseSSL)
	assert.Equal(t, 2500*time.Millisecond, config.GetPresenceGracePeriod())
	assert.Equal(t, 5, config.Retry.MaxAttempts)
	// Unset fields keep their defaults.
	assert.Equal(t, 7350, config.Port)
}

func TestConfigClone(t *testing.T) {
	config := NewConfig()
	clone := config.Clone()
	clone.ServerKey = "other"
	clone.Retry.MaxAttempts = 99

	assert.Equal(t, "defaultkey", config.ServerKey)
	assert.Equal(t, 3, config.Retry.MaxAttempts)
}
