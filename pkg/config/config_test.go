package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default("collab-service")

	assert.Equal(t, "collab-service", cfg.App.Name)
	assert.Equal(t, 5*time.Minute, cfg.Presence.IdleAfter)
	assert.Equal(t, 15*time.Minute, cfg.Presence.AwayAfter)
	assert.Equal(t, 60, cfg.RateLimit.Rules["cursor_move"].Limit)
	assert.Equal(t, time.Second, cfg.RateLimit.Rules["cursor_move"].Window)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Handshake.Block)
	assert.Equal(t, []string{"HS256"}, cfg.Auth.Algorithms)
	assert.Equal(t, 30*time.Second, cfg.Session.SyncRequestTTL)
	assert.Greater(t, cfg.Connection.MaxMessageBytes, int64(4*1024*1024))

	// defaults only miss the secret
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
	cfg.Auth.Secret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-legacy-env")
	t.Setenv("COLLAB_CONNECTION_MAX_PER_USER", "3")
	t.Setenv("COLLAB_PRESENCE_IDLE_AFTER", "2m")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig("collab-service")
	require.NoError(t, err)
	assert.Equal(t, "from-legacy-env", cfg.Auth.Secret)
	assert.Equal(t, 3, cfg.Connection.MaxPerUser)
	assert.Equal(t, 2*time.Minute, cfg.Presence.IdleAfter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRelationships(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "heartbeat interval above timeout",
			mutate: func(c *Config) { c.Connection.HeartbeatInterval = 2 * c.Connection.HeartbeatTimeout },
			want:   "heartbeat_interval",
		},
		{
			name:   "session cache smaller than connection ceiling",
			mutate: func(c *Config) { c.Cache.SessionMax = c.Connection.MaxGlobal - 1 },
			want:   "session_max",
		},
		{
			name:   "presence thresholds out of order",
			mutate: func(c *Config) { c.Presence.AwayAfter = c.Presence.IdleAfter },
			want:   "idle < away < offline",
		},
		{
			name:   "missing sync request ttl",
			mutate: func(c *Config) { c.Session.SyncRequestTTL = 0 },
			want:   "sync_request_ttl",
		},
		{
			name:   "session cache expires before inactivity sweep",
			mutate: func(c *Config) { c.Cache.SessionTTL = c.Session.InactivityTimeout },
			want:   "session_ttl",
		},
		{
			name: "session cache ttl without inactivity sweep",
			mutate: func(c *Config) {
				c.Cache.SessionTTL = time.Hour
				c.Session.InactivityTimeout = 0
			},
			want: "session_ttl",
		},
		{
			name:   "zero per-ip cap",
			mutate: func(c *Config) { c.Connection.MaxPerIP = 0 },
			want:   "connection caps",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("collab-service")
			cfg.Auth.Secret = "s"
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
