package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app:
  log_level: debug
room:
  id: room-42
  player_id: p1
  type: QUANT_ROOM
transport:
  kind: nats
  url: nats://localhost:4222
reconnect:
  base_delay: 500ms
state:
  event_limit: 100
redis:
  enabled: true
  addr: redis:6379
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "room-42", cfg.Room.ID)
	assert.Equal(t, "QUANT_ROOM", cfg.Room.Type)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 100, cfg.State.EventLimit)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)

	// 未配置的字段使用默认值
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 256, cfg.Transport.WriteBuffer)
	assert.Equal(t, 2*time.Minute, cfg.Redis.PresenceTTL)
	assert.Equal(t, "json", cfg.App.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Error(t, cfg.Validate(), "缺少 room.id")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ROOMSYNC_ROOM_ID", "from-env")
	t.Setenv("ROOMSYNC_TRANSPORT_KIND", "webtransport")
	t.Setenv("ROOMSYNC_RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("ROOMSYNC_RECONNECT_BASE_DELAY", "2s")
	t.Setenv("ROOMSYNC_REDIS_ENABLED", "false")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Room.ID)
	assert.Equal(t, "webtransport", cfg.Transport.Kind)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"blank room id", func(c *Config) { c.Room.ID = " " }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"missing url", func(c *Config) { c.Transport.URL = "" }},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }},
		{"private without passcode", func(c *Config) { c.Room.Private = true }},
		{"negative event limit", func(c *Config) { c.State.EventLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "rooms"}
	assert.Equal(t, "postgres://u:p@db:5432/rooms?sslmode=disable", db.DSN())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("ROOMSYNC_TEST_INT", "abc")
	assert.Equal(t, 7, GetEnvInt("ROOMSYNC_TEST_INT", 7), "解析失败返回默认值")

	t.Setenv("ROOMSYNC_TEST_DURATION", "3s")
	assert.Equal(t, 3*time.Second, GetEnvDuration("ROOMSYNC_TEST_DURATION", time.Second))

	assert.Equal(t, "fallback", GetEnv("ROOMSYNC_TEST_UNSET", "fallback"))
}
