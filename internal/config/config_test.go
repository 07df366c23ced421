package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth_core/internal/rooms"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET_KEY", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("CHAT_ROOM_SCHEME", "PAIR")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, rooms.SchemePair, cfg.ChatScheme())
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 256, cfg.WebSocket.SendBuffer)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, PresenceNone, cfg.Presence.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.Interval)
	assert.Equal(t, "telehealth-core", cfg.Log.Service)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_File(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("CHAT_ROOM_SCHEME", "")
	dir := writeConfig(t, `
auth:
  jwt_secret: from-file
database:
  driver: memory
presence:
  backend: redis
  key_ttl: 45s
  redis:
    address: redis:6379
websocket:
  ping_interval: 5s
  pong_wait: 15s
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, PresenceRedis, cfg.Presence.Backend)
	assert.Equal(t, 45*time.Second, cfg.Presence.KeyTTL)
	assert.Equal(t, "redis:6379", cfg.Presence.Redis.Address)
	assert.Equal(t, 5*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, rooms.SchemeAppointment, cfg.ChatScheme())
}

func TestLoad_Rejects(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("CHAT_ROOM_SCHEME", "")

	cases := map[string]string{
		"unknown scheme":      "auth: {jwt_secret: x}\nrooms: {chat_scheme: both}\n",
		"unknown driver":      "auth: {jwt_secret: x}\ndatabase: {driver: sqlite}\n",
		"unknown presence":    "auth: {jwt_secret: x}\npresence: {backend: etcd}\n",
		"unknown log level":   "auth: {jwt_secret: x}\nlog: {level: loud}\n",
		"unknown log format":  "auth: {jwt_secret: x}\nlog: {format: xml}\n",
		"postgres presence":   "auth: {jwt_secret: x}\ndatabase: {driver: memory}\npresence: {backend: postgres}\n",
		"broker needs outbox": "auth: {jwt_secret: x}\ndatabase: {driver: memory}\nbroker: {enabled: true}\n",
		"broker mode":         "auth: {jwt_secret: x}\nbroker: {enabled: true, mode: kafka}\n",
		"missing secret":      "database: {driver: memory}\n",
		"ping after pong":     "auth: {jwt_secret: x}\nwebsocket: {ping_interval: 60s, pong_wait: 30s}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
