package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "http://localhost:3000", cfg.API.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
	assert.Equal(t, "ws://localhost:3000/socket", cfg.Socket.URL)
	assert.Equal(t, 5, cfg.Socket.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Location.UpdateInterval)
	assert.Equal(t, StorageBackendFile, cfg.Storage.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Storage.TTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("SOCKET_URL", "wss://api.example.com/socket")
	t.Setenv("SOCKET_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("LOCATION_UPDATE_INTERVAL", "45s")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "wss://api.example.com/socket", cfg.Socket.URL)
	assert.Equal(t, 3, cfg.Socket.MaxReconnectAttempts)
	assert.Equal(t, 45*time.Second, cfg.Location.UpdateInterval)
	assert.Equal(t, StorageBackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_MalformedDurationFallsBack(t *testing.T) {
	t.Setenv("API_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		return &Config{
			API:    APIConfig{BaseURL: "http://localhost:3000"},
			Socket: SocketConfig{URL: "ws://localhost:3000/socket", MaxReconnectAttempts: 5},
			Storage: StorageConfig{
				Backend: StorageBackendFile,
			},
			Redis: RedisConfig{Addr: "localhost:6379"},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Socket.URL = "http://localhost:3000/socket"
	assert.Error(t, cfg.Validate(), "socket URL must be ws or wss")

	cfg = base()
	cfg.Socket.MaxReconnectAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Backend = "s3"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Backend = StorageBackendRedis
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}
