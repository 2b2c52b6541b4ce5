package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageBackendFile  = "file"
	StorageBackendRedis = "redis"
)

type Config struct {
	Env      string
	API      APIConfig
	Socket   SocketConfig
	Auth     AuthConfig
	Location LocationConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Log      LogConfig
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SocketConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

type AuthConfig struct {
	Token string
}

type LocationConfig struct {
	UpdateInterval    time.Duration
	DefaultTravelMode string
}

type StorageConfig struct {
	Backend  string
	FilePath string
	Key      string
	TTL      time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		API: APIConfig{
			BaseURL: getEnv("API_BASE_URL", "http://localhost:3000"),
			Timeout: getEnvAsDuration("API_TIMEOUT", 15*time.Second),
		},
		Socket: SocketConfig{
			URL:                  getEnv("SOCKET_URL", "ws://localhost:3000/socket"),
			HandshakeTimeout:     getEnvAsDuration("SOCKET_HANDSHAKE_TIMEOUT", 10*time.Second),
			MaxReconnectAttempts: getEnvAsInt("SOCKET_MAX_RECONNECT_ATTEMPTS", 5),
			ReconnectBackoff:     getEnvAsDuration("SOCKET_RECONNECT_BACKOFF", 2*time.Second),
		},
		Auth: AuthConfig{
			Token: getEnv("AUTH_TOKEN", ""),
		},
		Location: LocationConfig{
			UpdateInterval:    getEnvAsDuration("LOCATION_UPDATE_INTERVAL", 30*time.Second),
			DefaultTravelMode: getEnv("DEFAULT_TRAVEL_MODE", "driving"),
		},
		Storage: StorageConfig{
			Backend:  getEnv("STORAGE_BACKEND", StorageBackendFile),
			FilePath: getEnv("STORAGE_FILE_PATH", defaultStatePath()),
			Key:      getEnv("STORAGE_KEY", "queuetrack:state"),
			TTL:      getEnvAsDuration("STORAGE_TTL", 12*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := url.Parse(c.API.BaseURL); err != nil || c.API.BaseURL == "" {
		return fmt.Errorf("invalid API base URL: %q", c.API.BaseURL)
	}

	u, err := url.Parse(c.Socket.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("invalid socket URL: %q", c.Socket.URL)
	}

	if c.Socket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("socket reconnect attempts must be positive")
	}

	if c.Storage.Backend != StorageBackendFile && c.Storage.Backend != StorageBackendRedis {
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.Backend == StorageBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for redis storage")
	}

	return nil
}

func defaultStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return dir + "/queuetrack/state.json"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
