package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicq/queuetrack/config"
	apperrors "github.com/clinicq/queuetrack/internal/errors"
	"github.com/clinicq/queuetrack/internal/storage"
	"github.com/clinicq/queuetrack/internal/store"
	"github.com/clinicq/queuetrack/internal/transport"
	"github.com/clinicq/queuetrack/pkg/logger"
)

// Claims are the token fields the client cares about. The client holds no
// signing key; it only extracts identity and expiry, verification happens
// server-side.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed auth token", apperrors.ErrInvalidInput)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: auth token has no subject", apperrors.ErrInvalidInput)
	}
	return claims, nil
}

// Session ties the queue store and transport clients to one authenticated
// user. Created on login, destroyed on logout; nothing here is a process
// global.
type Session struct {
	UserID    string
	Role      string
	ExpiresAt time.Time

	Store store.QueueStore
	sock  *transport.SocketClient
	l     logger.Logger
}

func New(ctx context.Context, cfg *config.Config, locator store.Locator, l logger.Logger) (*Session, error) {
	claims, err := ParseToken(cfg.Auth.Token)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
		if time.Now().After(expiresAt) {
			return nil, fmt.Errorf("%w: auth token expired", apperrors.ErrInvalidInput)
		}
	}

	api, err := transport.NewHTTPClient(transport.HTTPConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.Auth.Token,
		Timeout: cfg.API.Timeout,
	}, l)
	if err != nil {
		return nil, err
	}

	sock := transport.NewSocketClient(transport.SocketConfig{
		URL:                  cfg.Socket.URL,
		Token:                cfg.Auth.Token,
		HandshakeTimeout:     cfg.Socket.HandshakeTimeout,
		MaxReconnectAttempts: cfg.Socket.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Socket.ReconnectBackoff,
	}, l)

	st, err := buildStorage(cfg, claims.Subject, l)
	if err != nil {
		return nil, err
	}

	qs := store.New(api, sock, st, locator, store.Config{
		LocationInterval: cfg.Location.UpdateInterval,
	}, l)

	if err := sock.Connect(ctx); err != nil {
		return nil, err
	}
	if err := qs.Start(ctx); err != nil {
		sock.Close()
		return nil, err
	}

	l.Info(ctx, "session started",
		"user_id", claims.Subject,
		"role", claims.Role,
	)

	return &Session{
		UserID:    claims.Subject,
		Role:      claims.Role,
		ExpiresAt: expiresAt,
		Store:     qs,
		sock:      sock,
		l:         l,
	}, nil
}

func buildStorage(cfg *config.Config, userID string, l logger.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendRedis:
		cli := storage.NewRedisClient(storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		key := fmt.Sprintf("%s:%s", cfg.Storage.Key, userID)
		return storage.NewRedisStorage(cli, key, cfg.Storage.TTL, l)
	default:
		return storage.NewFileStorage(cfg.Storage.FilePath, l)
	}
}

func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Close tears the session down: store first so listeners detach, then the
// push channel.
func (s *Session) Close() error {
	if err := s.Store.Close(); err != nil {
		return err
	}
	return s.sock.Close()
}
