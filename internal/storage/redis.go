package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinicq/queuetrack/pkg/logger"
)

const defaultRecordTTL = 12 * time.Hour

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// redisStorage keeps the record under one app-scoped key. Used on kiosk and
// shared-terminal deployments where local disk is not per-user.
type redisStorage struct {
	cli *redis.Client
	key string
	ttl time.Duration
	l   logger.Logger
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisStorage(cli *redis.Client, key string, ttl time.Duration, l logger.Logger) (Storage, error) {
	if key == "" {
		return nil, fmt.Errorf("storage key is required")
	}
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	return &redisStorage{cli: cli, key: key, ttl: ttl, l: l}, nil
}

func (s *redisStorage) Save(ctx context.Context, rec *Record) error {
	rec.SchemaVersion = SchemaVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal queue record: %w", err)
	}

	if err := s.cli.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		s.l.Errorf(ctx, "redisStorage.Save: %v", err)
		return err
	}
	return nil
}

func (s *redisStorage) Load(ctx context.Context) (*Record, error) {
	data, err := s.cli.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.l.Errorf(ctx, "redisStorage.Load: %v", err)
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.l.Warnf(ctx, "discarding corrupt queue record: %v", err)
		return nil, nil
	}
	if rec.SchemaVersion != SchemaVersion {
		s.l.Warnf(ctx, "discarding queue record with schema version %d", rec.SchemaVersion)
		return nil, nil
	}

	return &rec, nil
}

func (s *redisStorage) Clear(ctx context.Context) error {
	if err := s.cli.Del(ctx, s.key).Err(); err != nil {
		s.l.Errorf(ctx, "redisStorage.Clear: %v", err)
		return err
	}
	return nil
}
