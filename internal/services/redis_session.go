package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/models"
)

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// TTL expires abandoned sessions; zero keeps them until cancelled.
	TTL time.Duration `mapstructure:"ttl"`
}

// maxTxRetries bounds optimistic transaction retries under contention on one session.
const maxTxRetries = 16

// RedisSessionStore keeps sessions in Redis as JSON values, one key per
// object id. Update uses WATCH/MULTI so concurrent servers serialize
// per session without any cross-object lock.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore connects to Redis.
func NewRedisSessionStore(cfg RedisConfig) (*RedisSessionStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return NewRedisSessionStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisSessionStoreWithClient wraps an existing client.
func NewRedisSessionStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = constants.DefaultRedisKeyPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) key(objectID string) string {
	return s.prefix + objectID
}

func decodeSession(data []byte) (*models.UploadState, error) {
	var st models.UploadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if st.CompletedParts == nil {
		st.CompletedParts = make(map[int]models.PartCompletion)
	}
	return &st, nil
}

// Get returns the session for objectID or storage.ErrNotFound.
func (s *RedisSessionStore) Get(ctx context.Context, objectID string) (*models.UploadState, error) {
	data, err := s.client.Get(ctx, s.key(objectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no upload in progress for %s", storage.ErrNotFound, objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", objectID, err)
	}
	return decodeSession(data)
}

// Update applies fn inside an optimistic transaction on the session key.
// fn may run more than once when another writer touches the same session.
func (s *RedisSessionStore) Update(ctx context.Context, objectID string, fn UpdateFunc) error {
	key := s.key(objectID)

	txf := func(tx *redis.Tx) error {
		var current *models.UploadState
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read session %s: %w", objectID, err)
		default:
			if current, err = decodeSession(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode session: %w", err)
			}
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return storage.Retryable(fmt.Errorf("session %s: too much contention", objectID))
}

// List scans every session under the key prefix.
func (s *RedisSessionStore) List(ctx context.Context) ([]*models.UploadState, error) {
	var out []*models.UploadState
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s: %w", iter.Val(), err)
		}
		st, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return out, nil
}
