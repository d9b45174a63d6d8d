// Package checkpoint persists workflow checkpoints in Redis so an
// interrupted run can resume its pending orders instead of re-creating them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/hostedops/certflow/core/workflow"
)

var _ workflow.CheckpointStore = (*Store)(nil)

// Config is the Redis connection configuration.
type Config struct {
	RedisURL string `env:"REDIS_URL,required"`

	// TTL expires abandoned checkpoints; a resumed run refreshes it on
	// every save. Keep it longer than the longest plausible run.
	TTL time.Duration `env:"CHECKPOINT_TTL" envDefault:"72h"`

	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
}

const keyPrefix = "certflow:checkpoint:"

// Store is a Redis-backed workflow.CheckpointStore.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect parses the Redis URL and verifies the connection with a bounded
// ping retry before returning the store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	err = retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{client: client, ttl: cfg.TTL}, nil
}

// NewFromClient wraps an existing Redis client, mainly for tests.
func NewFromClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Healthcheck returns a probe pinging Redis.
func Healthcheck(s *Store) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	}
}

func (s *Store) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint load %s: %w", id, err)
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint decode %s: %w", id, err)
	}
	return &cp, nil
}

func (s *Store) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint encode %s: %w", cp.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+cp.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint save %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("checkpoint delete %s: %w", id, err)
	}
	return nil
}
