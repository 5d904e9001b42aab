package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/models"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

// Helper methods for common operations
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return s.client.Set(ctx, key, value, expiration).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Exists(ctx, keys...).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return s.client.Expire(ctx, key, expiration).Err()
}

// Run event stream storage
const (
	runEventMaxListSize = 1000 // per-run cap on retained events
	runEventTTL         = 24 * time.Hour
	renderCacheTTL      = 7 * 24 * time.Hour
)

func runEventsKey(runID string) string {
	return "run:events:" + runID
}

// AppendRunEvent stores a pipeline progress event for a run.
func (s *RedisStore) AppendRunEvent(ctx context.Context, event models.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	key := runEventsKey(event.RunID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to store run event: %w", err)
	}
	if err := s.client.LTrim(ctx, key, -int64(runEventMaxListSize), -1).Err(); err != nil {
		return fmt.Errorf("failed to trim run event list: %w", err)
	}
	if err := s.client.Expire(ctx, key, runEventTTL).Err(); err != nil {
		// Non-critical, the list just lingers longer
		log.Printf("[RedisStore] Warning: failed to set event list TTL: %v", err)
	}

	return nil
}

// GetRunEvents retrieves the stored events for a run in emission order.
func (s *RedisStore) GetRunEvents(ctx context.Context, runID string, limit int64) ([]models.RunEvent, error) {
	if limit <= 0 || limit > runEventMaxListSize {
		limit = runEventMaxListSize
	}

	results, err := s.client.LRange(ctx, runEventsKey(runID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}

	events := make([]models.RunEvent, 0, len(results))
	for _, result := range results {
		var event models.RunEvent
		if err := json.Unmarshal([]byte(result), &event); err != nil {
			continue // Skip invalid entries
		}
		events = append(events, event)
	}

	return events, nil
}

// Render cache: rendered images keyed by their workflow graph hash.

// GetRender returns a cached rendered image if present.
func (s *RedisStore) GetRender(ctx context.Context, key string) ([]byte, bool) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// PutRender caches a rendered image. Failures are logged, not returned:
// the cache is an optimization.
func (s *RedisStore) PutRender(ctx context.Context, key string, data []byte) {
	if err := s.client.Set(ctx, key, data, renderCacheTTL).Err(); err != nil {
		log.Printf("[RedisStore] Warning: failed to cache render %s: %v", key, err)
	}
}
