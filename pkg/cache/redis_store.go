package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"revenue-forecast-api/pkg/models"
)

const maxTxRetries = 50

// RedisStore keeps analytics cache entries in Redis.
// Update uses WATCH/MULTI so that concurrent instances cannot both win a transition.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		redis:  client,
		prefix: "analytics_cache:",
	}
}

// Get returns the entry stored under key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decodeEntry(data)
}

// Update runs fn inside an optimistic transaction and retries on conflict.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (*models.CacheEntry, error) {
	redisKey := s.prefix + key
	var result *models.CacheEntry

	txf := func(tx *redis.Tx) error {
		var current *models.CacheEntry
		data, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = decodeEntry(data); err != nil {
				return err
			}
		}

		next, err := fn(current.Clone())
		if errors.Is(err, ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
				return nil
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, redisKey)
		if err == nil {
			return result.Clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis update %s: too many concurrent writers", key)
}

// DeletePrefix removes every key starting with prefix.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	iter := s.redis.Scan(ctx, 0, escapeGlob(s.prefix+prefix)+"*", 100).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(n), nil
}

func decodeEntry(data []byte) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// escapeGlob SCAN のパターンで特別扱いされる文字をエスケープする
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
