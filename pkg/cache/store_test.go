package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revenue-forecast-api/pkg/models"
)

// setupTestRedis creates a test Redis instance using miniredis
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, s
}

func storesUnderTest(t *testing.T) map[string]Store {
	client, _ := setupTestRedis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestStore_UpdateAndGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := store.Get(ctx, "ds1:base:abc")
			require.NoError(t, err)
			assert.Nil(t, got)

			created, err := store.Update(ctx, "ds1:base:abc", time.Hour, func(current *models.CacheEntry) (*models.CacheEntry, error) {
				assert.Nil(t, current)
				return &models.CacheEntry{ID: "e1", Key: "ds1:base:abc", Status: models.StatusPending, Generation: 1}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, "e1", created.ID)

			unchanged, err := store.Update(ctx, "ds1:base:abc", time.Hour, func(current *models.CacheEntry) (*models.CacheEntry, error) {
				require.NotNil(t, current)
				return nil, ErrNoChange
			})
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, unchanged.Status)

			got, err = store.Get(ctx, "ds1:base:abc")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 1, got.Generation)
		})
	}
}

func TestStore_DeletePrefix(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"ds1:base:a", "ds1:enhanced:a", "ds2:base:a"} {
				k := key
				_, err := store.Update(ctx, k, time.Hour, func(*models.CacheEntry) (*models.CacheEntry, error) {
					return &models.CacheEntry{ID: k, Key: k}, nil
				})
				require.NoError(t, err)
			}

			n, err := store.DeletePrefix(ctx, "ds1:")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := store.Get(ctx, "ds2:base:a")
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestStore_DeletePrefixIsLiteral(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"d*:base:a", "ds1:base:a", "d?:base:a"} {
				k := key
				_, err := store.Update(ctx, k, time.Hour, func(*models.CacheEntry) (*models.CacheEntry, error) {
					return &models.CacheEntry{ID: k, Key: k}, nil
				})
				require.NoError(t, err)
			}

			// '*' は任意の文字列に一致しない
			n, err := store.DeletePrefix(ctx, "d*:")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			for _, key := range []string{"ds1:base:a", "d?:base:a"} {
				got, err := store.Get(ctx, key)
				require.NoError(t, err)
				assert.NotNil(t, got, key)
			}
		})
	}
}

func TestStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Update(ctx, "counter", time.Hour, func(current *models.CacheEntry) (*models.CacheEntry, error) {
						if current == nil {
							return &models.CacheEntry{Key: "counter", Generation: 1}, nil
						}
						current.Generation++
						return current, nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := store.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, 8, got.Generation)
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_, err := store.Update(context.Background(), "k", time.Minute, func(*models.CacheEntry) (*models.CacheEntry, error) {
		return &models.CacheEntry{Key: "k"}, nil
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_Expiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewRedisStore(client)

	_, err := store.Update(context.Background(), "k", time.Minute, func(*models.CacheEntry) (*models.CacheEntry, error) {
		return &models.CacheEntry{Key: "k"}, nil
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("analytics_cache:k"))

	mr.FastForward(2 * time.Minute)
	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}
