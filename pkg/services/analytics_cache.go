package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/cache"
	"revenue-forecast-api/pkg/models"
)

var (
	// ErrInvalidTransition はステータスを後退させる、または飛ばす更新
	ErrInvalidTransition = errors.New("invalid cache status transition")
	// ErrStaleEntry は既に別の世代に置き換えられたエントリへの更新
	ErrStaleEntry = errors.New("cache entry was replaced by a newer computation")
)

// AnalyticsCacheConfig キャッシュのTTLとポーリング設定
type AnalyticsCacheConfig struct {
	BaseTTL           time.Duration
	EnhancedTTL       time.Duration
	ProcessingTimeout time.Duration
	PollInterval      time.Duration
}

// AnalyticsCache base / enhanced の2階層キャッシュと非同期ステータス管理
type AnalyticsCache struct {
	store  cache.Store
	cfg    AnalyticsCacheConfig
	logger *logrus.Logger
	now    func() time.Time

	onTransition func(tier models.CacheTier, status models.CacheStatus)
}

// NewAnalyticsCache creates the cache over a store
func NewAnalyticsCache(store cache.Store, cfg AnalyticsCacheConfig, logger *logrus.Logger) *AnalyticsCache {
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = 30 * time.Minute
	}
	if cfg.EnhancedTTL <= 0 {
		cfg.EnhancedTTL = 2 * time.Hour
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &AnalyticsCache{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// OnTransition ステータス遷移ごとに呼ばれるフックを登録（メトリクス用）
func (c *AnalyticsCache) OnTransition(fn func(tier models.CacheTier, status models.CacheStatus)) {
	c.onTransition = fn
}

// ParamsHash 正規化済みクエリのハッシュ
func ParamsHash(q models.ForecastQuery) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("horizon=%d;history_days=%d;method=%s", q.Horizon, q.HistoryDays, q.Method)))
	return hex.EncodeToString(sum[:8])
}

// Key キャッシュキー（dataset:tier:params）
func (c *AnalyticsCache) Key(datasetKey string, q models.ForecastQuery, tier models.CacheTier) string {
	return fmt.Sprintf("%s:%s:%s", datasetKey, tier, ParamsHash(q))
}

func (c *AnalyticsCache) ttl(tier models.CacheTier) time.Duration {
	if tier == models.TierEnhanced {
		return c.cfg.EnhancedTTL
	}
	return c.cfg.BaseTTL
}

// storeTTL 終端エントリは有効期限後もしばらく保持し、世代番号を引き継げるようにする
func (c *AnalyticsCache) storeTTL(tier models.CacheTier) time.Duration {
	return c.ttl(tier) + c.cfg.ProcessingTimeout
}

// expired 終端状態でTTL切れ
func (c *AnalyticsCache) expired(e *models.CacheEntry) bool {
	return e.Status.IsTerminal() && !c.now().Before(e.ExpiresAt)
}

// abandoned 計算中のまま ProcessingTimeout を超えた
func (c *AnalyticsCache) abandoned(e *models.CacheEntry) bool {
	return !e.Status.IsTerminal() && c.now().Sub(e.UpdatedAt) > c.cfg.ProcessingTimeout
}

func (c *AnalyticsCache) newEntry(prev *models.CacheEntry, key, datasetKey string, q models.ForecastQuery, tier models.CacheTier, status models.CacheStatus) *models.CacheEntry {
	now := c.now()
	gen := 1
	if prev != nil {
		gen = prev.Generation + 1
	}
	return &models.CacheEntry{
		ID:         uuid.NewString(),
		Key:        key,
		DatasetKey: datasetKey,
		ParamsHash: ParamsHash(q),
		Tier:       tier,
		Status:     status,
		Generation: gen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (c *AnalyticsCache) notify(tier models.CacheTier, status models.CacheStatus) {
	if c.onTransition != nil {
		c.onTransition(tier, status)
	}
}

// Get returns the completed, unexpired payload for the key.
func (c *AnalyticsCache) Get(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier) (json.RawMessage, bool, error) {
	entry, err := c.store.Get(ctx, c.Key(datasetKey, q, tier))
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.Status != models.StatusCompleted || c.expired(entry) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// Set stores a completed payload. A running computation is completed in place,
// anything else is replaced by a new generation.
func (c *AnalyticsCache) Set(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier, data json.RawMessage) error {
	key := c.Key(datasetKey, q, tier)
	_, err := c.store.Update(ctx, key, c.storeTTL(tier), func(cur *models.CacheEntry) (*models.CacheEntry, error) {
		next := cur
		if cur == nil || cur.Status != models.StatusProcessing {
			next = c.newEntry(cur, key, datasetKey, q, tier, models.StatusProcessing)
		}
		c.finish(next, models.StatusCompleted, data, "")
		return next, nil
	})
	if err == nil {
		c.notify(tier, models.StatusCompleted)
	}
	return err
}

// GetStatus returns the poller view, or nil when no computation exists.
func (c *AnalyticsCache) GetStatus(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier) (*models.StatusView, error) {
	entry, err := c.store.Get(ctx, c.Key(datasetKey, q, tier))
	if err != nil || entry == nil {
		return nil, err
	}
	view := entry.View()
	return &view, nil
}

// UpdateStatus moves the current computation forward. pending or processing on a
// missing or terminal entry starts a new generation.
func (c *AnalyticsCache) UpdateStatus(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier, status models.CacheStatus, data json.RawMessage, errMsg string) (*models.CacheEntry, error) {
	key := c.Key(datasetKey, q, tier)
	entry, err := c.store.Update(ctx, key, c.storeTTL(tier), func(cur *models.CacheEntry) (*models.CacheEntry, error) {
		if cur == nil || cur.Status.IsTerminal() {
			if status.IsTerminal() {
				return nil, fmt.Errorf("%w: no running computation to mark %s", ErrInvalidTransition, status)
			}
			return c.newEntry(cur, key, datasetKey, q, tier, status), nil
		}
		if !models.CanTransition(cur.Status, status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
		}
		c.finish(cur, status, data, errMsg)
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	c.notify(tier, status)
	return entry, nil
}

// Begin atomically starts or joins the computation for the key. owner is true
// when the caller created a new pending generation and must run it.
// A completed, unexpired entry is returned with owner=false.
func (c *AnalyticsCache) Begin(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier) (*models.CacheEntry, bool, error) {
	key := c.Key(datasetKey, q, tier)
	owner := false
	entry, err := c.store.Update(ctx, key, c.storeTTL(tier), func(cur *models.CacheEntry) (*models.CacheEntry, error) {
		owner = false
		if cur != nil {
			switch {
			case cur.Status == models.StatusCompleted && !c.expired(cur):
				return nil, cache.ErrNoChange
			case !cur.Status.IsTerminal() && !c.abandoned(cur):
				return nil, cache.ErrNoChange
			}
			if !cur.Status.IsTerminal() {
				c.logger.WithFields(logrus.Fields{
					"key":        key,
					"generation": cur.Generation,
				}).Warn("replacing abandoned computation")
			}
		}
		owner = true
		return c.newEntry(cur, key, datasetKey, q, tier, models.StatusPending), nil
	})
	if err != nil {
		return nil, false, err
	}
	if owner {
		c.notify(tier, models.StatusPending)
	}
	return entry, owner, nil
}

// MarkProcessing / Complete / Fail は Begin で得たエントリの世代だけを更新する
func (c *AnalyticsCache) MarkProcessing(ctx context.Context, entry *models.CacheEntry) error {
	return c.advance(ctx, entry, models.StatusProcessing, nil, "")
}

// Complete stores the payload for the owned computation.
func (c *AnalyticsCache) Complete(ctx context.Context, entry *models.CacheEntry, data json.RawMessage) error {
	return c.advance(ctx, entry, models.StatusCompleted, data, "")
}

// Fail records the failure for the owned computation.
func (c *AnalyticsCache) Fail(ctx context.Context, entry *models.CacheEntry, cause error) error {
	return c.advance(ctx, entry, models.StatusFailed, nil, cause.Error())
}

func (c *AnalyticsCache) advance(ctx context.Context, entry *models.CacheEntry, status models.CacheStatus, data json.RawMessage, errMsg string) error {
	_, err := c.store.Update(ctx, entry.Key, c.storeTTL(entry.Tier), func(cur *models.CacheEntry) (*models.CacheEntry, error) {
		if cur == nil || cur.ID != entry.ID {
			return nil, ErrStaleEntry
		}
		if !models.CanTransition(cur.Status, status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
		}
		c.finish(cur, status, data, errMsg)
		return cur, nil
	})
	if err != nil {
		return err
	}
	entry.Status = status
	c.notify(entry.Tier, status)
	return nil
}

func (c *AnalyticsCache) finish(e *models.CacheEntry, status models.CacheStatus, data json.RawMessage, errMsg string) {
	e.Status = status
	e.UpdatedAt = c.now()
	if data != nil {
		e.Data = data
	}
	if errMsg != "" {
		e.Error = errMsg
	}
	if status.IsTerminal() {
		e.ExpiresAt = e.UpdatedAt.Add(c.ttl(e.Tier))
	}
}

// Wait polls until the computation reaches a terminal state, is replaced, or timeout.
func (c *AnalyticsCache) Wait(ctx context.Context, entry *models.CacheEntry, timeout time.Duration) (*models.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		cur, err := c.store.Get(ctx, entry.Key)
		if err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != entry.ID {
			return nil, ErrStaleEntry
		}
		if cur.Status.IsTerminal() {
			return cur, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", entry.Key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Invalidate removes both tiers of every query for the dataset.
func (c *AnalyticsCache) Invalidate(ctx context.Context, datasetKey string) (int, error) {
	// ':' を含むキーは別データセットの接頭辞になりうる
	if err := checkDatasetKey(datasetKey); err != nil {
		return 0, err
	}
	return c.store.DeletePrefix(ctx, datasetKey+":")
}
