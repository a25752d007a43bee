package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/azure"
	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

// CompletionClient は system/user プロンプトを受け取り生テキストを返す
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Configured() bool
}

// AIPredictorConfig 外部モデル予測器の設定
type AIPredictorConfig struct {
	Enabled               bool
	MaxConcurrentRequests int
	MaxRetries            int
	InitialBackoff        time.Duration
	RequestTimeout        time.Duration
	CacheTTL              time.Duration
	MinHistory            int
	SmallDataThreshold    int
}

// DefaultAIPredictorConfig returns the documented defaults
func DefaultAIPredictorConfig() AIPredictorConfig {
	return AIPredictorConfig{
		Enabled:               true,
		MaxConcurrentRequests: 3,
		MaxRetries:            3,
		InitialBackoff:        time.Second,
		RequestTimeout:        15 * time.Second,
		CacheTTL:              2 * time.Hour,
		MinHistory:            7,
		SmallDataThreshold:    14,
	}
}

// PointSource 1点の予測値がどこから来たか
type PointSource string

const (
	PointCacheHit PointSource = "cache_hit"
	PointSuccess  PointSource = "success"
	PointFallback PointSource = "fallback"
)

// AIPrediction PredictDetailed の結果。Values と Sources は Future と同じ順序
type AIPrediction struct {
	Values  []float64
	Sources []PointSource
}

// FallbackCount フォールバックになった点の数
func (r AIPrediction) FallbackCount() int {
	n := 0
	for _, s := range r.Sources {
		if s == PointFallback {
			n++
		}
	}
	return n
}

type cachedPoint struct {
	value     float64
	expiresAt time.Time
}

// AIPredictor 外部 LLM に1日ずつ売上を問い合わせる予測器。呼び出し元にエラーを返さない
type AIPredictor struct {
	client   CompletionClient
	cfg      AIPredictorConfig
	prompts  *config.PredictorPromptConfig
	accuracy database.AccuracyRepository
	metrics  *PredictorMetrics
	logger   *logrus.Logger

	mu    sync.Mutex
	cache map[string]cachedPoint

	now       func() time.Time
	timer     backoff.Timer
	batchHook func(size int)
}

// NewAIPredictor creates the external model predictor. accuracy may be nil.
func NewAIPredictor(client CompletionClient, cfg AIPredictorConfig, prompts *config.PredictorPromptConfig, accuracy database.AccuracyRepository, logger *logrus.Logger) *AIPredictor {
	defaults := DefaultAIPredictorConfig()
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = defaults.MinHistory
	}
	if cfg.SmallDataThreshold <= 0 {
		cfg.SmallDataThreshold = defaults.SmallDataThreshold
	}

	return &AIPredictor{
		client:   client,
		cfg:      cfg,
		prompts:  prompts,
		accuracy: accuracy,
		metrics:  NewPredictorMetrics(defaultResponseTimeSamples),
		logger:   logger,
		cache:    make(map[string]cachedPoint),
		now:      time.Now,
	}
}

// Availability 認証情報と機能フラグを確認。利用できない場合は *ConfigurationError
func (p *AIPredictor) Availability() error {
	switch {
	case !p.cfg.Enabled:
		return &ConfigurationError{Reason: "external predictor disabled"}
	case p.client == nil || !p.client.Configured():
		return &ConfigurationError{Reason: "credentials missing or malformed"}
	case p.prompts == nil:
		return &ConfigurationError{Reason: "predictor prompts not loaded"}
	}
	return nil
}

// IsAvailable 外部呼び出しが可能か
func (p *AIPredictor) IsAvailable() bool {
	return p.Availability() == nil
}

// Metrics 現在のメトリクス
func (p *AIPredictor) Metrics() PredictorMetricsSnapshot {
	return p.metrics.Snapshot()
}

// ClearCache 点キャッシュを破棄する。メトリクスは保持
func (p *AIPredictor) ClearCache() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.cache)
	p.cache = make(map[string]cachedPoint)
	return n
}

// Predict returns one value per future point in order. It never fails.
func (p *AIPredictor) Predict(ctx context.Context, history, future []models.TimeSeriesPoint) []float64 {
	return p.PredictDetailed(ctx, models.ForecastRequest{History: history, Future: future}).Values
}

// PredictDetailed is Predict with the source of every value.
func (p *AIPredictor) PredictDetailed(ctx context.Context, req models.ForecastRequest) AIPrediction {
	result := AIPrediction{
		Values:  make([]float64, len(req.Future)),
		Sources: make([]PointSource, len(req.Future)),
	}
	fallbackAll := func() AIPrediction {
		for i, f := range req.Future {
			result.Values[i] = FallbackPrediction(req.History, f)
			result.Sources[i] = PointFallback
		}
		return result
	}

	if err := p.Availability(); err != nil {
		p.logger.WithField("reason", err.Error()).Debug("external predictor unavailable, using fallback")
		return fallbackAll()
	}
	if len(req.History) < p.cfg.MinHistory {
		p.logger.WithFields(logrus.Fields{
			"history": len(req.History),
			"need":    p.cfg.MinHistory,
		}).Debug("history too short for external predictor, using fallback")
		return fallbackAll()
	}

	avg := calculateMean(revenues(req.History))
	keys := make([]string, len(req.Future))
	var pending []int
	for i, f := range req.Future {
		keys[i] = p.cacheKey(req.History, f, avg)
		if v, ok := p.cached(keys[i]); ok {
			result.Values[i] = v
			result.Sources[i] = PointCacheHit
			p.metrics.RecordCacheHit()
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return result
	}

	systemPrompt := p.prompts.BuildSystemPrompt()
	cal := p.loadCalibration(ctx, req.DatasetKey)

	// バッチ K+1 はバッチ K の全点が確定してから開始する
	for start := 0; start < len(pending); start += p.cfg.MaxConcurrentRequests {
		end := start + p.cfg.MaxConcurrentRequests
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		if p.batchHook != nil {
			p.batchHook(len(batch))
		}

		var g errgroup.Group
		for _, idx := range batch {
			idx := idx
			g.Go(func() error {
				target := req.Future[idx]
				userPrompt := p.buildUserPrompt(req, target, avg, cal)
				value, err := p.callWithRetry(ctx, systemPrompt, userPrompt, avg)
				if err != nil {
					p.logger.WithError(err).WithFields(logrus.Fields{
						"dataset": req.DatasetKey,
						"date":    target.Date.Format(models.DateLayout),
					}).Warn("external prediction failed, using fallback")
					result.Values[idx] = FallbackPrediction(req.History, target)
					result.Sources[idx] = PointFallback
					return nil
				}
				p.store(keys[idx], value)
				result.Values[idx] = value
				result.Sources[idx] = PointSuccess
				return nil
			})
		}
		_ = g.Wait()
	}
	return result
}

// callWithRetry 1点分の呼び出し。リトライを含めてメトリクスは1回だけ記録する
func (p *AIPredictor) callWithRetry(ctx context.Context, systemPrompt, userPrompt string, avg float64) (float64, error) {
	start := time.Now()
	attempt := 0

	operation := func() (float64, error) {
		attempt++
		text, err := p.callOnce(ctx, systemPrompt, userPrompt)
		if err != nil {
			if isNonRetryable(err) {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		parsed := ParseRevenue(text, avg)
		if !parsed.OK {
			return 0, &ParseError{Response: text}
		}
		return parsed.Value, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = p.cfg.InitialBackoff * 64
	policy.MaxElapsedTime = 0

	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.MaxRetries-1)), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("retrying external prediction")
	}

	value, err := backoff.RetryNotifyWithTimerAndData(operation, retryPolicy, notify, p.timer)
	p.metrics.RecordCall(time.Since(start), err == nil)
	return value, err
}

// callOnce タイムアウト付きの1回の呼び出し。タイムアウト後の応答は破棄される
func (p *AIPredictor) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	type response struct {
		text string
		err  error
	}
	ch := make(chan response, 1)
	go func() {
		text, err := p.client.Complete(callCtx, systemPrompt, userPrompt)
		ch <- response{text: text, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", classifyExternal(r.err)
		}
		return r.text, nil
	case <-callCtx.Done():
		return "", &TransientExternalError{Err: fmt.Errorf("request timed out after %s: %w", p.cfg.RequestTimeout, callCtx.Err())}
	}
}

func classifyExternal(err error) error {
	if errors.Is(err, azure.ErrNotConfigured) {
		return &ConfigurationError{Reason: err.Error()}
	}
	if azure.ClassifyError(err) == azure.ClassFatal {
		return &FatalExternalError{Err: err}
	}
	return &TransientExternalError{Err: err}
}

func isNonRetryable(err error) bool {
	var fatal *FatalExternalError
	var cfgErr *ConfigurationError
	return errors.As(err, &fatal) || errors.As(err, &cfgErr)
}

func (p *AIPredictor) cached(key string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[key]
	if !ok {
		return 0, false
	}
	if !p.now().Before(entry.expiresAt) {
		delete(p.cache, key)
		return 0, false
	}
	return entry.value, true
}

func (p *AIPredictor) store(key string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cachedPoint{value: value, expiresAt: p.now().Add(p.cfg.CacheTTL)}
}

// cacheKey 直近14点・対象日の共変量・平均売上の粗いバケットから作るキー
func (p *AIPredictor) cacheKey(history []models.TimeSeriesPoint, target models.TimeSeriesPoint, avg float64) string {
	recent := history
	if len(recent) > 14 {
		recent = recent[len(recent)-14:]
	}

	h := sha256.New()
	for _, pt := range recent {
		fmt.Fprintf(h, "%s|%.0f|%d;", pt.Date.Format(models.DateLayout), math.Round(pt.Revenue), pt.DayOfWeek)
	}
	fmt.Fprintf(h, "#%s|%d|%s|%.1f|%.1f|%.2f",
		target.Date.Format(models.DateLayout), target.DayOfWeek, target.HolidayType,
		target.Temperature, target.Precipitation, target.ExchangeRate)
	fmt.Fprintf(h, "#%d", int64(avg/100))
	if p.prompts != nil {
		fmt.Fprintf(h, "#%s", p.prompts.Version)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AIStrategy アンサンブル用のアダプタ。利用不可・データ不足はスキップとして報告する
type AIStrategy struct {
	predictor *AIPredictor
}

// NewAIStrategy wraps the predictor as an ensemble strategy
func NewAIStrategy(p *AIPredictor) *AIStrategy {
	return &AIStrategy{predictor: p}
}

func (s *AIStrategy) Name() string { return models.ModelAI }

func (s *AIStrategy) Predict(ctx context.Context, req models.ForecastRequest) ([]float64, error) {
	values, _, err := s.PredictWithFallbacks(ctx, req)
	return values, err
}

// PredictWithFallbacks also reports how many points were filled by the heuristic.
func (s *AIStrategy) PredictWithFallbacks(ctx context.Context, req models.ForecastRequest) ([]float64, int, error) {
	if err := s.predictor.Availability(); err != nil {
		return nil, 0, unavailable(err.Error())
	}
	if len(req.History) < s.predictor.cfg.MinHistory {
		return nil, 0, insufficient(len(req.History), s.predictor.cfg.MinHistory)
	}

	res := s.predictor.PredictDetailed(ctx, req)
	fallbacks := res.FallbackCount()
	if len(req.Future) > 0 && fallbacks == len(req.Future) {
		return nil, fallbacks, &SkipError{Kind: SkipInternalError, Detail: "external model failed for every point"}
	}
	return res.Values, fallbacks, nil
}
