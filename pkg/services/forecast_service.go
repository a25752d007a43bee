package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

var (
	// ErrInvalidQuery 予測パラメータが範囲外
	ErrInvalidQuery = errors.New("invalid forecast query")
	// ErrNoHistory 指定期間に売上データがない
	ErrNoHistory = errors.New("no revenue history for dataset")
	// ErrNoComputation 該当する計算が存在しない
	ErrNoComputation = errors.New("no computation for this query")
)

// 予測パラメータの範囲
const (
	DefaultHorizon     = 7
	MaxHorizon         = 30
	DefaultHistoryDays = 120
	MinHistoryDays     = 14
	MaxHistoryDays     = 730
)

// SignalProvider 日付範囲の外部シグナルを返す
type SignalProvider interface {
	Signals(ctx context.Context, from, to time.Time) SignalMap
}

// ReconciliationScheduler 照合をバックグラウンドで起動する
type ReconciliationScheduler interface {
	ScheduleReconciliation(datasetKey string)
}

// ForecastServiceConfig 予測サービスの設定
type ForecastServiceConfig struct {
	DefaultMethod   string
	BaseWaitTimeout time.Duration
	EnhancedTimeout time.Duration
}

// ForecastService 特徴量作成 → アンサンブル → キャッシュ書き込み → 予測保存
type ForecastService struct {
	revenue     database.RevenueRepository
	predictions database.PredictionRepository
	signals     SignalProvider
	features    *FeatureBuilder
	base        *Ensemble
	enhanced    *Ensemble
	cache       *AnalyticsCache
	feedback    ReconciliationScheduler
	cfg         ForecastServiceConfig
	logger      *logrus.Logger
	now         func() time.Time

	running sync.WaitGroup
}

// ForecastServiceDeps ForecastService の依存関係
type ForecastServiceDeps struct {
	Revenue     database.RevenueRepository
	Predictions database.PredictionRepository
	Signals     SignalProvider
	Features    *FeatureBuilder
	Base        *Ensemble
	Enhanced    *Ensemble
	Cache       *AnalyticsCache
	Feedback    ReconciliationScheduler
}

// NewForecastService creates a new ForecastService
func NewForecastService(deps ForecastServiceDeps, cfg ForecastServiceConfig, logger *logrus.Logger) *ForecastService {
	if !ValidBlendMethod(cfg.DefaultMethod) {
		cfg.DefaultMethod = BlendWeighted
	}
	if cfg.BaseWaitTimeout <= 0 {
		cfg.BaseWaitTimeout = 30 * time.Second
	}
	if cfg.EnhancedTimeout <= 0 {
		cfg.EnhancedTimeout = 10 * time.Minute
	}
	if deps.Features == nil {
		deps.Features = NewFeatureBuilder()
	}
	return &ForecastService{
		revenue:     deps.Revenue,
		predictions: deps.Predictions,
		signals:     deps.Signals,
		features:    deps.Features,
		base:        deps.Base,
		enhanced:    deps.Enhanced,
		cache:       deps.Cache,
		feedback:    deps.Feedback,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// NormalizeQuery はデフォルト値を補い範囲を検証する。キャッシュキーは正規化後の値で作る
func NormalizeQuery(q models.ForecastQuery, defaultMethod string) (models.ForecastQuery, error) {
	if q.Horizon == 0 {
		q.Horizon = DefaultHorizon
	}
	if q.HistoryDays == 0 {
		q.HistoryDays = DefaultHistoryDays
	}
	if q.Method == "" {
		q.Method = defaultMethod
	}

	if q.Horizon < 1 || q.Horizon > MaxHorizon {
		return q, fmt.Errorf("%w: horizon must be between 1 and %d", ErrInvalidQuery, MaxHorizon)
	}
	if q.HistoryDays < MinHistoryDays || q.HistoryDays > MaxHistoryDays {
		return q, fmt.Errorf("%w: history_days must be between %d and %d", ErrInvalidQuery, MinHistoryDays, MaxHistoryDays)
	}
	if !ValidBlendMethod(q.Method) {
		return q, fmt.Errorf("%w: unknown method %q", ErrInvalidQuery, q.Method)
	}
	return q, nil
}

// checkDatasetKey rejects keys that could collide with another dataset's cache keys.
func checkDatasetKey(datasetKey string) error {
	if !models.ValidDatasetKey(datasetKey) {
		return fmt.Errorf("%w: dataset key %q may contain only letters, digits, '.', '_' and '-'", ErrInvalidQuery, datasetKey)
	}
	return nil
}

// Normalize NormalizeQuery with the service default method
func (s *ForecastService) Normalize(q models.ForecastQuery) (models.ForecastQuery, error) {
	return NormalizeQuery(q, s.cfg.DefaultMethod)
}

// BaseForecast returns the base-tier forecast, computing it at most once per key.
// Concurrent callers for the same key wait for the running computation.
func (s *ForecastService) BaseForecast(ctx context.Context, datasetKey string, q models.ForecastQuery) (*models.ForecastResult, bool, error) {
	if err := checkDatasetKey(datasetKey); err != nil {
		return nil, false, err
	}
	q, err := s.Normalize(q)
	if err != nil {
		return nil, false, err
	}

	if data, ok, err := s.cache.Get(ctx, datasetKey, q, models.TierBase); err != nil {
		s.logger.WithError(err).Warn("analytics cache read failed, computing directly")
		return s.computeUncached(ctx, datasetKey, q)
	} else if ok {
		res, err := decodeResult(data)
		return res, err == nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		entry, owner, err := s.cache.Begin(ctx, datasetKey, q, models.TierBase)
		if err != nil {
			s.logger.WithError(err).Warn("analytics cache unavailable, computing directly")
			return s.computeUncached(ctx, datasetKey, q)
		}
		if owner {
			res, err := s.runOwned(ctx, entry, datasetKey, q, models.TierBase)
			if err == nil {
				s.feedback.ScheduleReconciliation(datasetKey)
			}
			return res, false, err
		}
		if entry.Status == models.StatusCompleted {
			res, err := decodeResult(entry.Data)
			return res, err == nil, err
		}

		// 他のリクエストが計算中。重複計算はせずに完了を待つ
		done, err := s.cache.Wait(ctx, entry, s.cfg.BaseWaitTimeout)
		switch {
		case errors.Is(err, ErrStaleEntry):
			continue
		case err != nil:
			s.logger.WithError(err).WithField("dataset", datasetKey).Warn("waiting for base forecast failed, computing directly")
			return s.computeUncached(ctx, datasetKey, q)
		case done.Status == models.StatusFailed:
			return nil, false, fmt.Errorf("base forecast failed: %s", done.Error)
		default:
			res, err := decodeResult(done.Data)
			return res, err == nil, err
		}
	}
	return s.computeUncached(ctx, datasetKey, q)
}

func (s *ForecastService) computeUncached(ctx context.Context, datasetKey string, q models.ForecastQuery) (*models.ForecastResult, bool, error) {
	res, err := s.compute(ctx, datasetKey, q, models.TierBase)
	return res, false, err
}

// runOwned Begin で得た世代を processing → completed|failed まで進める
func (s *ForecastService) runOwned(ctx context.Context, entry *models.CacheEntry, datasetKey string, q models.ForecastQuery, tier models.CacheTier) (res *models.ForecastResult, err error) {
	if err := s.cache.MarkProcessing(ctx, entry); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forecast panic: %v", r)
		}
		if err != nil {
			if ferr := s.cache.Fail(context.Background(), entry, err); ferr != nil {
				s.logger.WithError(ferr).Warn("failed to record forecast failure")
			}
		}
	}()

	res, err = s.compute(ctx, datasetKey, q, tier)
	if err != nil {
		return nil, err
	}
	data, err := res.Marshal()
	if err != nil {
		return nil, err
	}
	if err := s.cache.Complete(ctx, entry, data); err != nil {
		s.logger.WithError(err).WithField("key", entry.Key).Warn("failed to store forecast result")
	}
	return res, nil
}

// StartEnhanced starts or joins the enhanced computation and returns its status.
func (s *ForecastService) StartEnhanced(ctx context.Context, datasetKey string, q models.ForecastQuery) (*models.StatusView, error) {
	if err := checkDatasetKey(datasetKey); err != nil {
		return nil, err
	}
	q, err := s.Normalize(q)
	if err != nil {
		return nil, err
	}

	entry, owner, err := s.cache.Begin(ctx, datasetKey, q, models.TierEnhanced)
	if err != nil {
		return nil, err
	}
	view := entry.View()
	if owner {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.EnhancedTimeout)
			defer cancel()
			if _, err := s.runOwned(runCtx, entry, datasetKey, q, models.TierEnhanced); err != nil {
				s.logger.WithError(err).WithField("dataset", datasetKey).Warn("enhanced forecast failed")
			}
		}()
	}
	return &view, nil
}

// EnhancedStatus returns the poller view of the enhanced computation.
func (s *ForecastService) EnhancedStatus(ctx context.Context, datasetKey string, q models.ForecastQuery) (*models.StatusView, error) {
	if err := checkDatasetKey(datasetKey); err != nil {
		return nil, err
	}
	q, err := s.Normalize(q)
	if err != nil {
		return nil, err
	}
	view, err := s.cache.GetStatus(ctx, datasetKey, q, models.TierEnhanced)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, ErrNoComputation
	}
	return view, nil
}

// Invalidate drops every cached forecast for the dataset.
func (s *ForecastService) Invalidate(ctx context.Context, datasetKey string) (int, error) {
	return s.cache.Invalidate(ctx, datasetKey)
}

// IngestDailyRevenue stores realized revenue, invalidates the dataset cache
// and schedules reconciliation for the new actuals.
func (s *ForecastService) IngestDailyRevenue(ctx context.Context, datasetKey string, aggs []models.DailyAggregate) error {
	if err := checkDatasetKey(datasetKey); err != nil {
		return err
	}
	if len(aggs) == 0 {
		return fmt.Errorf("no daily revenue supplied")
	}
	for i := range aggs {
		aggs[i].Date = day(aggs[i].Date)
		if !finite(aggs[i].Revenue) || aggs[i].Revenue < 0 {
			return fmt.Errorf("revenue on %s must be a non-negative number", aggs[i].Date.Format(models.DateLayout))
		}
	}
	if err := s.revenue.UpsertDailyRevenue(ctx, datasetKey, aggs); err != nil {
		return err
	}
	if _, err := s.cache.Invalidate(ctx, datasetKey); err != nil {
		s.logger.WithError(err).WithField("dataset", datasetKey).Warn("cache invalidation failed")
	}
	s.feedback.ScheduleReconciliation(datasetKey)
	return nil
}

// Wait はバックグラウンドの enhanced 計算が終わるまで待つ
func (s *ForecastService) Wait() {
	s.running.Wait()
}

func (s *ForecastService) compute(ctx context.Context, datasetKey string, q models.ForecastQuery, tier models.CacheTier) (*models.ForecastResult, error) {
	today := day(s.now())
	aggs, err := s.revenue.DailyRevenue(ctx, datasetKey, today.AddDate(0, 0, -q.HistoryDays), today)
	if err != nil {
		return nil, fmt.Errorf("load revenue history: %w", err)
	}
	if len(aggs) == 0 {
		return nil, ErrNoHistory
	}

	first, last := day(aggs[0].Date), day(aggs[len(aggs)-1].Date)
	var signals SignalMap
	if s.signals != nil {
		signals = s.signals.Signals(ctx, first, last.AddDate(0, 0, q.Horizon))
	}
	history, err := s.features.Build(aggs, signals)
	if err != nil {
		return nil, err
	}
	req := models.ForecastRequest{
		DatasetKey: datasetKey,
		History:    history,
		Future:     s.features.BuildFuture(history, q.Horizon, signals),
	}

	ensemble := s.base
	if tier == models.TierEnhanced && s.enhanced != nil {
		ensemble = s.enhanced
	}
	out := ensemble.Run(ctx, req, q.Method)

	result := &models.ForecastResult{
		DatasetKey:  datasetKey,
		Tier:        tier,
		Query:       q,
		AsOf:        last.Format(models.DateLayout),
		GeneratedAt: s.now(),
		Method:      out.Method,
		Points:      buildPoints(req, out.Values),
		Successful:  out.Successful,
		Skipped:     out.Skipped,
		Quality: models.ForecastQuality{
			HistoryPoints:  len(history),
			StrategiesUsed: len(out.Successful),
		},
	}
	for _, f := range out.Successful {
		if f.StrategyName == models.ModelAI && len(req.Future) > 0 {
			result.Quality.AIFallbackShare = float64(f.FallbackPoints) / float64(len(req.Future))
		}
	}

	s.savePredictions(ctx, req, out, tier)

	s.logger.WithFields(logrus.Fields{
		"dataset":    datasetKey,
		"tier":       tier,
		"method":     out.Method,
		"strategies": len(out.Successful),
		"skipped":    len(out.Skipped),
	}).Info("forecast computed")
	return result, nil
}

// buildPoints 履歴の標準偏差から95%区間を付ける。ホライズンが遠いほど広がる
func buildPoints(req models.ForecastRequest, values []float64) []models.ForecastPoint {
	std := calculateStandardDeviation(revenues(req.History))
	n := float64(len(req.History))
	points := make([]models.ForecastPoint, len(req.Future))
	for i, f := range req.Future {
		margin := 1.96 * std * math.Sqrt(1+float64(i+1)/n)
		points[i] = models.ForecastPoint{
			Date:      f.Date.Format(models.DateLayout),
			DayOfWeek: f.DayOfWeek,
			Predicted: values[i],
			Lower:     math.Max(0, values[i]-margin),
			Upper:     values[i] + margin,
		}
	}
	return points
}

type predictionFactors struct {
	Tier          models.CacheTier   `json:"tier"`
	Method        string             `json:"method"`
	Temperature   float64            `json:"temperature"`
	Precipitation float64            `json:"precipitation"`
	ExchangeRate  float64            `json:"exchange_rate"`
	HolidayType   models.HolidayType `json:"holiday_type"`
}

// savePredictions 戦略ごとの値とアンサンブル値を保存する。失敗しても予測結果は返す
func (s *ForecastService) savePredictions(ctx context.Context, req models.ForecastRequest, out EnsembleResult, tier models.CacheTier) {
	if s.predictions == nil || len(req.Future) == 0 {
		return
	}
	forecastDate := req.History[len(req.History)-1].Date
	created := s.now()

	var preds []models.ForecastPrediction
	add := func(model string, values []float64) {
		for i, f := range req.Future {
			factors, _ := json.Marshal(predictionFactors{
				Tier:          tier,
				Method:        out.Method,
				Temperature:   f.Temperature,
				Precipitation: f.Precipitation,
				ExchangeRate:  f.ExchangeRate,
				HolidayType:   f.HolidayType,
			})
			preds = append(preds, models.ForecastPrediction{
				ID:               uuid.NewString(),
				DatasetKey:       req.DatasetKey,
				ModelName:        model,
				ForecastDate:     forecastDate,
				ActualDate:       f.Date,
				PredictedRevenue: values[i],
				DayOfWeek:        f.DayOfWeek,
				Horizon:          int(daysBetween(forecastDate, f.Date)),
				Factors:          factors,
				CreatedAt:        created,
			})
		}
	}
	for _, f := range out.Successful {
		add(f.StrategyName, f.Values)
	}
	add(models.EnsembleModelName(tier, out.Method), out.Values)

	if err := s.predictions.SavePredictions(ctx, preds); err != nil {
		s.logger.WithError(err).WithField("dataset", req.DatasetKey).Warn("failed to save predictions")
	}
}

func decodeResult(data json.RawMessage) (*models.ForecastResult, error) {
	var res models.ForecastResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached forecast: %w", err)
	}
	return &res, nil
}
