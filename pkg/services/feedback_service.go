package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

// FeedbackService 予測と実績の照合、およびモデル別精度の再集計
type FeedbackService struct {
	predictions database.PredictionRepository
	accuracy    database.AccuracyRepository
	revenue     database.RevenueRepository
	logger      *logrus.Logger
	timeout     time.Duration
	now         func() time.Time

	group   singleflight.Group
	running sync.WaitGroup

	// 実行中のデータセット -> 実行中に再照合が要求されたか
	scheduledMu sync.Mutex
	scheduled   map[string]bool

	onRun func(datasetKey string, result models.MatchResult, err error)
}

// NewFeedbackService creates a new FeedbackService
func NewFeedbackService(predictions database.PredictionRepository, accuracy database.AccuracyRepository, revenue database.RevenueRepository, timeout time.Duration, logger *logrus.Logger) *FeedbackService {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &FeedbackService{
		predictions: predictions,
		accuracy:    accuracy,
		revenue:     revenue,
		logger:      logger,
		timeout:     timeout,
		now:         time.Now,
		scheduled:   make(map[string]bool),
	}
}

// OnRun 照合の実行ごとに呼ばれるフックを登録（メトリクス用）
func (s *FeedbackService) OnRun(fn func(datasetKey string, result models.MatchResult, err error)) {
	s.onRun = fn
}

// ComputeOutcome は1件分の誤差指標を計算する
// mae=|p-a|, mape=a==0 ? 0 : mae/a*100, rmse=mae（1サンプル）
func ComputeOutcome(predicted, actual float64) models.PredictionOutcome {
	mae := math.Abs(predicted - actual)
	mape := 0.0
	if actual != 0 {
		mape = mae / actual * 100
	}
	return models.PredictionOutcome{
		ActualRevenue: actual,
		MAE:           roundMetric(mae),
		MAPE:          roundMetric(mape),
		RMSE:          roundMetric(mae),
		SquaredError:  roundMetric(mae * mae),
	}
}

func roundMetric(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// MatchForecastsWithActuals resolves every unresolved prediction whose actual date
// has a realized value. Negative or non-finite realized values and storage failures
// are counted as errors and the batch continues.
func (s *FeedbackService) MatchForecastsWithActuals(ctx context.Context, datasetKey string, realized []models.DailyAggregate) (models.MatchResult, error) {
	var result models.MatchResult

	unresolved, err := s.predictions.ListUnresolved(ctx, datasetKey, day(s.now()))
	if err != nil {
		return result, &ReconciliationError{Err: fmt.Errorf("list unresolved predictions: %w", err)}
	}

	actuals := make(map[string]float64, len(realized))
	for _, r := range realized {
		// 負や非有限の実績は照合しない
		if !finite(r.Revenue) || r.Revenue < 0 {
			result.Errors++
			s.logger.WithFields(logrus.Fields{
				"dataset": datasetKey,
				"date":    r.Date.Format(models.DateLayout),
				"revenue": r.Revenue,
			}).Warn("ignoring invalid realized revenue")
			continue
		}
		actuals[r.Date.Format(models.DateLayout)] = r.Revenue
	}

	matchedAt := s.now()
	for _, p := range unresolved {
		actual, ok := actuals[p.ActualDate.Format(models.DateLayout)]
		if !ok {
			continue
		}
		result.Matched++

		updated, err := s.predictions.ResolveActual(ctx, p.ID, ComputeOutcome(p.PredictedRevenue, actual), matchedAt)
		if err != nil {
			result.Errors++
			s.logger.WithError(&ReconciliationError{PredictionID: p.ID, Err: err}).WithFields(logrus.Fields{
				"dataset": datasetKey,
				"model":   p.ModelName,
			}).Warn("failed to store prediction outcome")
			continue
		}
		if updated {
			result.Updated++
		}
	}
	return result, nil
}

type accuracyAccumulator struct {
	metric  models.ModelAccuracyMetric
	mape    float64
	mae     float64
	squared float64
	n       int
}

// UpdateModelAccuracyMetrics recomputes every aggregate from all resolved samples
// and replaces the stored rows. An empty datasetKey aggregates across all datasets.
func (s *FeedbackService) UpdateModelAccuracyMetrics(ctx context.Context, datasetKey string) error {
	resolved, err := s.predictions.ListResolved(ctx, datasetKey)
	if err != nil {
		return &ReconciliationError{Err: fmt.Errorf("list resolved predictions: %w", err)}
	}

	metrics := aggregateAccuracy(datasetKey, resolved, s.now())
	if err := s.accuracy.ReplaceMetrics(ctx, datasetKey, metrics); err != nil {
		return &ReconciliationError{Err: fmt.Errorf("replace accuracy metrics: %w", err)}
	}

	s.logger.WithFields(logrus.Fields{
		"dataset": datasetKey,
		"samples": len(resolved),
		"groups":  len(metrics),
	}).Debug("accuracy metrics updated")
	return nil
}

// aggregateAccuracy モデルごとに (曜日, ホライズン)、曜日別、ホライズン別、全体の4種類を集計
func aggregateAccuracy(datasetKey string, resolved []models.ForecastPrediction, computedAt time.Time) []models.ModelAccuracyMetric {
	groups := make(map[string]*accuracyAccumulator)
	add := func(p models.ForecastPrediction, dow, horizon *int) {
		m := models.ModelAccuracyMetric{DatasetKey: datasetKey, ModelName: p.ModelName, DayOfWeek: dow, Horizon: horizon}
		acc, ok := groups[m.GroupKey()]
		if !ok {
			acc = &accuracyAccumulator{metric: m}
			groups[m.GroupKey()] = acc
		}
		mae := valueOr(p.MAE, math.Abs(p.PredictedRevenue-*p.ActualRevenue))
		acc.mae += mae
		acc.mape += valueOr(p.MAPE, 0)
		acc.squared += valueOr(p.SquaredError, mae*mae)
		acc.n++
	}

	for _, p := range resolved {
		if p.ActualRevenue == nil {
			continue
		}
		dow, horizon := p.DayOfWeek, p.Horizon
		add(p, &dow, &horizon)
		add(p, &dow, nil)
		add(p, nil, &horizon)
		add(p, nil, nil)
	}

	out := make([]models.ModelAccuracyMetric, 0, len(groups))
	for _, acc := range groups {
		n := float64(acc.n)
		m := acc.metric
		m.MAPE = roundMetric(acc.mape / n)
		m.MAE = roundMetric(acc.mae / n)
		m.RMSE = roundMetric(math.Sqrt(acc.squared / n))
		m.SampleSize = acc.n
		m.ComputedAt = computedAt
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey() < out[j].GroupKey() })
	return out
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// RunForDataset loads realized revenue for the unresolved range, matches, and re-aggregates.
func (s *FeedbackService) RunForDataset(ctx context.Context, datasetKey string) (models.MatchResult, error) {
	var result models.MatchResult

	unresolved, err := s.predictions.ListUnresolved(ctx, datasetKey, day(s.now()))
	if err != nil {
		return result, &ReconciliationError{Err: fmt.Errorf("list unresolved predictions: %w", err)}
	}

	if len(unresolved) > 0 {
		from, to := unresolved[0].ActualDate, unresolved[0].ActualDate
		for _, p := range unresolved {
			if p.ActualDate.Before(from) {
				from = p.ActualDate
			}
			if p.ActualDate.After(to) {
				to = p.ActualDate
			}
		}
		realized, err := s.revenue.DailyRevenue(ctx, datasetKey, from, to)
		if err != nil {
			return result, &ReconciliationError{Err: fmt.Errorf("load realized revenue: %w", err)}
		}
		if result, err = s.MatchForecastsWithActuals(ctx, datasetKey, realized); err != nil {
			return result, err
		}
	}

	if err := s.UpdateModelAccuracyMetrics(ctx, datasetKey); err != nil {
		return result, err
	}
	return result, nil
}

// RunAll reconciles every dataset, then recomputes the cross-dataset aggregates.
func (s *FeedbackService) RunAll(ctx context.Context) error {
	datasets, err := s.revenue.ListDatasets(ctx)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}

	var errs []error
	for _, ds := range datasets {
		if _, err := s.reconcileOnce(ctx, ds); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ds, err))
		}
	}
	if err := s.UpdateModelAccuracyMetrics(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcileOnce 同じデータセットの同時実行を1回にまとめる
func (s *FeedbackService) reconcileOnce(ctx context.Context, datasetKey string) (models.MatchResult, error) {
	v, err, _ := s.group.Do(datasetKey, func() (interface{}, error) {
		return s.RunForDataset(ctx, datasetKey)
	})
	result, _ := v.(models.MatchResult)

	if s.onRun != nil {
		s.onRun(datasetKey, result, err)
	}
	entry := s.logger.WithFields(logrus.Fields{
		"dataset": datasetKey,
		"matched": result.Matched,
		"updated": result.Updated,
		"errors":  result.Errors,
	})
	if err != nil {
		entry.WithError(err).Warn("reconciliation failed")
	} else {
		entry.Info("reconciliation finished")
	}
	return result, err
}

// ScheduleReconciliation runs reconciliation for the dataset in the background.
// It never blocks the caller and never reports failure to it. A request that arrives
// while a run is in progress queues exactly one more run after it.
func (s *FeedbackService) ScheduleReconciliation(datasetKey string) {
	s.scheduledMu.Lock()
	if _, inFlight := s.scheduled[datasetKey]; inFlight {
		s.scheduled[datasetKey] = true
		s.scheduledMu.Unlock()
		return
	}
	s.scheduled[datasetKey] = false
	s.scheduledMu.Unlock()

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		for {
			s.runScheduled(datasetKey)

			s.scheduledMu.Lock()
			if s.scheduled[datasetKey] {
				s.scheduled[datasetKey] = false
				s.scheduledMu.Unlock()
				continue
			}
			delete(s.scheduled, datasetKey)
			s.scheduledMu.Unlock()
			return
		}
	}()
}

func (s *FeedbackService) runScheduled(datasetKey string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("dataset", datasetKey).Errorf("reconciliation panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// 実行中の一括照合には合流しない
	s.group.Forget(datasetKey)
	_, _ = s.reconcileOnce(ctx, datasetKey)
}

// Wait はバックグラウンドの照合がすべて終わるまで待つ（シャットダウン・テスト用）
func (s *FeedbackService) Wait() {
	s.running.Wait()
}

// StartScheduler reconciles all datasets every interval until ctx is done.
func (s *FeedbackService) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval.String()).Info("feedback scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feedback scheduler stopped")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, s.timeout)
			if err := s.RunAll(runCtx); err != nil {
				s.logger.WithError(err).Warn("scheduled reconciliation finished with errors")
			}
			cancel()
		}
	}
}
