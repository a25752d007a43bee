package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/logging"
	"revenue-forecast-api/pkg/models"
)

var feedbackNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func newTestFeedback(repo *database.MemoryRepository) *FeedbackService {
	s := NewFeedbackService(repo, repo, repo, time.Second, logging.NewNopLogger())
	s.now = func() time.Time { return feedbackNow }
	return s
}

func prediction(id, model string, actualDate time.Time, predicted float64, horizon int) models.ForecastPrediction {
	return models.ForecastPrediction{
		ID:               id,
		DatasetKey:       "shop-1",
		ModelName:        model,
		ForecastDate:     actualDate.AddDate(0, 0, -horizon),
		ActualDate:       actualDate,
		PredictedRevenue: predicted,
		DayOfWeek:        int(actualDate.Weekday()),
		Horizon:          horizon,
		CreatedAt:        feedbackNow,
	}
}

func TestComputeOutcome(t *testing.T) {
	o := ComputeOutcome(1000, 1200)
	assert.Equal(t, 200.0, o.MAE)
	assert.Equal(t, 16.67, o.MAPE)
	assert.Equal(t, 200.0, o.RMSE)
	assert.Equal(t, 40000.0, o.SquaredError)

	zero := ComputeOutcome(150, 0)
	assert.Equal(t, 150.0, zero.MAE)
	assert.Zero(t, zero.MAPE)
}

func TestFeedback_MatchAndAggregate(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	d1 := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC) // 月曜
	d2 := d1.AddDate(0, 0, 1)
	future := feedbackNow.AddDate(0, 0, 3)

	require.NoError(t, repo.SavePredictions(ctx, []models.ForecastPrediction{
		prediction("p1", models.ModelEnsemble, d1, 1000, 1),
		prediction("p2", models.ModelEnsemble, d2, 1100, 2),
		prediction("p3", models.ModelWeekdayTrend, d1, 1300, 1),
		prediction("p4", models.ModelEnsemble, future, 900, 4),
	}))
	s := newTestFeedback(repo)

	realized := []models.DailyAggregate{
		{Date: d1, Revenue: 1200},
		{Date: d2, Revenue: 1000},
		{Date: future, Revenue: 500},
	}
	result, err := s.MatchForecastsWithActuals(ctx, "shop-1", realized)
	require.NoError(t, err)
	assert.Equal(t, models.MatchResult{Matched: 3, Updated: 3}, result)

	resolved, err := repo.ListResolved(ctx, "shop-1")
	require.NoError(t, err)
	require.Len(t, resolved, 3)

	require.NoError(t, s.UpdateModelAccuracyMetrics(ctx, "shop-1"))
	metrics, err := repo.ListMetrics(ctx, "shop-1", models.ModelEnsemble)
	require.NoError(t, err)

	var overall *models.ModelAccuracyMetric
	for i := range metrics {
		if metrics[i].IsOverall() {
			overall = &metrics[i]
		}
	}
	require.NotNil(t, overall)
	assert.Equal(t, 2, overall.SampleSize)
	assert.Equal(t, 150.0, overall.MAE)
	// (16.67 + 10) / 2 を四捨五入
	assert.Equal(t, 13.34, overall.MAPE)
	// sqrt((40000 + 10000) / 2)
	assert.Equal(t, 158.11, overall.RMSE)

	// (曜日,ホライズン) 2件 + 曜日別 2件 + ホライズン別 2件 + 全体 1件
	assert.Len(t, metrics, 7)
}

func TestFeedback_MatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	d := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SavePredictions(ctx, []models.ForecastPrediction{prediction("p1", models.ModelAI, d, 1000, 1)}))
	s := newTestFeedback(repo)
	realized := []models.DailyAggregate{{Date: d, Revenue: 1200}}

	_, err := s.MatchForecastsWithActuals(ctx, "shop-1", realized)
	require.NoError(t, err)
	require.NoError(t, s.UpdateModelAccuracyMetrics(ctx, "shop-1"))
	first, err := repo.ListMetrics(ctx, "shop-1", "")
	require.NoError(t, err)

	// 実績が後から変わっても確定済みの値は上書きしない
	result, err := s.MatchForecastsWithActuals(ctx, "shop-1", []models.DailyAggregate{{Date: d, Revenue: 5000}})
	require.NoError(t, err)
	assert.Zero(t, result.Matched)

	s.now = func() time.Time { return feedbackNow.Add(time.Hour) }
	require.NoError(t, s.UpdateModelAccuracyMetrics(ctx, "shop-1"))
	second, err := repo.ListMetrics(ctx, "shop-1", "")
	require.NoError(t, err)
	assert.Equal(t, first, second, "unchanged rows keep their computed_at")

	resolved, err := repo.ListResolved(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, *resolved[0].ActualRevenue)
}

// failingResolveRepo 指定したIDの書き込みだけ失敗させる
type failingResolveRepo struct {
	*database.MemoryRepository
	failID string
}

func (r *failingResolveRepo) ResolveActual(ctx context.Context, id string, o models.PredictionOutcome, at time.Time) (bool, error) {
	if id == r.failID {
		return false, errors.New("connection lost")
	}
	return r.MemoryRepository.ResolveActual(ctx, id, o, at)
}

func TestFeedback_RejectsInvalidActuals(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	d1 := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	require.NoError(t, repo.SavePredictions(ctx, []models.ForecastPrediction{
		prediction("p1", models.ModelWeekdayTrend, d1, 1000, 1),
		prediction("p2", models.ModelSeasonalNaive, d2, 1100, 1),
	}))
	s := newTestFeedback(repo)

	result, err := s.MatchForecastsWithActuals(ctx, "shop-1", []models.DailyAggregate{
		{Date: d1, Revenue: -1000},
		{Date: d2, Revenue: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MatchResult{Matched: 1, Updated: 1, Errors: 1}, result)

	// 不正な実績で確定していないので、正しい値で後から照合できる
	result, err = s.MatchForecastsWithActuals(ctx, "shop-1", []models.DailyAggregate{{Date: d1, Revenue: 1200}})
	require.NoError(t, err)
	assert.Equal(t, models.MatchResult{Matched: 1, Updated: 1}, result)

	require.NoError(t, s.UpdateModelAccuracyMetrics(ctx, "shop-1"))
	metrics, err := repo.ListMetrics(ctx, "shop-1", "")
	require.NoError(t, err)
	for _, m := range metrics {
		assert.GreaterOrEqual(t, m.MAPE, 0.0, m.ModelName)
	}
}

func TestFeedback_StorageFailureIsCounted(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemoryRepository()
	d := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.SavePredictions(ctx, []models.ForecastPrediction{
		prediction("p1", models.ModelEnsemble, d, 1000, 1),
		prediction("p2", models.ModelAI, d, 1100, 1),
	}))
	repo := &failingResolveRepo{MemoryRepository: mem, failID: "p1"}
	s := NewFeedbackService(repo, mem, mem, time.Second, logging.NewNopLogger())
	s.now = func() time.Time { return feedbackNow }

	result, err := s.MatchForecastsWithActuals(ctx, "shop-1", []models.DailyAggregate{{Date: d, Revenue: 1000}})
	require.NoError(t, err)
	assert.Equal(t, models.MatchResult{Matched: 2, Updated: 1, Errors: 1}, result)
}

func TestFeedback_RunForDatasetUsesStoredRevenue(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	d := time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SavePredictions(ctx, []models.ForecastPrediction{prediction("p1", models.ModelSeasonalNaive, d, 950, 1)}))
	require.NoError(t, repo.UpsertDailyRevenue(ctx, "shop-1", []models.DailyAggregate{{Date: d, Revenue: 1000}}))
	s := newTestFeedback(repo)

	var runs atomic.Int32
	s.OnRun(func(string, models.MatchResult, error) { runs.Add(1) })

	result, err := s.RunForDataset(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	metrics, err := repo.ListMetrics(ctx, "shop-1", models.ModelSeasonalNaive)
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)

	require.NoError(t, s.RunAll(ctx))
	assert.EqualValues(t, 1, runs.Load())
	global, err := repo.ListMetrics(ctx, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, global, "cross-dataset aggregates")
	for _, m := range global {
		assert.Empty(t, m.DatasetKey)
	}
}

func TestFeedback_ScheduleReconciliation(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	d := time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SavePredictions(ctx, []models.ForecastPrediction{prediction("p1", models.ModelEnsemble, d, 800, 1)}))
	require.NoError(t, repo.UpsertDailyRevenue(ctx, "shop-1", []models.DailyAggregate{{Date: d, Revenue: 1000}}))
	s := newTestFeedback(repo)

	s.ScheduleReconciliation("shop-1")
	s.Wait()

	resolved, err := repo.ListResolved(ctx, "shop-1")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, 20.0, *resolved[0].MAPE)
}

// gatedRevenueRepo 最初の実績読み込みの後で止める
type gatedRevenueRepo struct {
	*database.MemoryRepository
	loaded  chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *gatedRevenueRepo) DailyRevenue(ctx context.Context, datasetKey string, from, to time.Time) ([]models.DailyAggregate, error) {
	aggs, err := r.MemoryRepository.DailyRevenue(ctx, datasetKey, from, to)
	if r.calls.Add(1) == 1 {
		close(r.loaded)
		<-r.release
	}
	return aggs, err
}

func TestFeedback_ScheduleDuringRunQueuesRerun(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemoryRepository()
	d1 := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	require.NoError(t, mem.SavePredictions(ctx, []models.ForecastPrediction{
		prediction("p1", models.ModelSeasonalNaive, d1, 1000, 1),
		prediction("p2", models.ModelSeasonalNaive, d2, 1000, 2),
	}))
	require.NoError(t, mem.UpsertDailyRevenue(ctx, "shop-1", []models.DailyAggregate{{Date: d1, Revenue: 1100}}))

	revenue := &gatedRevenueRepo{MemoryRepository: mem, loaded: make(chan struct{}), release: make(chan struct{})}
	s := NewFeedbackService(mem, mem, revenue, time.Second, logging.NewNopLogger())
	s.now = func() time.Time { return feedbackNow }
	var runs atomic.Int32
	s.OnRun(func(string, models.MatchResult, error) { runs.Add(1) })

	s.ScheduleReconciliation("shop-1")
	<-revenue.loaded

	// 実行中に届いた実績は、続けて走る2回目で照合される
	require.NoError(t, mem.UpsertDailyRevenue(ctx, "shop-1", []models.DailyAggregate{{Date: d2, Revenue: 900}}))
	s.ScheduleReconciliation("shop-1")
	s.ScheduleReconciliation("shop-1")
	close(revenue.release)
	s.Wait()

	assert.EqualValues(t, 2, runs.Load())
	resolved, err := mem.ListResolved(ctx, "shop-1")
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
}

func TestAggregateAccuracy_UsesStoredSquaredError(t *testing.T) {
	actual := 100.0
	mae1, mae2 := 10.0, 30.0
	sq1, sq2 := 100.0, 900.0
	resolved := []models.ForecastPrediction{
		{ModelName: "m", ActualRevenue: &actual, MAE: &mae1, SquaredError: &sq1, DayOfWeek: 1, Horizon: 1},
		{ModelName: "m", ActualRevenue: &actual, MAE: &mae2, SquaredError: &sq2, DayOfWeek: 2, Horizon: 1},
	}

	metrics := aggregateAccuracy("", resolved, feedbackNow)
	for _, m := range metrics {
		if m.IsOverall() {
			assert.Equal(t, 20.0, m.MAE)
			assert.Equal(t, 22.36, m.RMSE) // sqrt(500)
			return
		}
	}
	t.Fatal("overall row missing")
}
