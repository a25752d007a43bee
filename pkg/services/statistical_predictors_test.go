package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revenue-forecast-api/pkg/models"
)

func TestWeekdayTrendStrategy(t *testing.T) {
	// 3週間ちょうどなので前後1/3の平均が等しくトレンドは0
	req := buildRequest(t, 21, 7)
	values, err := NewWeekdayTrendStrategy().Predict(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, values, 7)

	for i, f := range req.Future {
		want := 1000.0
		if f.IsWeekend {
			want = 1500
		}
		assert.InDelta(t, want, values[i], 1e-6, f.Date.Format(models.DateLayout))
	}
}

func TestWeekdayTrendStrategy_FollowsTrend(t *testing.T) {
	fb := NewFeatureBuilder()
	history, err := fb.Build(series(28, func(i int, _ time.Time) float64 { return 1000 + 20*float64(i) }), nil)
	require.NoError(t, err)
	req := models.ForecastRequest{History: history, Future: fb.BuildFuture(history, 8, nil)}

	values, err := NewWeekdayTrendStrategy().Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, values[7], values[0], "same weekday one week later")
}

func TestWeekdayTrendStrategy_InsufficientHistory(t *testing.T) {
	_, err := NewWeekdayTrendStrategy().Predict(context.Background(), buildRequest(t, 10, 3))
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipInsufficientData, skip.Kind)
}

func TestSeasonalNaiveStrategy(t *testing.T) {
	req := buildRequest(t, 35, 7)
	// 4週間より前の値は使わない
	req.History[0].Revenue = 99999

	values, err := NewSeasonalNaiveStrategy().Predict(context.Background(), req)
	require.NoError(t, err)
	for i, f := range req.Future {
		want := 1000.0
		if f.IsWeekend {
			want = 1500
		}
		assert.Equal(t, want, values[i])
	}

	_, err = NewSeasonalNaiveStrategy().Predict(context.Background(), buildRequest(t, 6, 1))
	assert.Error(t, err)
}

func TestTemperatureRegressionStrategy(t *testing.T) {
	fb := NewFeatureBuilder()
	aggs := series(14, func(i int, _ time.Time) float64 { return 500 + 50*float64(i%5) })
	signals := SignalMap{}
	for i, a := range aggs {
		temp := 10 + float64(i%5)
		signals[a.Date.Format(models.DateLayout)] = models.ExternalSignals{Temperature: &temp}
	}
	history, err := fb.Build(aggs, signals)
	require.NoError(t, err)

	future := fb.BuildFuture(history, 2, nil)
	warm := 20.0
	future[1].Temperature = warm
	values, err := NewTemperatureRegressionStrategy().Predict(context.Background(), models.ForecastRequest{History: history, Future: future})
	require.NoError(t, err)
	require.Len(t, values, 2)
	for _, v := range values {
		assert.Greater(t, v, 0.0)
	}
}

func TestTemperatureRegressionStrategy_ConstantTemperatureSkips(t *testing.T) {
	// 気温がすべて中立値だと回帰できない
	_, err := NewTemperatureRegressionStrategy().Predict(context.Background(), buildRequest(t, 14, 2))
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipInsufficientData, skip.Kind)
}

func TestPerformLinearRegression(t *testing.T) {
	r, err := PerformLinearRegression([]float64{1, 2, 3, 4}, []float64{3, 5, 7, 9})
	require.NoError(t, err)
	assert.InDelta(t, 2, r.Slope, 1e-9)
	assert.InDelta(t, 1, r.Intercept, 1e-9)
	assert.InDelta(t, 1, r.RSquared, 1e-9)

	_, err = PerformLinearRegression([]float64{1}, []float64{1})
	assert.Error(t, err)
	_, err = PerformLinearRegression([]float64{2, 2}, []float64{1, 3})
	assert.Error(t, err)
}

func TestFallbackPrediction(t *testing.T) {
	req := buildRequest(t, 14, 7)
	overall := (10*1000.0 + 4*1500) / 14

	monday := req.Future[0]
	require.Equal(t, int(time.Monday), monday.DayOfWeek)
	assert.InDelta(t, 0.7*1000+0.3*overall, FallbackPrediction(req.History, monday), 1e-9)

	assert.Zero(t, FallbackPrediction(nil, monday))

	short := req.History[:3] // 月火水のみ
	sunday := req.Future[6]
	assert.InDelta(t, 1000, FallbackPrediction(short, sunday), 1e-9)

	zeros := buildRequest(t, 14, 1)
	for i := range zeros.History {
		zeros.History[i].Revenue = 0
	}
	assert.Zero(t, FallbackPrediction(zeros.History, zeros.Future[0]))
}

func TestCalculateMedian(t *testing.T) {
	assert.Equal(t, 2.5, calculateMedian([]float64{4, 1, 3, 2}))
	assert.Equal(t, 3.0, calculateMedian([]float64{5, 3, 1}))
	assert.Zero(t, calculateMedian(nil))
}
