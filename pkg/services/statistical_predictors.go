package services

import (
	"context"
	"time"

	"revenue-forecast-api/pkg/models"
)

// WeekdayTrendStrategy 全体平均 × 曜日効果 + 線形トレンド
type WeekdayTrendStrategy struct {
	MinHistory int
}

// NewWeekdayTrendStrategy creates the weekday effect + trend strategy
func NewWeekdayTrendStrategy() *WeekdayTrendStrategy {
	return &WeekdayTrendStrategy{MinHistory: 14}
}

func (s *WeekdayTrendStrategy) Name() string { return models.ModelWeekdayTrend }

func (s *WeekdayTrendStrategy) Predict(_ context.Context, req models.ForecastRequest) ([]float64, error) {
	if len(req.History) < s.MinHistory {
		return nil, insufficient(len(req.History), s.MinHistory)
	}

	mean := calculateMean(revenues(req.History))
	effect := weekdayEffect(req.History)
	trend := calculateTrend(req.History)
	last := req.History[len(req.History)-1].Date

	out := make([]float64, len(req.Future))
	for i, f := range req.Future {
		value := mean
		if e, ok := effect[f.DayOfWeek]; ok {
			value *= e
		}
		value += trend * daysBetween(last, f.Date)
		out[i] = sanitize(value)
	}
	return out, nil
}

// SeasonalNaiveStrategy 直近4週間の同じ曜日の平均
type SeasonalNaiveStrategy struct {
	MinHistory int
	Weeks      int
}

// NewSeasonalNaiveStrategy creates the seasonal naive strategy
func NewSeasonalNaiveStrategy() *SeasonalNaiveStrategy {
	return &SeasonalNaiveStrategy{MinHistory: 7, Weeks: 4}
}

func (s *SeasonalNaiveStrategy) Name() string { return models.ModelSeasonalNaive }

func (s *SeasonalNaiveStrategy) Predict(_ context.Context, req models.ForecastRequest) ([]float64, error) {
	if len(req.History) < s.MinHistory {
		return nil, insufficient(len(req.History), s.MinHistory)
	}

	last := req.History[len(req.History)-1].Date
	cutoff := last.AddDate(0, 0, -7*s.Weeks)
	byDay := make(map[int][]float64)
	var recent []float64
	for _, p := range req.History {
		if !p.Date.After(cutoff) {
			continue
		}
		byDay[p.DayOfWeek] = append(byDay[p.DayOfWeek], p.Revenue)
		recent = append(recent, p.Revenue)
	}

	out := make([]float64, len(req.Future))
	for i, f := range req.Future {
		if values := byDay[f.DayOfWeek]; len(values) > 0 {
			out[i] = sanitize(calculateMean(values))
			continue
		}
		out[i] = sanitize(calculateMean(recent))
	}
	return out, nil
}

// TemperatureRegressionStrategy 気温に対する売上の線形回帰に曜日効果を掛ける
type TemperatureRegressionStrategy struct {
	MinHistory int
}

// NewTemperatureRegressionStrategy creates the temperature regression strategy
func NewTemperatureRegressionStrategy() *TemperatureRegressionStrategy {
	return &TemperatureRegressionStrategy{MinHistory: 10}
}

func (s *TemperatureRegressionStrategy) Name() string { return models.ModelTemperatureRegression }

func (s *TemperatureRegressionStrategy) Predict(_ context.Context, req models.ForecastRequest) ([]float64, error) {
	if len(req.History) < s.MinHistory {
		return nil, insufficient(len(req.History), s.MinHistory)
	}

	temps := make([]float64, len(req.History))
	for i, p := range req.History {
		temps[i] = p.Temperature
	}
	regression, err := PerformLinearRegression(temps, revenues(req.History))
	if err != nil {
		return nil, &SkipError{Kind: SkipInsufficientData, Detail: err.Error()}
	}

	effect := weekdayEffect(req.History)
	out := make([]float64, len(req.Future))
	for i, f := range req.Future {
		value := regression.Slope*f.Temperature + regression.Intercept
		if e, ok := effect[f.DayOfWeek]; ok {
			value *= e
		}
		out[i] = sanitize(value)
	}
	return out, nil
}

// weekdayEffect 曜日効果を計算（全体平均に対する比率）
func weekdayEffect(history []models.TimeSeriesPoint) map[int]float64 {
	byDay := make(map[int][]float64)
	for _, p := range history {
		byDay[p.DayOfWeek] = append(byDay[p.DayOfWeek], p.Revenue)
	}

	overall := calculateMean(revenues(history))
	effect := make(map[int]float64, len(byDay))
	if overall <= 0 {
		return effect
	}
	for dow, values := range byDay {
		effect[dow] = calculateMean(values) / overall // 1.0が平均
	}
	return effect
}

// calculateTrend 単純なトレンドを計算（1日あたりの変化量）
// 最初の1/3と最後の1/3の平均を比較する
func calculateTrend(history []models.TimeSeriesPoint) float64 {
	n := len(history)
	third := n / 3
	if third == 0 {
		return 0
	}

	var earlySum, lateSum float64
	for i := 0; i < third; i++ {
		earlySum += history[i].Revenue
	}
	for i := n - third; i < n; i++ {
		lateSum += history[i].Revenue
	}

	earlyAvg := earlySum / float64(third)
	lateAvg := lateSum / float64(third)
	return (lateAvg - earlyAvg) / float64(n-third)
}

func daysBetween(from, to time.Time) float64 {
	return float64(day(to).Sub(day(from)).Hours() / 24)
}
