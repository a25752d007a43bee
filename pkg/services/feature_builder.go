package services

import (
	"fmt"
	"math"
	"time"

	"revenue-forecast-api/pkg/models"
)

// 外部シグナル欠落時の中立値
const (
	NeutralTemperature   = 15.0
	NeutralPrecipitation = 0.0
	NeutralExchangeRate  = 1.0
)

// SignalMap 日付（YYYY-MM-DD）ごとの外部シグナル
type SignalMap map[string]models.ExternalSignals

// FeatureBuilder 日次集計と外部シグナルから時系列レコードを作る
type FeatureBuilder struct{}

// NewFeatureBuilder creates a new FeatureBuilder
func NewFeatureBuilder() *FeatureBuilder {
	return &FeatureBuilder{}
}

// Build converts date-ordered aggregates into one TimeSeriesPoint each.
// Missing signals take neutral values; date gaps are kept as they are.
func (fb *FeatureBuilder) Build(aggs []models.DailyAggregate, signals SignalMap) ([]models.TimeSeriesPoint, error) {
	if len(aggs) == 0 {
		return nil, fmt.Errorf("no daily aggregates to build features from")
	}

	points := make([]models.TimeSeriesPoint, 0, len(aggs))
	lastRate := NeutralExchangeRate
	var prev time.Time
	for i, a := range aggs {
		date := day(a.Date)
		if i > 0 && !date.After(prev) {
			return nil, fmt.Errorf("aggregates are not strictly increasing at %s", date.Format(models.DateLayout))
		}
		if math.IsNaN(a.Revenue) || math.IsInf(a.Revenue, 0) {
			return nil, fmt.Errorf("revenue on %s is not finite", date.Format(models.DateLayout))
		}
		prev = date

		p := fb.point(date, signals[date.Format(models.DateLayout)], &lastRate)
		p.Revenue = a.Revenue
		points = append(points, p)
	}
	return points, nil
}

// BuildFuture produces covariate points for the horizon days after the last history point.
func (fb *FeatureBuilder) BuildFuture(history []models.TimeSeriesPoint, horizon int, signals SignalMap) []models.TimeSeriesPoint {
	if len(history) == 0 || horizon <= 0 {
		return nil
	}
	last := history[len(history)-1]
	lastRate := last.ExchangeRate
	if lastRate <= 0 {
		lastRate = NeutralExchangeRate
	}

	future := make([]models.TimeSeriesPoint, 0, horizon)
	for h := 1; h <= horizon; h++ {
		date := day(last.Date).AddDate(0, 0, h)
		future = append(future, fb.point(date, signals[date.Format(models.DateLayout)], &lastRate))
	}
	return future
}

func (fb *FeatureBuilder) point(date time.Time, s models.ExternalSignals, lastRate *float64) models.TimeSeriesPoint {
	dow := int(date.Weekday())
	p := models.TimeSeriesPoint{
		Date:          date,
		DayOfWeek:     dow,
		IsWeekend:     dow == int(time.Saturday) || dow == int(time.Sunday),
		HolidayType:   models.HolidayNone,
		Temperature:   NeutralTemperature,
		Precipitation: NeutralPrecipitation,
		ExchangeRate:  *lastRate,
	}

	if s.Temperature != nil && finite(*s.Temperature) {
		p.Temperature = *s.Temperature
	}
	if s.Precipitation != nil && finite(*s.Precipitation) && *s.Precipitation >= 0 {
		p.Precipitation = *s.Precipitation
	}
	if s.ExchangeRate != nil && finite(*s.ExchangeRate) && *s.ExchangeRate > 0 {
		p.ExchangeRate = *s.ExchangeRate
		*lastRate = *s.ExchangeRate
	}
	if t := models.ParseHolidayType(string(s.HolidayType)); t != models.HolidayNone {
		p.IsHoliday = true
		p.HolidayType = t
	}
	return p
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
