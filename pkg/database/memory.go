package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"revenue-forecast-api/pkg/models"
)

// MemoryRepository implements every repository in process memory.
// It is used when DATABASE_URL is not configured, and in tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	revenue     map[string]map[string]models.DailyAggregate // dataset -> date -> aggregate
	weather     map[string]map[string]models.WeatherDaily   // location -> date -> row
	predictions map[string]*models.ForecastPrediction       // id -> prediction
	naturalKeys map[string]string                           // dataset|model|forecast|actual -> id
	accuracy    map[string]map[string]models.ModelAccuracyMetric
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		revenue:     make(map[string]map[string]models.DailyAggregate),
		weather:     make(map[string]map[string]models.WeatherDaily),
		predictions: make(map[string]*models.ForecastPrediction),
		naturalKeys: make(map[string]string),
		accuracy:    make(map[string]map[string]models.ModelAccuracyMetric),
	}
}

var (
	_ PredictionRepository = (*MemoryRepository)(nil)
	_ AccuracyRepository   = (*MemoryRepository)(nil)
	_ RevenueRepository    = (*MemoryRepository)(nil)
	_ WeatherRepository    = (*MemoryRepository)(nil)
)

func dateKey(t time.Time) string { return t.Format(models.DateLayout) }

func inRange(t, from, to time.Time) bool {
	d := dateKey(t)
	return d >= dateKey(from) && d <= dateKey(to)
}

// DailyRevenue returns aggregates in [from, to] ordered by date.
func (m *MemoryRepository) DailyRevenue(_ context.Context, datasetKey string, from, to time.Time) ([]models.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.DailyAggregate
	for _, a := range m.revenue[datasetKey] {
		if inRange(a.Date, from, to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// UpsertDailyRevenue inserts or replaces aggregates by date.
func (m *MemoryRepository) UpsertDailyRevenue(_ context.Context, datasetKey string, aggs []models.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	days, ok := m.revenue[datasetKey]
	if !ok {
		days = make(map[string]models.DailyAggregate)
		m.revenue[datasetKey] = days
	}
	for _, a := range aggs {
		days[dateKey(a.Date)] = a
	}
	return nil
}

// ListDatasets returns every dataset key with revenue data.
func (m *MemoryRepository) ListDatasets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.revenue))
	for k := range m.revenue {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// UpsertWeather writes rows keyed by location and date.
func (m *MemoryRepository) UpsertWeather(_ context.Context, rows []models.WeatherDaily) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range rows {
		days, ok := m.weather[w.Location]
		if !ok {
			days = make(map[string]models.WeatherDaily)
			m.weather[w.Location] = days
		}
		days[dateKey(w.Date)] = w
	}
	return len(rows), nil
}

// WeatherRange returns observations in [from, to] ordered by date.
func (m *MemoryRepository) WeatherRange(_ context.Context, location string, from, to time.Time) ([]models.WeatherDaily, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.WeatherDaily
	for _, w := range m.weather[location] {
		if inRange(w.Date, from, to) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func naturalKey(p models.ForecastPrediction) string {
	return p.DatasetKey + "|" + p.ModelName + "|" + dateKey(p.ForecastDate) + "|" + dateKey(p.ActualDate)
}

// SavePredictions upserts by (dataset, model, forecast date, actual date).
func (m *MemoryRepository) SavePredictions(_ context.Context, preds []models.ForecastPrediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range preds {
		nk := naturalKey(p)
		if id, ok := m.naturalKeys[nk]; ok {
			existing := m.predictions[id]
			if existing.ActualRevenue == nil {
				existing.PredictedRevenue = p.PredictedRevenue
				existing.Factors = p.Factors
			}
			continue
		}
		stored := p
		m.predictions[p.ID] = &stored
		m.naturalKeys[nk] = p.ID
	}
	return nil
}

// ListUnresolved returns predictions awaiting an actual value.
func (m *MemoryRepository) ListUnresolved(_ context.Context, datasetKey string, asOf time.Time) ([]models.ForecastPrediction, error) {
	return m.filterPredictions(func(p *models.ForecastPrediction) bool {
		return p.DatasetKey == datasetKey && p.ActualRevenue == nil && dateKey(p.ActualDate) <= dateKey(asOf)
	}), nil
}

// ResolveActual performs the one-time nil -> value transition.
func (m *MemoryRepository) ResolveActual(_ context.Context, id string, outcome models.PredictionOutcome, matchedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.predictions[id]
	if !ok || p.ActualRevenue != nil {
		return false, nil
	}
	actual, mape, mae, rmse, sq := outcome.ActualRevenue, outcome.MAPE, outcome.MAE, outcome.RMSE, outcome.SquaredError
	p.ActualRevenue = &actual
	p.MAPE = &mape
	p.MAE = &mae
	p.RMSE = &rmse
	p.SquaredError = &sq
	matched := matchedAt
	p.MatchedAt = &matched
	return true, nil
}

// ListResolved returns predictions that carry an actual value.
func (m *MemoryRepository) ListResolved(_ context.Context, datasetKey string) ([]models.ForecastPrediction, error) {
	return m.filterPredictions(func(p *models.ForecastPrediction) bool {
		return p.ActualRevenue != nil && (datasetKey == "" || p.DatasetKey == datasetKey)
	}), nil
}

func (m *MemoryRepository) filterPredictions(keep func(*models.ForecastPrediction) bool) []models.ForecastPrediction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ForecastPrediction
	for _, p := range m.predictions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelName != out[j].ModelName {
			return out[i].ModelName < out[j].ModelName
		}
		if !out[i].ActualDate.Equal(out[j].ActualDate) {
			return out[i].ActualDate.Before(out[j].ActualDate)
		}
		return out[i].ForecastDate.Before(out[j].ForecastDate)
	})
	return out
}

// ReplaceMetrics makes the stored rows of datasetKey equal to metrics.
func (m *MemoryRepository) ReplaceMetrics(_ context.Context, datasetKey string, metrics []models.ModelAccuracyMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.accuracy[datasetKey]
	next := make(map[string]models.ModelAccuracyMetric, len(metrics))
	for _, metric := range metrics {
		metric.DatasetKey = datasetKey
		if old, ok := previous[metric.GroupKey()]; ok && old.SameValues(metric) {
			next[metric.GroupKey()] = old
			continue
		}
		next[metric.GroupKey()] = metric
	}
	m.accuracy[datasetKey] = next
	return nil
}

// ListMetrics returns rows for datasetKey, optionally filtered by model.
func (m *MemoryRepository) ListMetrics(_ context.Context, datasetKey, modelName string) ([]models.ModelAccuracyMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ModelAccuracyMetric
	for _, metric := range m.accuracy[datasetKey] {
		if modelName == "" || metric.ModelName == modelName {
			out = append(out, metric)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey() < out[j].GroupKey() })
	return out, nil
}
