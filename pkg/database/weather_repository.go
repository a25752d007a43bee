package database

import (
	"context"
	"fmt"
	"time"

	"revenue-forecast-api/pkg/models"
)

// WeatherRepository stores daily weather observations.
type WeatherRepository interface {
	UpsertWeather(ctx context.Context, rows []models.WeatherDaily) (int, error)
	WeatherRange(ctx context.Context, location string, from, to time.Time) ([]models.WeatherDaily, error)
}

// PostgresWeatherRepository handles database operations for analytics.weather_daily.
type PostgresWeatherRepository struct {
	pool DatabasePool
}

// NewWeatherRepository creates a new weather repository.
func NewWeatherRepository(pool DatabasePool) *PostgresWeatherRepository {
	return &PostgresWeatherRepository{pool: pool}
}

// UpsertWeather writes rows, replacing existing values for the same location and date.
func (r *PostgresWeatherRepository) UpsertWeather(ctx context.Context, rows []models.WeatherDaily) (int, error) {
	query := `
		INSERT INTO analytics.weather_daily
			(weather_date, location, temp_min_c, temp_max_c, temp_avg_c, precipitation_mm, snowfall_cm, wind_max_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location, weather_date) DO UPDATE SET
			temp_min_c = EXCLUDED.temp_min_c,
			temp_max_c = EXCLUDED.temp_max_c,
			temp_avg_c = EXCLUDED.temp_avg_c,
			precipitation_mm = EXCLUDED.precipitation_mm,
			snowfall_cm = EXCLUDED.snowfall_cm,
			wind_max_ms = EXCLUDED.wind_max_ms,
			updated_at = now()`

	n := 0
	for _, w := range rows {
		if _, err := r.pool.Exec(ctx, query,
			w.Date, w.Location, w.TempMin, w.TempMax, w.TempAvg, w.Precipitation, w.Snowfall, w.WindMax,
		); err != nil {
			return n, fmt.Errorf("failed to upsert weather for %s: %w", w.Date.Format(models.DateLayout), err)
		}
		n++
	}
	return n, nil
}

// WeatherRange returns observations in [from, to] ordered by date.
func (r *PostgresWeatherRepository) WeatherRange(ctx context.Context, location string, from, to time.Time) ([]models.WeatherDaily, error) {
	query := `
		SELECT weather_date, location, temp_min_c, temp_max_c, temp_avg_c, precipitation_mm, snowfall_cm, wind_max_ms
		FROM analytics.weather_daily
		WHERE location = $1 AND weather_date BETWEEN $2 AND $3
		ORDER BY weather_date`

	rows, err := r.pool.Query(ctx, query, location, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query weather: %w", err)
	}
	defer rows.Close()

	var out []models.WeatherDaily
	for rows.Next() {
		var w models.WeatherDaily
		if err := rows.Scan(&w.Date, &w.Location, &w.TempMin, &w.TempMax, &w.TempAvg,
			&w.Precipitation, &w.Snowfall, &w.WindMax); err != nil {
			return nil, fmt.Errorf("failed to scan weather: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weather: %w", err)
	}
	return out, nil
}
