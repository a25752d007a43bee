package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/models"
)

// WeatherLocation 観測地点
type WeatherLocation struct {
	Name      string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// WeatherService 気象データサービス（Open-Meteo）
type WeatherService struct {
	client      *http.Client
	archiveURL  string
	forecastURL string
	location    WeatherLocation
	logger      *logrus.Logger

	mu            sync.RWMutex
	forecastCache []models.WeatherDaily
	forecastAt    time.Time
	forecastTTL   time.Duration
}

// NewWeatherService 新しい気象データサービスを作成
func NewWeatherService(archiveURL, forecastURL string, location WeatherLocation, logger *logrus.Logger) *WeatherService {
	return &WeatherService{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		archiveURL:  archiveURL,
		forecastURL: forecastURL,
		location:    location,
		logger:      logger,
		forecastTTL: time.Hour,
	}
}

// Location 設定された観測地点
func (ws *WeatherService) Location() WeatherLocation {
	return ws.location
}

// openMeteoDaily Open-Meteo の daily レスポンス
type openMeteoDaily struct {
	Daily struct {
		Time             []string   `json:"time"`
		TemperatureMax   []*float64 `json:"temperature_2m_max"`
		TemperatureMin   []*float64 `json:"temperature_2m_min"`
		TemperatureMean  []*float64 `json:"temperature_2m_mean"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
		SnowfallSum      []*float64 `json:"snowfall_sum"`
		WindSpeedMax     []*float64 `json:"windspeed_10m_max"`
	} `json:"daily"`
	Reason string `json:"reason"`
}

const openMeteoDailyFields = "temperature_2m_max,temperature_2m_min,temperature_2m_mean,precipitation_sum,snowfall_sum,windspeed_10m_max"

// FetchArchive 過去の日次気象データを取得（ERA5）
func (ws *WeatherService) FetchArchive(ctx context.Context, start, end time.Time) ([]models.WeatherDaily, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", start.Format(models.DateLayout), end.Format(models.DateLayout))
	}

	q := ws.baseQuery()
	q.Set("start_date", start.Format(models.DateLayout))
	q.Set("end_date", end.Format(models.DateLayout))
	return ws.fetch(ctx, ws.archiveURL, q)
}

// FetchForecast 今後の日次予報を取得（1時間キャッシュ）
func (ws *WeatherService) FetchForecast(ctx context.Context, days int) ([]models.WeatherDaily, error) {
	ws.mu.RLock()
	if ws.forecastCache != nil && time.Since(ws.forecastAt) < ws.forecastTTL && len(ws.forecastCache) >= days {
		cached := ws.forecastCache
		ws.mu.RUnlock()
		return cached, nil
	}
	ws.mu.RUnlock()

	if days < 1 {
		days = 1
	}
	if days > 16 {
		days = 16
	}
	q := ws.baseQuery()
	q.Set("forecast_days", fmt.Sprintf("%d", days))

	rows, err := ws.fetch(ctx, ws.forecastURL, q)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	ws.forecastCache = rows
	ws.forecastAt = time.Now()
	ws.mu.Unlock()
	return rows, nil
}

func (ws *WeatherService) baseQuery() url.Values {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", ws.location.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", ws.location.Longitude))
	q.Set("daily", openMeteoDailyFields)
	q.Set("wind_speed_unit", "ms")
	q.Set("timezone", ws.location.Timezone)
	return q
}

func (ws *WeatherService) fetch(ctx context.Context, endpoint string, q url.Values) ([]models.WeatherDaily, error) {
	reqURL := endpoint + "?" + q.Encode()

	operation := func() (*openMeteoDaily, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := ws.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("open-meteo status %d", resp.StatusCode)
		}
		var payload openMeteoDaily
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("open-meteo response: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("open-meteo status %d: %s", resp.StatusCode, payload.Reason))
		}
		return &payload, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 20 * time.Second

	payload, err := backoff.RetryWithData(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
	if err != nil {
		return nil, fmt.Errorf("気象データ取得エラー: %w", err)
	}

	rows := ws.convert(payload)
	ws.logger.WithFields(logrus.Fields{
		"location": ws.location.Name,
		"days":     len(rows),
	}).Debug("weather fetched")
	return rows, nil
}

func (ws *WeatherService) convert(p *openMeteoDaily) []models.WeatherDaily {
	d := p.Daily
	rows := make([]models.WeatherDaily, 0, len(d.Time))
	for i, ts := range d.Time {
		date, err := time.Parse(models.DateLayout, ts)
		if err != nil {
			continue
		}
		rows = append(rows, models.WeatherDaily{
			Date:          date,
			Location:      ws.location.Name,
			TempMax:       round2(at(d.TemperatureMax, i)),
			TempMin:       round2(at(d.TemperatureMin, i)),
			TempAvg:       round2(at(d.TemperatureMean, i)),
			Precipitation: round2(at(d.PrecipitationSum, i)),
			Snowfall:      round2(at(d.SnowfallSum, i)),
			WindMax:       round2(at(d.WindSpeedMax, i)),
		})
	}
	return rows
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := decimal.NewFromFloat(*v).Round(2).InexactFloat64()
	return &r
}
