package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"revenue-forecast-api/pkg/logging"
)

const openMeteoBody = `{
  "daily": {
    "time": ["2024-01-01", "2024-01-02", "bad-date"],
    "temperature_2m_max": [-3.456, null, 1],
    "temperature_2m_min": [-10.2, -8, 1],
    "temperature_2m_mean": [-6.789, null, 1],
    "precipitation_sum": [0.4, 1.25, 0],
    "snowfall_sum": [1.1, 0, 0],
    "windspeed_10m_max": [5.55, 4.1, 0]
  }
}`

var testLocation = WeatherLocation{Name: "Lipetsk,RU", Latitude: 52.61, Longitude: 39.594, Timezone: "Europe/Moscow"}

func TestNewWeatherService(t *testing.T) {
	service := NewWeatherService("http://archive", "http://forecast", testLocation, logging.NewNopLogger())

	if service == nil {
		t.Fatal("NewWeatherService() returned nil")
	}
	if service.client == nil {
		t.Fatal("WeatherService client is nil")
	}
	if service.Location().Name != "Lipetsk,RU" {
		t.Errorf("Location().Name = %s, expected Lipetsk,RU", service.Location().Name)
	}
}

func TestFetchArchive(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openMeteoBody))
	}))
	defer srv.Close()

	service := NewWeatherService(srv.URL, srv.URL, testLocation, logging.NewNopLogger())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows, err := service.FetchArchive(context.Background(), start, start.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("FetchArchive() error = %v", err)
	}

	for _, want := range []string{"start_date=2024-01-01", "end_date=2024-01-02", "latitude=52.6100", "wind_speed_unit=ms"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q does not contain %q", query, want)
		}
	}

	// 日付が読めない行は捨てる
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, expected 2", len(rows))
	}
	if rows[0].Location != "Lipetsk,RU" {
		t.Errorf("Location = %s", rows[0].Location)
	}
	if rows[0].TempAvg == nil || *rows[0].TempAvg != -6.79 {
		t.Errorf("TempAvg = %v, expected -6.79", rows[0].TempAvg)
	}
	if rows[0].TempMax == nil || *rows[0].TempMax != -3.46 {
		t.Errorf("TempMax = %v, expected -3.46", rows[0].TempMax)
	}
	if rows[1].TempAvg != nil {
		t.Errorf("TempAvg for null value = %v, expected nil", *rows[1].TempAvg)
	}
	if rows[1].Precipitation == nil || *rows[1].Precipitation != 1.25 {
		t.Errorf("Precipitation = %v, expected 1.25", rows[1].Precipitation)
	}
}

func TestFetchArchive_InvalidRange(t *testing.T) {
	service := NewWeatherService("http://127.0.0.1:0", "", testLocation, logging.NewNopLogger())
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if _, err := service.FetchArchive(context.Background(), start, start.AddDate(0, 0, -1)); err == nil {
		t.Error("expected error for start after end")
	}
}

func TestFetchArchive_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(openMeteoBody))
	}))
	defer srv.Close()

	service := NewWeatherService(srv.URL, srv.URL, testLocation, logging.NewNopLogger())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := service.FetchArchive(context.Background(), start, start); err != nil {
		t.Fatalf("FetchArchive() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, expected 2", calls.Load())
	}
}

func TestFetchArchive_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": true, "reason": "Parameter 'start_date' is out of allowed range"}`))
	}))
	defer srv.Close()

	service := NewWeatherService(srv.URL, srv.URL, testLocation, logging.NewNopLogger())
	start := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := service.FetchArchive(context.Background(), start, start)
	if err == nil || !strings.Contains(err.Error(), "out of allowed range") {
		t.Fatalf("error = %v, expected reason from response", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, expected 1", calls.Load())
	}
}

func TestFetchForecast_IsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("forecast_days"); got != "16" {
			t.Errorf("forecast_days = %s, expected 16 (capped)", got)
		}
		w.Write([]byte(openMeteoBody))
	}))
	defer srv.Close()

	service := NewWeatherService(srv.URL, srv.URL, testLocation, logging.NewNopLogger())
	if _, err := service.FetchForecast(context.Background(), 40); err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if _, err := service.FetchForecast(context.Background(), 2); err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, expected 1", calls.Load())
	}
}
