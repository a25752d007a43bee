package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/app"
	"revenue-forecast-api/pkg/cache"
	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/logging"
	"revenue-forecast-api/pkg/models"
)

func TestMain(m *testing.M) {
	// テスト環境の設定
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestApp(t *testing.T, apiKey string) (*app.App, http.Handler) {
	t.Helper()
	cfg := config.LoadConfig()
	cfg.APIKey = apiKey
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.AzureOpenAIEndpoint = ""
	cfg.AzureOpenAIAPIKey = ""
	cfg.Feedback.Interval = 0
	cfg.Cache.PollInterval = 10 * time.Millisecond
	// 外部の気象APIには出ない。404 はリトライされずに中立値へ落ちる
	weather := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(weather.Close)
	cfg.Signals.OpenMeteoArchive = weather.URL
	cfg.Signals.OpenMeteoForecast = weather.URL

	a, err := app.New(context.Background(), cfg, logging.NewNopLogger(), app.Storage{
		Repository: database.NewMemoryRepository(),
		Store:      cache.NewMemoryStore(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	return a, a.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func revenueRecords(days int) []map[string]interface{} {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	records := make([]map[string]interface{}, 0, days)
	for i := days; i >= 1; i-- {
		d := today.AddDate(0, 0, -i)
		revenue := 1000.0
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			revenue = 1500
		}
		records = append(records, map[string]interface{}{
			"date":    d.Format(models.DateLayout),
			"revenue": revenue + float64(i%3)*10,
		})
	}
	return records
}

func TestRouterSetup(t *testing.T) {
	_, h := newTestApp(t, "")

	w := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "revenue_forecast_predictor_requests_total")

	w = do(t, h, http.MethodGet, "/api/v1/predictor/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":false`)
}

func TestAPIKeyRequired(t *testing.T) {
	_, h := newTestApp(t, "secret")

	w := do(t, h, http.MethodGet, "/api/v1/predictor/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/predictor/metrics", nil, "X-API-KEY", "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	// ヘルスチェックは認証不要
	w = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestForecastLifecycle(t *testing.T) {
	a, h := newTestApp(t, "")

	w := do(t, h, http.MethodPost, "/api/v1/revenue/shop-1/daily", map[string]interface{}{"records": revenueRecords(42)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop-1?horizon=5", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first struct {
		Cached   bool                  `json:"cached"`
		Forecast models.ForecastResult `json:"forecast"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.Cached)
	assert.Len(t, first.Forecast.Points, 5)
	assert.Equal(t, models.TierBase, first.Forecast.Tier)
	assert.NotEmpty(t, first.Forecast.Successful)

	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop-1?horizon=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cached":true`)

	// enhanced は 202 で受け付け、ポーリングで完了を確認する
	w = do(t, h, http.MethodPost, "/api/v1/forecast/shop-1/enhanced?horizon=5", nil)
	assert.Contains(t, []int{http.StatusAccepted, http.StatusOK}, w.Code)
	a.Forecasts.Wait()

	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop-1/enhanced/status?horizon=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view models.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, models.StatusCompleted, view.Status)
	assert.NotEmpty(t, view.Data)

	w = do(t, h, http.MethodDelete, "/api/v1/forecast/shop-1/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":2`)

	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop-1/enhanced/status?horizon=5", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForecastValidation(t *testing.T) {
	_, h := newTestApp(t, "")

	w := do(t, h, http.MethodGet, "/api/v1/forecast/shop-1?horizon=99", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/forecast/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// キャッシュキーの区切りやglob文字を含むキーは受け付けない
	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop:1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodDelete, "/api/v1/forecast/shop*/cache", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/api/v1/revenue/shop:1/daily", map[string]interface{}{"records": revenueRecords(3)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeedbackMatchAndAccuracy(t *testing.T) {
	a, h := newTestApp(t, "")

	w := do(t, h, http.MethodPost, "/api/v1/revenue/shop-2/daily", map[string]interface{}{"records": revenueRecords(30)})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/api/v1/forecast/shop-2?horizon=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	a.Feedback.Wait()

	tomorrow := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
	actuals := []map[string]interface{}{{"date": tomorrow.Format(models.DateLayout), "revenue": 1200}}

	// 予測対象日が未来なので照合対象にならない
	w = do(t, h, http.MethodPost, "/api/v1/feedback/shop-2/match", map[string]interface{}{"actuals": actuals})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"matched":0,"updated":0,"errors":0}`, w.Body.String())

	// 負の実績売上は受け付けない
	negative := []map[string]interface{}{{"date": tomorrow.Format(models.DateLayout), "revenue": -1000}}
	w = do(t, h, http.MethodPost, "/api/v1/feedback/shop-2/match", map[string]interface{}{"actuals": negative})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/feedback/accuracy?dataset_key=shop-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(t, h, http.MethodGet, "/api/v1/feedback/accuracy/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", w.Header().Get("Content-Type"))
	assert.Equal(t, "PK", string(w.Body.Bytes()[:2]))
}

func TestMaintenanceMode(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD", "pw")
	_, h := newTestApp(t, "")

	creds := map[string]string{"username": "admin", "password": "pw"}
	w := do(t, h, http.MethodPost, "/api/v1/admin/maintenance/start", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/admin/maintenance/start", creds)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/v1/forecast/shop-1", nil).Code)
	// 管理APIとモニタリングは止めない
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/monitoring/logs?period=1h", nil).Code)

	w = do(t, h, http.MethodPost, "/api/v1/admin/maintenance/stop", creds)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestExchangeRateImport(t *testing.T) {
	_, h := newTestApp(t, "")

	csvText := "Date,Close\n2024-01-01,90.5\n2024-01-03,91.0\n"
	w := do(t, h, http.MethodPost, "/api/v1/signals/exchange-rate/import", map[string]string{"csv_text": csvText})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/v1/signals/exchange-rate?from=2024-01-01&to=2024-01-04", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Series []struct {
			Date  string  `json:"date"`
			Value float64 `json:"value"`
		} `json:"series"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Series, 4)
	assert.Equal(t, 90.5, body.Series[1].Value, "forward filled")
	assert.Equal(t, 91.0, body.Series[3].Value)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/signals?from=%s&to=%s", "2024-01-01", "2024-01-02"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"exchange_rate":90.5`)
}
