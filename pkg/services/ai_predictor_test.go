package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/logging"
	"revenue-forecast-api/pkg/models"
)

func newTestPredictor(t *testing.T, client CompletionClient, cfg AIPredictorConfig) (*AIPredictor, *fakeTimer) {
	t.Helper()
	prompts, err := config.LoadPredictorPrompts("")
	require.NoError(t, err)

	p := NewAIPredictor(client, cfg, prompts, nil, logging.NewNopLogger())
	timer := newFakeTimer()
	p.timer = timer
	return p, timer
}

func expectedFallbacks(req models.ForecastRequest) []float64 {
	out := make([]float64, len(req.Future))
	for i, f := range req.Future {
		out[i] = FallbackPrediction(req.History, f)
	}
	return out
}

func TestAIPredictor_NoCredentialsFallsBack(t *testing.T) {
	client := &fakeCompletion{configured: false}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 28, 7)

	res := p.PredictDetailed(context.Background(), req)

	require.Len(t, res.Values, 7)
	assert.Equal(t, expectedFallbacks(req), res.Values)
	assert.Equal(t, 7, res.FallbackCount())
	assert.Zero(t, client.callCount())
	assert.Zero(t, p.Metrics().TotalRequests)
	assert.False(t, p.IsAvailable())
}

func TestAIPredictor_DisabledIsUnavailable(t *testing.T) {
	cfg := DefaultAIPredictorConfig()
	cfg.Enabled = false
	p, _ := newTestPredictor(t, &fakeCompletion{configured: true}, cfg)

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, p.Availability(), &cfgErr)
}

func TestAIPredictor_BatchesRespectConcurrencyLimit(t *testing.T) {
	client := &fakeCompletion{configured: true, delay: 5 * time.Millisecond}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())

	var mu sync.Mutex
	var batches []int
	p.batchHook = func(size int) {
		mu.Lock()
		batches = append(batches, size)
		mu.Unlock()
	}

	req := buildRequest(t, 28, 10)
	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, []int{3, 3, 3, 1}, batches)
	assert.LessOrEqual(t, client.maxInFlight, 3)
	assert.Equal(t, 10, client.callCount())
	for i, v := range res.Values {
		assert.Equal(t, 1234.0, v)
		assert.Equal(t, PointSuccess, res.Sources[i])
	}

	m := p.Metrics()
	assert.EqualValues(t, 10, m.TotalRequests)
	assert.EqualValues(t, 10, m.SuccessfulRequests)
	assert.Equal(t, 1.0, m.SuccessRate)
}

func TestAIPredictor_RetriesTransientErrorsWithBackoff(t *testing.T) {
	client := &fakeCompletion{
		configured: true,
		respond: func(call int) (string, error) {
			if call < 3 {
				return "", &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
			}
			return "Predicted revenue: 1,450", nil
		},
	}
	p, timer := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 28, 1)

	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, []float64{1450}, res.Values)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.recorded())

	m := p.Metrics()
	assert.EqualValues(t, 1, m.TotalRequests, "retries are one logical call")
	assert.EqualValues(t, 1, m.SuccessfulRequests)
}

func TestAIPredictor_RetriesExhaustedFallsBack(t *testing.T) {
	client := &fakeCompletion{
		configured: true,
		respond: func(int) (string, error) {
			return "", errors.New("connection reset by peer")
		},
	}
	p, timer := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 28, 1)

	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, expectedFallbacks(req), res.Values)
	assert.Equal(t, PointFallback, res.Sources[0])
	assert.Equal(t, 3, client.callCount())
	assert.Len(t, timer.recorded(), 2)
	assert.EqualValues(t, 1, p.Metrics().FailedRequests)
}

func TestAIPredictor_FatalErrorIsNotRetried(t *testing.T) {
	client := &fakeCompletion{
		configured: true,
		respond: func(int) (string, error) {
			return "", &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}
		},
	}
	p, timer := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 28, 2)

	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, expectedFallbacks(req), res.Values)
	assert.Equal(t, 2, client.callCount())
	assert.Empty(t, timer.recorded())
}

func TestAIPredictor_UnparseableResponseIsRetried(t *testing.T) {
	client := &fakeCompletion{
		configured: true,
		respond: func(call int) (string, error) {
			if call == 1 {
				return "I cannot say.", nil
			}
			return `{"predicted_revenue": "1 210.5"}`, nil
		},
	}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())

	res := p.PredictDetailed(context.Background(), buildRequest(t, 28, 1))

	assert.Equal(t, []float64{1210.5}, res.Values)
	assert.Equal(t, 2, client.callCount())
}

func TestAIPredictor_TimeoutIsTransient(t *testing.T) {
	client := &fakeCompletion{configured: true, delay: time.Second}
	cfg := DefaultAIPredictorConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	p, _ := newTestPredictor(t, client, cfg)
	req := buildRequest(t, 28, 1)

	start := time.Now()
	res := p.PredictDetailed(context.Background(), req)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, PointFallback, res.Sources[0])
	assert.EqualValues(t, 1, p.Metrics().FailedRequests)
}

func TestAIPredictor_TimeoutIsRetried(t *testing.T) {
	client := &fakeCompletion{configured: true, delay: time.Second, slowCalls: 1}
	cfg := DefaultAIPredictorConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	p, timer := newTestPredictor(t, client, cfg)
	req := buildRequest(t, 28, 1)

	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, PointSuccess, res.Sources[0])
	assert.Equal(t, 1234.0, res.Values[0])
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, []time.Duration{time.Second}, timer.recorded())
	assert.EqualValues(t, 1, p.Metrics().SuccessfulRequests)
	assert.Zero(t, p.Metrics().FailedRequests)
}

func TestAIPredictor_SmallDataGuidance(t *testing.T) {
	for _, tc := range []struct {
		history int
		want    bool
	}{
		{7, true},
		{10, true},
		{13, true},
		{14, false},
		{20, false},
	} {
		client := &fakeCompletion{configured: true}
		p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())

		p.PredictDetailed(context.Background(), buildRequest(t, tc.history, 1))

		prompts := client.prompts()
		require.Len(t, prompts, 1, "history=%d", tc.history)
		assert.Equal(t, tc.want, strings.Contains(prompts[0], "History is short"), "history=%d", tc.history)
		assert.Equal(t, tc.want, strings.Contains(prompts[0], "x1.20 to x1.30"), "history=%d", tc.history)
	}
}

func TestAIPredictor_CalibrationContext(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	monday := int(time.Monday)
	require.NoError(t, repo.ReplaceMetrics(ctx, "shop-1", []models.ModelAccuracyMetric{
		{DatasetKey: "shop-1", ModelName: models.ModelAI, MAPE: 12.5, SampleSize: 30},
		{DatasetKey: "shop-1", ModelName: models.ModelAI, DayOfWeek: &monday, MAPE: 8.4, SampleSize: 5},
	}))
	prompts, err := config.LoadPredictorPrompts("")
	require.NoError(t, err)

	client := &fakeCompletion{configured: true}
	p := NewAIPredictor(client, DefaultAIPredictorConfig(), prompts, repo, logging.NewNopLogger())
	p.timer = newFakeTimer()

	// 28日分の翌日は月曜
	req := buildRequest(t, 28, 1)
	require.Equal(t, int(time.Monday), req.Future[0].DayOfWeek)
	p.PredictDetailed(ctx, req)

	sent := client.prompts()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], prompts.Calibration.Intro)
	assert.Contains(t, sent[0], "- overall: 12.5% over 30 days")
	assert.Contains(t, sent[0], "- Monday: 8.4%")

	// 精度がなければ載せない
	bare := &fakeCompletion{configured: true}
	q, _ := newTestPredictor(t, bare, DefaultAIPredictorConfig())
	q.PredictDetailed(ctx, req)
	assert.NotContains(t, bare.prompts()[0], prompts.Calibration.Intro)
}

func TestAIPredictor_ShortHistorySkipsClient(t *testing.T) {
	client := &fakeCompletion{configured: true}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 5, 3)

	res := p.PredictDetailed(context.Background(), req)

	assert.Zero(t, client.callCount())
	assert.Equal(t, expectedFallbacks(req), res.Values)
	for _, v := range res.Values {
		assert.Greater(t, v, 0.0)
	}
}

func TestAIPredictor_PointCache(t *testing.T) {
	client := &fakeCompletion{configured: true}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())
	req := buildRequest(t, 28, 4)

	p.PredictDetailed(context.Background(), req)
	res := p.PredictDetailed(context.Background(), req)

	assert.Equal(t, 4, client.callCount())
	for _, s := range res.Sources {
		assert.Equal(t, PointCacheHit, s)
	}
	assert.EqualValues(t, 4, p.Metrics().CacheHits)

	// キャッシュを消してもメトリクスは残る
	assert.Equal(t, 4, p.ClearCache())
	m := p.Metrics()
	assert.EqualValues(t, 4, m.TotalRequests)
	assert.EqualValues(t, 4, m.CacheHits)

	p.PredictDetailed(context.Background(), req)
	assert.Equal(t, 8, client.callCount())
}

func TestAIPredictor_CacheEntriesExpire(t *testing.T) {
	client := &fakeCompletion{configured: true}
	p, _ := newTestPredictor(t, client, DefaultAIPredictorConfig())
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	req := buildRequest(t, 28, 1)

	p.PredictDetailed(context.Background(), req)
	now = now.Add(3 * time.Hour)
	p.PredictDetailed(context.Background(), req)

	assert.Equal(t, 2, client.callCount())
}

func TestAIStrategy_Skips(t *testing.T) {
	var skip *SkipError

	p, _ := newTestPredictor(t, &fakeCompletion{configured: false}, DefaultAIPredictorConfig())
	_, err := NewAIStrategy(p).Predict(context.Background(), buildRequest(t, 28, 3))
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipCapabilityUnavailable, skip.Kind)

	p, _ = newTestPredictor(t, &fakeCompletion{configured: true}, DefaultAIPredictorConfig())
	_, err = NewAIStrategy(p).Predict(context.Background(), buildRequest(t, 5, 3))
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipInsufficientData, skip.Kind)

	failing := &fakeCompletion{
		configured: true,
		respond: func(int) (string, error) {
			return "", &openai.APIError{HTTPStatusCode: 404, Message: "deployment not found"}
		},
	}
	p, _ = newTestPredictor(t, failing, DefaultAIPredictorConfig())
	_, err = NewAIStrategy(p).Predict(context.Background(), buildRequest(t, 28, 3))
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipInternalError, skip.Kind)
}

func TestAIStrategy_ReportsPartialFallbacks(t *testing.T) {
	client := &fakeCompletion{
		configured: true,
		respond: func(call int) (string, error) {
			if call == 1 {
				return "", &openai.APIError{HTTPStatusCode: 403, Message: "forbidden"}
			}
			return "1300", nil
		},
	}
	cfg := DefaultAIPredictorConfig()
	cfg.MaxConcurrentRequests = 1
	p, _ := newTestPredictor(t, client, cfg)

	values, fallbacks, err := NewAIStrategy(p).PredictWithFallbacks(context.Background(), buildRequest(t, 28, 3))
	require.NoError(t, err)
	assert.Len(t, values, 3)
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, 1300.0, values[2])
}
