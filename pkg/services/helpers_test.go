package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"revenue-forecast-api/pkg/models"
)

var testStart = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) // 月曜

// series n日分の日次集計を作る。revenue が nil の場合は曜日ごとの固定パターン
func series(n int, revenue func(i int, d time.Time) float64) []models.DailyAggregate {
	if revenue == nil {
		revenue = weekdayPattern
	}
	aggs := make([]models.DailyAggregate, n)
	for i := range aggs {
		d := testStart.AddDate(0, 0, i)
		aggs[i] = models.DailyAggregate{Date: d, Revenue: revenue(i, d)}
	}
	return aggs
}

func weekdayPattern(_ int, d time.Time) float64 {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return 1500
	default:
		return 1000
	}
}

func buildRequest(t *testing.T, historyDays, horizon int) models.ForecastRequest {
	t.Helper()
	fb := NewFeatureBuilder()
	history, err := fb.Build(series(historyDays, nil), nil)
	require.NoError(t, err)
	return models.ForecastRequest{
		DatasetKey: "shop-1",
		History:    history,
		Future:     fb.BuildFuture(history, horizon, nil),
	}
}

// fakeCompletion 呼び出し回数と同時実行数を記録するクライアント
type fakeCompletion struct {
	configured bool
	delay      time.Duration
	slowCalls  int // 0 なら全呼び出しに delay をかける
	respond    func(call int) (string, error)

	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	userPrompts []string
}

func (f *fakeCompletion) Configured() bool { return f.configured }

func (f *fakeCompletion) Complete(ctx context.Context, _, userPrompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.userPrompts = append(f.userPrompts, userPrompt)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 && (f.slowCalls == 0 || call <= f.slowCalls) {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.respond == nil {
		return `{"predicted_revenue": 1234}`, nil
	}
	return f.respond(call)
}

func (f *fakeCompletion) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.userPrompts...)
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTimer 待ち時間を記録し即座に発火する backoff.Timer
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer {
	c := make(chan time.Time)
	close(c)
	return &fakeTimer{c: c}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}
