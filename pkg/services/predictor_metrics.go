package services

import (
	"sync"
	"time"
)

const defaultResponseTimeSamples = 100

// PredictorMetrics 外部予測器のプロセス存続期間のカウンタ
// キャッシュクリアでは初期化されない
type PredictorMetrics struct {
	mu                 sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	cacheHits          int64

	responseTimes []time.Duration // リングバッファ
	next          int
	filled        bool
}

// PredictorMetricsSnapshot is a point-in-time copy of PredictorMetrics
type PredictorMetricsSnapshot struct {
	TotalRequests         int64     `json:"total_requests"`
	SuccessfulRequests    int64     `json:"successful_requests"`
	FailedRequests        int64     `json:"failed_requests"`
	CacheHits             int64     `json:"cache_hits"`
	RecentResponseTimesMs []float64 `json:"recent_response_times_ms"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	SuccessRate           float64   `json:"success_rate"`
}

// NewPredictorMetrics creates metrics keeping at most samples response times
func NewPredictorMetrics(samples int) *PredictorMetrics {
	if samples <= 0 {
		samples = defaultResponseTimeSamples
	}
	return &PredictorMetrics{responseTimes: make([]time.Duration, samples)}
}

// RecordCall 1回の呼び出しの最終結果を記録（リトライは含まない）
func (m *PredictorMetrics) RecordCall(elapsed time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if success {
		m.successfulRequests++
	} else {
		m.failedRequests++
	}

	m.responseTimes[m.next] = elapsed
	m.next = (m.next + 1) % len(m.responseTimes)
	if m.next == 0 {
		m.filled = true
	}
}

// RecordCacheHit キャッシュヒットを記録
func (m *PredictorMetrics) RecordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

// Snapshot 現在の値をコピーして返す（古い順）
func (m *PredictorMetrics) Snapshot() PredictorMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ordered []time.Duration
	if m.filled {
		ordered = append(ordered, m.responseTimes[m.next:]...)
	}
	ordered = append(ordered, m.responseTimes[:m.next]...)

	s := PredictorMetricsSnapshot{
		TotalRequests:         m.totalRequests,
		SuccessfulRequests:    m.successfulRequests,
		FailedRequests:        m.failedRequests,
		CacheHits:             m.cacheHits,
		RecentResponseTimesMs: make([]float64, len(ordered)),
	}
	var sum float64
	for i, d := range ordered {
		ms := float64(d) / float64(time.Millisecond)
		s.RecentResponseTimesMs[i] = ms
		sum += ms
	}
	if len(ordered) > 0 {
		s.AverageResponseTimeMs = sum / float64(len(ordered))
	}
	if m.totalRequests > 0 {
		s.SuccessRate = float64(m.successfulRequests) / float64(m.totalRequests)
	}
	return s
}
