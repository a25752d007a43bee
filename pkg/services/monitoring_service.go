package services

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/models"
)

const maxLogEntries = 10000

// LogEntry は単一のリクエストログを表します。
type LogEntry struct {
	Timestamp    time.Time
	Path         string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
}

// MonitoringService はAPIのモニタリング機能を提供します。
// リクエストログのダッシュボード集計と Prometheus メトリクスを持ちます。
type MonitoringService struct {
	logs     []LogEntry
	mu       sync.RWMutex
	location *time.Location
	logger   *logrus.Logger

	registry         *prometheus.Registry
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	cacheTransitions *prometheus.CounterVec
	feedbackRuns     *prometheus.CounterVec
	feedbackUpdated  prometheus.Counter
}

// NewMonitoringService は新しいMonitoringServiceを生成します。
// timezone はダッシュボードの時間帯バケットに使われます。
func NewMonitoringService(timezone string, logger *logrus.Logger) *MonitoringService {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}

	s := &MonitoringService{
		logs:     make([]LogEntry, 0),
		location: loc,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "revenue_forecast",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revenue_forecast",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		cacheTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revenue_forecast",
			Subsystem: "cache",
			Name:      "status_transitions_total",
			Help:      "Analytics cache status transitions by tier and target status.",
		}, []string{"tier", "status"}),
		feedbackRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revenue_forecast",
			Subsystem: "feedback",
			Name:      "runs_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		feedbackUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revenue_forecast",
			Subsystem: "feedback",
			Name:      "predictions_resolved_total",
			Help:      "Predictions resolved against realized revenue.",
		}),
	}
	s.registry.MustRegister(s.requestDuration, s.requestTotal, s.cacheTransitions, s.feedbackRuns, s.feedbackUpdated)
	return s
}

// RegisterPredictor 外部予測器のカウンタを公開します。
func (s *MonitoringService) RegisterPredictor(snapshot func() PredictorMetricsSnapshot) error {
	return s.registry.Register(newPredictorCollector(snapshot))
}

// ObserveCacheTransition は AnalyticsCache.OnTransition に渡すフックです。
func (s *MonitoringService) ObserveCacheTransition(tier models.CacheTier, status models.CacheStatus) {
	s.cacheTransitions.WithLabelValues(string(tier), string(status)).Inc()
}

// ObserveFeedbackRun は FeedbackService.OnRun に渡すフックです。
func (s *MonitoringService) ObserveFeedbackRun(_ string, result models.MatchResult, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.feedbackRuns.WithLabelValues(outcome).Inc()
	s.feedbackUpdated.Add(float64(result.Updated))
}

// MetricsHandler は Prometheus 形式のメトリクスを返すハンドラです。
func (s *MonitoringService) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// LogRequest はリクエストを記録します。
func (s *MonitoringService) LogRequest(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogEntries {
		s.logs = append([]LogEntry(nil), s.logs[len(s.logs)-maxLogEntries:]...)
	}
}

// LoggingMiddleware はリクエスト情報を記録するGinミドルウェアです。
func (s *MonitoringService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 次のミドルウェア/ハンドラを実行
		c.Next()

		path := c.Request.URL.Path
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		s.requestTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		s.requestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   status,
			"duration": elapsed.String(),
		}).Debug("request")

		// 除外するパスプレフィックス
		if strings.HasPrefix(path, "/api/v1/monitoring") || path == "/metrics" || path == "/health" {
			return
		}

		s.LogRequest(LogEntry{
			Timestamp:    start,
			Path:         path,
			Method:       c.Request.Method,
			StatusCode:   status,
			ResponseTime: elapsed,
		})
	}
}

// DashboardData はダッシュボードに表示するための集計済みデータです。
type DashboardData struct {
	RequestsOverTime []map[string]interface{} `json:"requestsOverTime"`
	Endpoints        map[string]int           `json:"endpoints"`
	StatusCodes      []map[string]interface{} `json:"statusCodes"`
	AvgResponseTimes []map[string]interface{} `json:"avgResponseTimes"`
	RecentErrors     []LogEntry               `json:"recentErrors"`
}

// GetDashboardData は指定された期間のログを集計してダッシュボード用データを返します。
func (s *MonitoringService) GetDashboardData(periodHours int) DashboardData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if periodHours <= 0 {
		periodHours = 24
	}
	now := time.Now().In(s.location)
	since := now.Add(-time.Duration(periodHours) * time.Hour)

	filteredLogs := make([]LogEntry, 0)
	for _, log := range s.logs {
		if log.Timestamp.After(since) {
			filteredLogs = append(filteredLogs, log)
		}
	}

	// requestsOverTime の集計（過去から現在へ）
	requestsOverTime := make([]map[string]interface{}, periodHours)
	hourlyBuckets := make(map[string]int)
	for _, log := range filteredLogs {
		hourlyBuckets[log.Timestamp.In(s.location).Truncate(time.Hour).Format(time.RFC3339)]++
	}
	for i := 0; i < periodHours; i++ {
		targetTime := now.Add(-time.Duration(periodHours-1-i) * time.Hour)
		bucketKey := targetTime.Truncate(time.Hour).Format(time.RFC3339)
		requestsOverTime[i] = map[string]interface{}{
			"time":     targetTime.Format("15:00"),
			"requests": hourlyBuckets[bucketKey],
		}
	}

	endpoints := make(map[string]int)
	statusCodes := map[string]int{
		"2xx Success":      0,
		"4xx Client Error": 0,
		"5xx Server Error": 0,
	}
	responseTimeSum := make(map[string]time.Duration)
	responseCount := make(map[string]int)
	for _, log := range filteredLogs {
		endpoints[log.Path]++
		switch {
		case log.StatusCode >= 200 && log.StatusCode < 300:
			statusCodes["2xx Success"]++
		case log.StatusCode >= 400 && log.StatusCode < 500:
			statusCodes["4xx Client Error"]++
		case log.StatusCode >= 500:
			statusCodes["5xx Server Error"]++
		}
		responseTimeSum[log.Path] += log.ResponseTime
		responseCount[log.Path]++
	}

	statusCodesSlice := make([]map[string]interface{}, 0, len(statusCodes))
	for name, value := range statusCodes {
		statusCodesSlice = append(statusCodesSlice, map[string]interface{}{"name": name, "value": value})
	}

	avgResponseTimes := make([]map[string]interface{}, 0, len(responseTimeSum))
	for path, totalTime := range responseTimeSum {
		avg := totalTime.Milliseconds() / int64(responseCount[path])
		avgResponseTimes = append(avgResponseTimes, map[string]interface{}{"endpoint": path, "responseTime": avg})
	}

	// 直近の5xxを新しい順に最大10件
	recentErrors := make([]LogEntry, 0)
	for i := len(filteredLogs) - 1; i >= 0 && len(recentErrors) < 10; i-- {
		if filteredLogs[i].StatusCode >= 500 {
			recentErrors = append(recentErrors, filteredLogs[i])
		}
	}

	return DashboardData{
		RequestsOverTime: requestsOverTime,
		Endpoints:        endpoints,
		StatusCodes:      statusCodesSlice,
		AvgResponseTimes: avgResponseTimes,
		RecentErrors:     recentErrors,
	}
}

// predictorCollector は PredictorMetrics のスナップショットを Prometheus に公開する
type predictorCollector struct {
	snapshot    func() PredictorMetricsSnapshot
	requests    *prometheus.Desc
	cacheHits   *prometheus.Desc
	avgResponse *prometheus.Desc
}

func newPredictorCollector(snapshot func() PredictorMetricsSnapshot) *predictorCollector {
	return &predictorCollector{
		snapshot: snapshot,
		requests: prometheus.NewDesc("revenue_forecast_predictor_requests_total",
			"External predictor calls by terminal outcome.", []string{"outcome"}, nil),
		cacheHits: prometheus.NewDesc("revenue_forecast_predictor_cache_hits_total",
			"Per-point cache hits of the external predictor.", nil, nil),
		avgResponse: prometheus.NewDesc("revenue_forecast_predictor_avg_response_ms",
			"Average response time over the recent sample window.", nil, nil),
	}
}

func (c *predictorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.cacheHits
	ch <- c.avgResponse
}

func (c *predictorCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.SuccessfulRequests), "success")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.FailedRequests), "failure")
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.avgResponse, prometheus.GaugeValue, s.AverageResponseTimeMs)
}
