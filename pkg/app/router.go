package app

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/handlers"
	"revenue-forecast-api/pkg/models"
)

// authMiddleware X-API-KEY ヘッダーを検証する。キー未設定（または既定値）のときは素通し
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" || apiKey == "default_secret_key" {
			c.Next()
			return
		}
		providedKey := c.GetHeader("X-API-KEY")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// datasetKeyMiddleware パスの :datasetKey を検証する
func datasetKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.Param("datasetKey"); key != "" && !models.ValidDatasetKey(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "dataset key may contain only letters, digits, '.', '_' and '-'"})
			return
		}
		c.Next()
	}
}

// Router builds the gin engine with every route registered.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.Monitoring.LoggingMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowHeaders("X-API-KEY")
	r.Use(cors.New(corsConfig))

	adminHandler := handlers.NewAdminHandler(a.Config, a.checks)
	forecastHandler := handlers.NewForecastHandler(a.Forecasts)
	revenueHandler := handlers.NewRevenueHandler(a.Forecasts)
	feedbackHandler := handlers.NewFeedbackHandler(a.Feedback, a.Accuracy)
	predictorHandler := handlers.NewPredictorHandler(a.Predictor)
	signalHandler := handlers.NewSignalHandler(a.Signals, a.Economic, a.Config.Signals.ExchangeRateSymbol)
	monitoringHandler := handlers.NewMonitoringHandler(a.Monitoring)

	// ヘルスチェックエンドポイント
	r.GET("/health", adminHandler.HealthCheck)
	r.GET("/metrics", monitoringHandler.Metrics)

	// APIバージョン1のルートグループ
	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(a.Config.APIKey))
	{
		// 管理者向けAPI（メンテナンス中も使える）
		admin := v1.Group("/admin")
		{
			admin.GET("/health-status", adminHandler.GetHealthStatus)
			admin.POST("/maintenance/start", adminHandler.StartMaintenance)
			admin.POST("/maintenance/stop", adminHandler.StopMaintenance)
		}

		// モニタリングAPI
		monitoring := v1.Group("/monitoring")
		{
			monitoring.GET("/logs", monitoringHandler.GetLogs)
		}

		api := v1.Group("")
		api.Use(adminHandler.MaintenanceGuard(), datasetKeyMiddleware())

		// 売上予測API
		forecast := api.Group("/forecast")
		{
			forecast.GET("/:datasetKey", forecastHandler.GetBaseForecast)
			forecast.POST("/:datasetKey/enhanced", forecastHandler.StartEnhancedForecast)
			forecast.GET("/:datasetKey/enhanced/status", forecastHandler.GetEnhancedStatus)
			forecast.DELETE("/:datasetKey/cache", forecastHandler.InvalidateCache)
		}

		// 実績売上API
		revenue := api.Group("/revenue")
		{
			revenue.POST("/:datasetKey/daily", revenueHandler.UpsertDailyRevenue)
			revenue.POST("/:datasetKey/upload", revenueHandler.UploadDailyRevenue)
		}

		// フィードバックAPI
		feedback := api.Group("/feedback")
		{
			feedback.POST("/:datasetKey/match", feedbackHandler.MatchActuals)
			feedback.POST("/accuracy/recompute", feedbackHandler.RecomputeAccuracy)
			feedback.GET("/accuracy", feedbackHandler.ListAccuracy)
			feedback.GET("/accuracy/export", feedbackHandler.ExportAccuracy)
		}

		// 外部モデル予測器API
		predictor := api.Group("/predictor")
		{
			predictor.GET("/metrics", predictorHandler.GetMetrics)
			predictor.POST("/cache/clear", predictorHandler.ClearCache)
		}

		// 外部シグナルAPI
		signals := api.Group("/signals")
		{
			signals.GET("", signalHandler.GetSignals)
			signals.GET("/exchange-rate", signalHandler.GetExchangeRate)
			signals.POST("/exchange-rate/import", signalHandler.ImportExchangeRate)
		}
	}

	return r
}
