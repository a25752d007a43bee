// Package app wires configuration, storage, signals, strategies and services
// into one application shared by the HTTP server, the serverless entrypoint and the CLI.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/azure"
	"revenue-forecast-api/pkg/cache"
	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/handlers"
	"revenue-forecast-api/pkg/services"
)

// App 組み立て済みのサービス群
type App struct {
	Config *config.Config
	Logger *logrus.Logger

	Revenue     database.RevenueRepository
	Predictions database.PredictionRepository
	Accuracy    database.AccuracyRepository
	WeatherRepo database.WeatherRepository

	Weather    *services.WeatherService
	Economic   *services.EconomicService
	Signals    *services.SignalService
	Predictor  *services.AIPredictor
	Cache      *services.AnalyticsCache
	Feedback   *services.FeedbackService
	Forecasts  *services.ForecastService
	Monitoring *services.MonitoringService

	checks  map[string]handlers.HealthChecker
	closers []func()

	stopScheduler context.CancelFunc
	scheduler     sync.WaitGroup
}

// Repository 全リポジトリを1つで実装する保存先（MemoryRepository など）
type Repository interface {
	database.RevenueRepository
	database.PredictionRepository
	database.AccuracyRepository
	database.WeatherRepository
}

// Storage 外部から与える保存先。nil のものは DATABASE_URL / REDIS_URL から作る
type Storage struct {
	Repository Repository
	Store      cache.Store
}

// New builds the application. Storage overrides are used by tests and the CLI.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, storage Storage) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		checks: make(map[string]handlers.HealthChecker),
	}
	if err := a.openStorage(ctx, storage); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context, storage Storage) error {
	cfg := a.Config

	switch {
	case storage.Repository != nil:
		a.useRepository(storage.Repository)
	case cfg.DatabaseURL != "":
		db, err := database.NewPostgresConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Revenue = database.NewRevenueRepository(db.Pool)
		a.Predictions = database.NewPredictionRepository(db.Pool)
		a.Accuracy = database.NewAccuracyRepository(db.Pool)
		a.WeatherRepo = database.NewWeatherRepository(db.Pool)
		a.checks["postgres"] = db
	default:
		a.Logger.Warn("DATABASE_URL is not set, using in-memory storage")
		a.useRepository(database.NewMemoryRepository())
	}

	switch {
	case storage.Store != nil:
		a.Cache = services.NewAnalyticsCache(storage.Store, a.cacheConfig(), a.Logger)
	case cfg.RedisURL != "":
		rdb, err := database.NewRedisConnection(cfg.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		a.Cache = services.NewAnalyticsCache(cache.NewRedisStore(rdb.Client), a.cacheConfig(), a.Logger)
		a.checks["redis"] = rdb
	default:
		a.Logger.Warn("REDIS_URL is not set, using in-process analytics cache")
		a.Cache = services.NewAnalyticsCache(cache.NewMemoryStore(), a.cacheConfig(), a.Logger)
	}
	return nil
}

func (a *App) useRepository(repo Repository) {
	a.Revenue = repo
	a.Predictions = repo
	a.Accuracy = repo
	a.WeatherRepo = repo
}

func (a *App) cacheConfig() services.AnalyticsCacheConfig {
	c := a.Config.Cache
	return services.AnalyticsCacheConfig{
		BaseTTL:           c.BaseTTL,
		EnhancedTTL:       c.EnhancedTTL,
		ProcessingTimeout: c.ProcessingTimeout,
		PollInterval:      c.PollInterval,
	}
}

func (a *App) buildServices() error {
	cfg := a.Config
	logger := a.Logger

	a.Monitoring = services.NewMonitoringService(cfg.Signals.Timezone, logger)
	a.Cache.OnTransition(a.Monitoring.ObserveCacheTransition)

	// 外部シグナル
	holidayCfg, err := config.LoadHolidayCalendar(cfg.Signals.HolidaysFile)
	if err != nil {
		return err
	}
	holidays, err := services.NewHolidayCalendar(holidayCfg)
	if err != nil {
		return err
	}
	economicFiles := map[string]string{}
	if cfg.Signals.ExchangeRateCSV != "" {
		economicFiles[cfg.Signals.ExchangeRateSymbol] = cfg.Signals.ExchangeRateCSV
	}
	a.Economic = services.NewEconomicService(economicFiles)
	a.Weather = services.NewWeatherService(cfg.Signals.OpenMeteoArchive, cfg.Signals.OpenMeteoForecast, services.WeatherLocation{
		Name:      cfg.Signals.Location,
		Latitude:  cfg.Signals.Latitude,
		Longitude: cfg.Signals.Longitude,
		Timezone:  cfg.Signals.Timezone,
	}, logger)
	a.Signals = services.NewSignalService(services.SignalServiceOptions{
		WeatherRepo:    a.WeatherRepo,
		Forecaster:     a.Weather,
		Economic:       a.Economic,
		Holidays:       holidays,
		Location:       cfg.Signals.Location,
		ExchangeSymbol: cfg.Signals.ExchangeRateSymbol,
	}, logger)

	// 外部モデル予測器
	prompts, err := config.LoadPredictorPrompts(cfg.Predictor.PromptsFile)
	if err != nil {
		return err
	}
	client := azure.NewOpenAIClient(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIAPIKey, azure.Options{
		APIVersion:        cfg.AzureOpenAIAPIVersion,
		DeploymentName:    cfg.AzureOpenAIDeploymentName,
		Model:             cfg.AzureOpenAIModel,
		RequestsPerSecond: cfg.Predictor.RequestsPerSecond,
	})
	predictorCfg := services.DefaultAIPredictorConfig()
	predictorCfg.Enabled = cfg.Predictor.Enabled
	if cfg.Predictor.MaxConcurrentRequests > 0 {
		predictorCfg.MaxConcurrentRequests = cfg.Predictor.MaxConcurrentRequests
	}
	if cfg.Predictor.MaxRetries > 0 {
		predictorCfg.MaxRetries = cfg.Predictor.MaxRetries
	}
	if cfg.Predictor.InitialBackoff > 0 {
		predictorCfg.InitialBackoff = cfg.Predictor.InitialBackoff
	}
	if cfg.Predictor.RequestTimeout > 0 {
		predictorCfg.RequestTimeout = cfg.Predictor.RequestTimeout
	}
	if cfg.Predictor.CacheTTL > 0 {
		predictorCfg.CacheTTL = cfg.Predictor.CacheTTL
	}
	a.Predictor = services.NewAIPredictor(client, predictorCfg, prompts, a.Accuracy, logger)
	if err := a.Monitoring.RegisterPredictor(a.Predictor.Metrics); err != nil {
		return fmt.Errorf("register predictor metrics: %w", err)
	}
	if err := a.Predictor.Availability(); err != nil {
		logger.WithError(err).Warn("external model predictor is unavailable, ensemble runs without it")
	}

	// base は統計モデルのみ、enhanced は外部モデルと N-HITS を加える
	statistical := []services.Strategy{
		services.NewWeekdayTrendStrategy(),
		services.NewSeasonalNaiveStrategy(),
		services.NewTemperatureRegressionStrategy(),
	}
	enhanced := append(append([]services.Strategy{}, statistical...),
		services.NewAIStrategy(a.Predictor),
		services.NewNHITSStrategy(cfg.NHITS.Python, cfg.NHITS.ScriptPath, cfg.NHITS.Timeout),
	)

	a.Feedback = services.NewFeedbackService(a.Predictions, a.Accuracy, a.Revenue, cfg.Feedback.Timeout, logger)
	a.Feedback.OnRun(a.Monitoring.ObserveFeedbackRun)

	a.Forecasts = services.NewForecastService(services.ForecastServiceDeps{
		Revenue:     a.Revenue,
		Predictions: a.Predictions,
		Signals:     a.Signals,
		Base:        services.NewEnsemble(a.Accuracy, logger, statistical...),
		Enhanced:    services.NewEnsemble(a.Accuracy, logger, enhanced...),
		Cache:       a.Cache,
		Feedback:    a.Feedback,
	}, services.ForecastServiceConfig{
		DefaultMethod:   cfg.EnsembleMethod,
		BaseWaitTimeout: cfg.Cache.BaseWaitTimeout,
		EnhancedTimeout: cfg.Cache.ProcessingTimeout,
	}, logger)
	return nil
}

// StartBackground 定期照合を開始する
func (a *App) StartBackground(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.stopScheduler = cancel
	a.scheduler.Add(1)
	go func() {
		defer a.scheduler.Done()
		a.Feedback.StartScheduler(ctx, a.Config.Feedback.Interval)
	}()
}

// Shutdown バックグラウンド処理の終了を待ち、接続を閉じる
func (a *App) Shutdown() {
	if a.stopScheduler != nil {
		a.stopScheduler()
	}
	a.scheduler.Wait()
	if a.Forecasts != nil {
		a.Forecasts.Wait()
	}
	if a.Feedback != nil {
		a.Feedback.Wait()
	}
	a.Close()
}

// Close closes storage connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
