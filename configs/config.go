package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Port        string
	Environment string
	LogLevel    string
	APIKey      string

	AdminUsername string
	AdminPassword string

	DatabaseURL string
	RedisURL    string

	AzureOpenAIEndpoint       string
	AzureOpenAIAPIKey         string
	AzureOpenAIAPIVersion     string
	AzureOpenAIDeploymentName string
	AzureOpenAIModel          string

	Predictor PredictorConfig
	Cache     CacheConfig
	Feedback  FeedbackConfig
	Signals   SignalConfig
	NHITS     NHITSConfig

	EnsembleMethod string
}

// PredictorConfig 外部モデル予測器の設定
type PredictorConfig struct {
	Enabled               bool
	MaxConcurrentRequests int
	MaxRetries            int
	InitialBackoff        time.Duration
	RequestTimeout        time.Duration
	CacheTTL              time.Duration
	RequestsPerSecond     float64
	PromptsFile           string
}

// CacheConfig 分析キャッシュの設定
type CacheConfig struct {
	BaseTTL           time.Duration
	EnhancedTTL       time.Duration
	ProcessingTimeout time.Duration
	PollInterval      time.Duration
	BaseWaitTimeout   time.Duration
}

// FeedbackConfig 予測精度フィードバックの設定
type FeedbackConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// SignalConfig 外部シグナル（気象・為替・祝日）の設定
type SignalConfig struct {
	Location           string
	Latitude           float64
	Longitude          float64
	Timezone           string
	OpenMeteoArchive   string
	OpenMeteoForecast  string
	ExchangeRateCSV    string
	ExchangeRateSymbol string
	HolidaysFile       string
}

// NHITSConfig N-HITSスクリプト予測器の設定
type NHITSConfig struct {
	Python     string
	ScriptPath string
	Timeout    time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		Port:        v.GetString("PORT"),
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		APIKey:      v.GetString("API_KEY"),

		AdminUsername: v.GetString("ADMIN_USERNAME"),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),

		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		AzureOpenAIEndpoint:       v.GetString("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIAPIKey:         v.GetString("AZURE_OPENAI_API_KEY"),
		AzureOpenAIAPIVersion:     v.GetString("AZURE_OPENAI_API_VERSION"),
		AzureOpenAIDeploymentName: v.GetString("AZURE_OPENAI_DEPLOYMENT_NAME"),
		AzureOpenAIModel:          v.GetString("AZURE_OPENAI_MODEL"),

		Predictor: PredictorConfig{
			Enabled:               v.GetBool("AI_PREDICTOR_ENABLED"),
			MaxConcurrentRequests: v.GetInt("AI_MAX_CONCURRENT_REQUESTS"),
			MaxRetries:            v.GetInt("AI_MAX_RETRIES"),
			InitialBackoff:        v.GetDuration("AI_INITIAL_BACKOFF"),
			RequestTimeout:        v.GetDuration("AI_REQUEST_TIMEOUT"),
			CacheTTL:              v.GetDuration("AI_CACHE_TTL"),
			RequestsPerSecond:     v.GetFloat64("AI_REQUESTS_PER_SECOND"),
			PromptsFile:           v.GetString("AI_PROMPTS_FILE"),
		},
		Cache: CacheConfig{
			BaseTTL:           v.GetDuration("BASE_CACHE_TTL"),
			EnhancedTTL:       v.GetDuration("ENHANCED_CACHE_TTL"),
			ProcessingTimeout: v.GetDuration("PROCESSING_TIMEOUT"),
			PollInterval:      v.GetDuration("CACHE_POLL_INTERVAL"),
			BaseWaitTimeout:   v.GetDuration("BASE_WAIT_TIMEOUT"),
		},
		Feedback: FeedbackConfig{
			Interval: v.GetDuration("FEEDBACK_INTERVAL"),
			Timeout:  v.GetDuration("FEEDBACK_TIMEOUT"),
		},
		Signals: SignalConfig{
			Location:           v.GetString("WEATHER_LOCATION"),
			Latitude:           v.GetFloat64("WEATHER_LATITUDE"),
			Longitude:          v.GetFloat64("WEATHER_LONGITUDE"),
			Timezone:           v.GetString("WEATHER_TIMEZONE"),
			OpenMeteoArchive:   v.GetString("OPEN_METEO_ARCHIVE_URL"),
			OpenMeteoForecast:  v.GetString("OPEN_METEO_FORECAST_URL"),
			ExchangeRateCSV:    v.GetString("EXCHANGE_RATE_CSV"),
			ExchangeRateSymbol: v.GetString("EXCHANGE_RATE_SYMBOL"),
			HolidaysFile:       v.GetString("HOLIDAYS_FILE"),
		},
		NHITS: NHITSConfig{
			Python:     v.GetString("NHITS_PYTHON"),
			ScriptPath: v.GetString("NHITS_SCRIPT_PATH"),
			Timeout:    v.GetDuration("NHITS_TIMEOUT"),
		},

		EnsembleMethod: v.GetString("ENSEMBLE_METHOD"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_KEY", "")
	v.SetDefault("ADMIN_USERNAME", "")
	v.SetDefault("ADMIN_PASSWORD", "")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")

	v.SetDefault("AZURE_OPENAI_ENDPOINT", "")
	v.SetDefault("AZURE_OPENAI_API_KEY", "")
	v.SetDefault("AZURE_OPENAI_API_VERSION", "2024-06-01")
	v.SetDefault("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o-mini")
	v.SetDefault("AZURE_OPENAI_MODEL", "gpt-4o-mini")

	v.SetDefault("AI_PREDICTOR_ENABLED", true)
	v.SetDefault("AI_MAX_CONCURRENT_REQUESTS", 3)
	v.SetDefault("AI_MAX_RETRIES", 3)
	v.SetDefault("AI_INITIAL_BACKOFF", time.Second)
	v.SetDefault("AI_REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("AI_CACHE_TTL", 2*time.Hour)
	v.SetDefault("AI_REQUESTS_PER_SECOND", 5.0)
	v.SetDefault("AI_PROMPTS_FILE", "")

	v.SetDefault("BASE_CACHE_TTL", 30*time.Minute)
	v.SetDefault("ENHANCED_CACHE_TTL", 2*time.Hour)
	v.SetDefault("PROCESSING_TIMEOUT", 10*time.Minute)
	v.SetDefault("CACHE_POLL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("BASE_WAIT_TIMEOUT", 30*time.Second)

	v.SetDefault("FEEDBACK_INTERVAL", time.Hour)
	v.SetDefault("FEEDBACK_TIMEOUT", 2*time.Minute)

	v.SetDefault("WEATHER_LOCATION", "Lipetsk,RU")
	v.SetDefault("WEATHER_LATITUDE", 52.61)
	v.SetDefault("WEATHER_LONGITUDE", 39.594)
	v.SetDefault("WEATHER_TIMEZONE", "Europe/Moscow")
	v.SetDefault("OPEN_METEO_ARCHIVE_URL", "https://archive-api.open-meteo.com/v1/era5")
	v.SetDefault("OPEN_METEO_FORECAST_URL", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("EXCHANGE_RATE_CSV", "")
	v.SetDefault("EXCHANGE_RATE_SYMBOL", "USDRUB")
	v.SetDefault("HOLIDAYS_FILE", "")

	v.SetDefault("NHITS_PYTHON", "python3")
	v.SetDefault("NHITS_SCRIPT_PATH", "")
	v.SetDefault("NHITS_TIMEOUT", 2*time.Minute)

	v.SetDefault("ENSEMBLE_METHOD", "weighted")
}

// IsProduction 本番環境かどうか
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
