package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/app"
	"revenue-forecast-api/pkg/logging"
)

var (
	engine  *gin.Engine
	initErr error
	once    sync.Once
)

// setupApp はGinアプリケーションを初期化します。
// サーバーレス環境では、リクエストごとに初期化が走らないようsync.Onceで一度だけ実行します。
// 定期照合はサーバーレスでは動かさず、予測・実績登録時のバックグラウンド照合に任せます。
func setupApp() (*gin.Engine, error) {
	once.Do(func() {
		// .envファイルはVercelの環境変数設定から読み込まれるため、ここではgodotenvを呼び出しません。
		cfg := config.LoadConfig()
		logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)
		gin.SetMode(gin.ReleaseMode)

		application, err := app.New(context.Background(), cfg, logger, app.Storage{})
		if err != nil {
			initErr = err
			logger.WithError(err).Error("failed to initialize application")
			return
		}
		engine = application.Router()
	})
	return engine, initErr
}

// Handler はVercelからのすべてのリクエストを処理するエントリーポイントです。
func Handler(w http.ResponseWriter, r *http.Request) {
	e, err := setupApp()
	if err != nil {
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	e.ServeHTTP(w, r)
}
