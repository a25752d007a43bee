package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/services"
)

// PredictorHandler 外部モデル予測器の運用エンドポイント
type PredictorHandler struct {
	predictor *services.AIPredictor
}

// NewPredictorHandler creates a new PredictorHandler
func NewPredictorHandler(predictor *services.AIPredictor) *PredictorHandler {
	return &PredictorHandler{predictor: predictor}
}

// GetMetrics 呼び出し回数・成功率・応答時間を返す
func (h *PredictorHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"available": h.predictor.IsAvailable(),
		"metrics":   h.predictor.Metrics(),
	})
}

// ClearCache 予測値キャッシュを破棄する。メトリクスは残す
func (h *PredictorHandler) ClearCache(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.predictor.ClearCache()})
}
