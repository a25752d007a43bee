package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/services"
)

// ForecastHandler 売上予測エンドポイント
type ForecastHandler struct {
	forecasts *services.ForecastService
}

// NewForecastHandler creates a new ForecastHandler
func NewForecastHandler(forecasts *services.ForecastService) *ForecastHandler {
	return &ForecastHandler{forecasts: forecasts}
}

// GetBaseForecast base 予測を同期的に返す
// GET /api/v1/forecast/:datasetKey?horizon=7&history_days=120&method=weighted
func (h *ForecastHandler) GetBaseForecast(c *gin.Context) {
	q, ok := bindQuery(c)
	if !ok {
		return
	}

	result, cached, err := h.forecasts.BaseForecast(c.Request.Context(), c.Param("datasetKey"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cached":   cached,
		"forecast": result,
	})
}

// StartEnhancedForecast enhanced 計算を開始（または既存の計算に合流）する
// POST /api/v1/forecast/:datasetKey/enhanced
func (h *ForecastHandler) StartEnhancedForecast(c *gin.Context) {
	q, ok := bindQuery(c)
	if !ok {
		return
	}

	view, err := h.forecasts.StartEnhanced(c.Request.Context(), c.Param("datasetKey"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	if view.Status.IsTerminal() {
		c.JSON(http.StatusOK, view)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// GetEnhancedStatus enhanced 計算の状態をポーリングする
// GET /api/v1/forecast/:datasetKey/enhanced/status
func (h *ForecastHandler) GetEnhancedStatus(c *gin.Context) {
	q, ok := bindQuery(c)
	if !ok {
		return
	}

	view, err := h.forecasts.EnhancedStatus(c.Request.Context(), c.Param("datasetKey"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// InvalidateCache データセットのキャッシュを両階層とも削除する
// DELETE /api/v1/forecast/:datasetKey/cache
func (h *ForecastHandler) InvalidateCache(c *gin.Context) {
	removed, err := h.forecasts.Invalidate(c.Request.Context(), c.Param("datasetKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
