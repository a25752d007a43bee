package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/models"
	"revenue-forecast-api/pkg/services"
)

// findIndex finds the index of the first candidate in a slice
func findIndex(slice []string, candidates ...string) int {
	for _, candidate := range candidates {
		for i, item := range slice {
			if strings.EqualFold(strings.TrimSpace(item), candidate) {
				return i
			}
		}
	}
	return -1
}

// parseDay YYYY-MM-DD を UTC の日付として解釈する
func parseDay(s string) (time.Time, error) {
	return time.Parse(models.DateLayout, strings.TrimSpace(s))
}

// respondError サービス層のエラーをHTTPステータスに対応付ける
func respondError(c *gin.Context, err error) {
	var cfgErr *services.ConfigurationError
	switch {
	case errors.Is(err, services.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNoHistory), errors.Is(err, services.ErrNoComputation):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// bindQuery horizon / history_days / method をクエリ文字列から読む
func bindQuery(c *gin.Context) (models.ForecastQuery, bool) {
	var q models.ForecastQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "horizon and history_days must be integers"})
		return q, false
	}
	return q, true
}
