package services

import (
	"context"
	"errors"
	"fmt"

	"revenue-forecast-api/pkg/models"
)

// Strategy is one forecasting method. It returns one value per future point,
// in the same order, or an error. A *SkipError marks an expected skip.
type Strategy interface {
	Name() string
	Predict(ctx context.Context, req models.ForecastRequest) ([]float64, error)
}

// SkipKind 戦略がスキップされた理由の種別
type SkipKind string

const (
	SkipCapabilityUnavailable SkipKind = "capability_unavailable"
	SkipInsufficientData      SkipKind = "insufficient_data"
	SkipInternalError         SkipKind = "internal_error"
	SkipInvalidOutput         SkipKind = "invalid_output"
)

// SkipError is returned by a strategy that declines to produce a forecast.
type SkipError struct {
	Kind   SkipKind
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func unavailable(detail string) error {
	return &SkipError{Kind: SkipCapabilityUnavailable, Detail: detail}
}

func insufficient(have, need int) error {
	return &SkipError{Kind: SkipInsufficientData, Detail: fmt.Sprintf("have %d points, need %d", have, need)}
}

// skipReason converts any strategy error into a human readable reason.
func skipReason(err error) string {
	var skip *SkipError
	if errors.As(err, &skip) {
		return skip.Error()
	}
	if errors.Is(err, ErrInsufficientData) {
		return string(SkipInsufficientData)
	}
	return fmt.Sprintf("%s: %v", SkipInternalError, err)
}
