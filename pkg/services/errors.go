package services

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is the data-sufficiency gate outcome. It is not a failure.
var ErrInsufficientData = errors.New("insufficient history for this strategy")

// ConfigurationError 外部予測器の認証情報が欠落・不正
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// TransientExternalError タイムアウト、レート制限、5xx。リトライ対象
type TransientExternalError struct {
	Err error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("transient external error: %v", e.Err)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// FatalExternalError 認証失敗、デプロイ未検出、接続拒否。リトライしない
type FatalExternalError struct {
	Err error
}

func (e *FatalExternalError) Error() string {
	return fmt.Sprintf("fatal external error: %v", e.Err)
}

func (e *FatalExternalError) Unwrap() error { return e.Err }

// ParseError レスポンスから数値を取り出せなかった。リトライ対象
type ParseError struct {
	Response string
}

func (e *ParseError) Error() string {
	snippet := e.Response
	if len(snippet) > 80 {
		snippet = snippet[:80] + "..."
	}
	return fmt.Sprintf("could not parse revenue from response %q", snippet)
}

// ReconciliationError 照合・集計の書き込み失敗
type ReconciliationError struct {
	PredictionID string
	Err          error
}

func (e *ReconciliationError) Error() string {
	if e.PredictionID == "" {
		return fmt.Sprintf("reconciliation failed: %v", e.Err)
	}
	return fmt.Sprintf("reconciliation failed for prediction %s: %v", e.PredictionID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
