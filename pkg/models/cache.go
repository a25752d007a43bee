package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// datasetKeyPattern キャッシュキーの区切り ':' とglob文字を含まない
var datasetKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidDatasetKey データセットキーとして使える文字列かどうか
func ValidDatasetKey(key string) bool {
	return datasetKeyPattern.MatchString(key)
}

// CacheTier 分析キャッシュの階層
type CacheTier string

const (
	TierBase     CacheTier = "base"
	TierEnhanced CacheTier = "enhanced"
)

// Valid 既知の階層かどうか
func (t CacheTier) Valid() bool {
	return t == TierBase || t == TierEnhanced
}

// CacheStatus 計算の進行状態
type CacheStatus string

const (
	StatusPending    CacheStatus = "pending"
	StatusProcessing CacheStatus = "processing"
	StatusCompleted  CacheStatus = "completed"
	StatusFailed     CacheStatus = "failed"
)

// IsTerminal completed / failed は終端状態
func (s CacheStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to CacheStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// CacheEntry is one computation for (dataset, params, tier).
// A new computation replaces the entry with a new ID and Generation.
type CacheEntry struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	DatasetKey string          `json:"dataset_key"`
	ParamsHash string          `json:"params_hash"`
	Tier       CacheTier       `json:"tier"`
	Status     CacheStatus     `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Generation int             `json:"generation"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ExpiresAt  time.Time       `json:"expires_at"` // 終端状態になってから有効
}

// Clone ディープコピー
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &c
}

// StatusView is what pollers see
type StatusView struct {
	Key        string          `json:"key"`
	Tier       CacheTier       `json:"tier"`
	Status     CacheStatus     `json:"status"`
	Generation int             `json:"generation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// View ポーリング用の表現に変換
func (e *CacheEntry) View() StatusView {
	v := StatusView{
		Key:        e.Key,
		Tier:       e.Tier,
		Status:     e.Status,
		Generation: e.Generation,
		Error:      e.Error,
		UpdatedAt:  e.UpdatedAt,
	}
	if e.Status == StatusCompleted {
		v.Data = e.Data
	}
	return v
}
