package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed predictor_prompts.yaml
var defaultPredictorPrompts []byte

//go:embed holidays.yaml
var defaultHolidays []byte

// PredictorPromptConfig はpredictor_prompts.yamlの構造を定義
type PredictorPromptConfig struct {
	Version        string   `yaml:"version"`
	System         string   `yaml:"system"`
	ResponseFormat string   `yaml:"response_format"`
	Instructions   []string `yaml:"instructions"`

	SmallData struct {
		Intro       string `yaml:"intro"`
		Multipliers []struct {
			Condition  string `yaml:"condition"`
			Multiplier string `yaml:"multiplier"`
		} `yaml:"multipliers"`
	} `yaml:"small_data"`

	Calibration struct {
		Intro string `yaml:"intro"`
	} `yaml:"calibration"`
}

// LoadPredictorPrompts はYAMLファイルから予測プロンプト設定を読み込む
// pathが空の場合は埋め込みのデフォルトを使用する
func LoadPredictorPrompts(path string) (*PredictorPromptConfig, error) {
	data := defaultPredictorPrompts
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("予測プロンプト設定ファイルの読み込みに失敗: %w", err)
		}
		data = raw
	}

	var cfg PredictorPromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("YAMLのパースに失敗: %w", err)
	}
	if strings.TrimSpace(cfg.System) == "" {
		return nil, fmt.Errorf("predictor prompts: system prompt is empty")
	}
	return &cfg, nil
}

// BuildSystemPrompt は設定からシステムプロンプトを構築
func (c *PredictorPromptConfig) BuildSystemPrompt() string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(c.System))
	sb.WriteString("\n\n")

	if len(c.Instructions) > 0 {
		sb.WriteString("Guidelines:\n")
		for i, inst := range c.Instructions {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, inst))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(strings.TrimSpace(c.ResponseFormat))
	sb.WriteString("\n")
	return sb.String()
}

// BuildSmallDataGuidance 履歴が短い場合の倍率表を構築
func (c *PredictorPromptConfig) BuildSmallDataGuidance(days int) string {
	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(c.SmallData.Intro, "{days}", fmt.Sprintf("%d", days)))
	sb.WriteString("\n")
	for _, m := range c.SmallData.Multipliers {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", m.Condition, m.Multiplier))
	}
	return sb.String()
}

// HolidayEntry 祝日定義の1エントリー
type HolidayEntry struct {
	Date string `yaml:"date"` // "MM-DD" (毎年) または "YYYY-MM-DD"
	Name string `yaml:"name"`
	Type string `yaml:"type"` // national / religious / regional
}

// HolidayCalendarConfig holidays.yamlの構造
type HolidayCalendarConfig struct {
	Holidays []HolidayEntry `yaml:"holidays"`
}

// LoadHolidayCalendar は祝日カレンダーを読み込む
func LoadHolidayCalendar(path string) (*HolidayCalendarConfig, error) {
	data := defaultHolidays
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("祝日ファイルの読み込みに失敗: %w", err)
		}
		data = raw
	}

	var cfg HolidayCalendarConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("YAMLのパースに失敗: %w", err)
	}
	return &cfg, nil
}
