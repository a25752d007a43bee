package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"revenue-forecast-api/pkg/models"
)

// NHITSStrategy 外部 Python スクリプト（N-HITS）で予測する
// 入力は stdin に JSON、結果は stdout の JSON
type NHITSStrategy struct {
	python     string
	scriptPath string
	timeout    time.Duration
	minHistory int

	run func(ctx context.Context, input []byte) ([]byte, error)
}

type nhitsInput struct {
	HistoricalData []nhitsPoint `json:"historical_data"`
	Horizon        int          `json:"horizon"`
}

type nhitsPoint struct {
	Date    string  `json:"date"`
	Revenue float64 `json:"revenue"`
}

type nhitsOutput struct {
	Success     bool      `json:"success"`
	Predictions []float64 `json:"predictions"`
	Model       string    `json:"model"`
	Error       string    `json:"error"`
}

// NewNHITSStrategy creates the script-backed strategy. An empty scriptPath makes it unavailable.
func NewNHITSStrategy(python, scriptPath string, timeout time.Duration) *NHITSStrategy {
	if python == "" {
		python = "python3"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &NHITSStrategy{
		python:     python,
		scriptPath: scriptPath,
		timeout:    timeout,
		minHistory: 14,
	}
	s.run = s.exec
	return s
}

func (s *NHITSStrategy) Name() string { return models.ModelNHITS }

// Available スクリプトが設定され、存在するか
func (s *NHITSStrategy) Available() bool {
	if s.scriptPath == "" {
		return false
	}
	_, err := os.Stat(s.scriptPath)
	return err == nil
}

func (s *NHITSStrategy) Predict(ctx context.Context, req models.ForecastRequest) ([]float64, error) {
	if !s.Available() {
		return nil, unavailable("nhits script not configured")
	}
	if len(req.History) < s.minHistory {
		return nil, insufficient(len(req.History), s.minHistory)
	}
	if len(req.Future) == 0 {
		return []float64{}, nil
	}

	// スクリプトは最終日の翌日から連続した日数を返すので、最も遠い将来日までを要求する
	last := req.History[len(req.History)-1].Date
	offsets := make([]int, len(req.Future))
	horizon := 0
	for i, f := range req.Future {
		offsets[i] = int(daysBetween(last, f.Date))
		if offsets[i] < 1 {
			return nil, fmt.Errorf("future point %s is not after history", f.Date.Format(models.DateLayout))
		}
		if offsets[i] > horizon {
			horizon = offsets[i]
		}
	}

	input := nhitsInput{Horizon: horizon, HistoricalData: make([]nhitsPoint, len(req.History))}
	for i, p := range req.History {
		input.HistoricalData[i] = nhitsPoint{Date: p.Date.Format(models.DateLayout), Revenue: p.Revenue}
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, runErr := s.run(ctx, body)
	out, parseErr := parseNHITSOutput(stdout)
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("nhits script failed: %w", runErr)
		}
		return nil, parseErr
	}
	if !out.Success {
		return nil, fmt.Errorf("nhits script failed: %s", out.Error)
	}
	if len(out.Predictions) < horizon {
		return nil, &SkipError{Kind: SkipInvalidOutput, Detail: fmt.Sprintf("nhits returned %d values, need %d", len(out.Predictions), horizon)}
	}

	values := make([]float64, len(req.Future))
	for i, off := range offsets {
		values[i] = sanitize(out.Predictions[off-1])
	}
	return values, nil
}

func (s *NHITSStrategy) exec(ctx context.Context, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.python, s.scriptPath)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), fmt.Errorf("timeout after %s: %w", s.timeout, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// parseNHITSOutput 最後の JSON 行を結果として読む（ライブラリのログが混ざるため）
func parseNHITSOutput(stdout []byte) (*nhitsOutput, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out nhitsOutput
		if err := json.Unmarshal([]byte(line), &out); err == nil {
			return &out, nil
		}
	}
	return nil, fmt.Errorf("nhits script produced no JSON result")
}
