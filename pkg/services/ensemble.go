package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

// アンサンブルの合成方法
const (
	BlendWeighted = "weighted"
	BlendMedian   = "median"
	BlendMean     = "mean"
	BlendFallback = "fallback"
)

// ValidBlendMethod 合成方法として受け付ける値か
func ValidBlendMethod(method string) bool {
	switch method {
	case BlendWeighted, BlendMedian, BlendMean:
		return true
	}
	return false
}

// fallbackReporter is implemented by strategies that fill some points heuristically.
type fallbackReporter interface {
	PredictWithFallbacks(ctx context.Context, req models.ForecastRequest) ([]float64, int, error)
}

// EnsembleResult 合成結果と戦略ごとの成否
type EnsembleResult struct {
	Values     []float64
	Method     string
	Successful []models.StrategyForecast
	Skipped    []models.SkippedStrategy
}

// Ensemble 登録された全戦略を同じ入力で実行し、成功したものだけを合成する
type Ensemble struct {
	strategies []Strategy
	accuracy   database.AccuracyRepository
	logger     *logrus.Logger
}

// NewEnsemble creates an ensemble. accuracy may be nil, in which case weights are equal.
func NewEnsemble(accuracy database.AccuracyRepository, logger *logrus.Logger, strategies ...Strategy) *Ensemble {
	return &Ensemble{strategies: strategies, accuracy: accuracy, logger: logger}
}

// StrategyNames 登録順の戦略名
func (e *Ensemble) StrategyNames() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

type strategyOutcome struct {
	values    []float64
	fallbacks int
	err       error
}

// Run executes every strategy concurrently and blends the survivors.
// It only falls back to the heuristic series when no strategy succeeds.
func (e *Ensemble) Run(ctx context.Context, req models.ForecastRequest, method string) EnsembleResult {
	if !ValidBlendMethod(method) {
		method = BlendWeighted
	}
	result := EnsembleResult{
		Successful: []models.StrategyForecast{},
		Skipped:    []models.SkippedStrategy{},
	}

	outcomes := make([]strategyOutcome, len(e.strategies))
	if err := req.Validate(); err != nil {
		for i := range outcomes {
			outcomes[i].err = &SkipError{Kind: SkipInternalError, Detail: err.Error()}
		}
	} else {
		var wg sync.WaitGroup
		for i, s := range e.strategies {
			wg.Add(1)
			go func(i int, s Strategy) {
				defer wg.Done()
				outcomes[i] = e.runStrategy(ctx, s, req)
			}(i, s)
		}
		wg.Wait()
	}

	// 登録順を維持する
	for i, s := range e.strategies {
		o := outcomes[i]
		if o.err == nil {
			if err := validValues(o.values, len(req.Future)); err != nil {
				o.err = &SkipError{Kind: SkipInvalidOutput, Detail: err.Error()}
			}
		}
		if o.err != nil {
			result.Skipped = append(result.Skipped, models.SkippedStrategy{
				StrategyName:  s.Name(),
				SkippedReason: skipReason(o.err),
			})
			e.logger.WithFields(logrus.Fields{
				"dataset":  req.DatasetKey,
				"strategy": s.Name(),
				"reason":   skipReason(o.err),
			}).Info("strategy skipped")
			continue
		}

		values := make([]float64, len(o.values))
		for j, v := range o.values {
			values[j] = sanitize(v)
		}
		result.Successful = append(result.Successful, models.StrategyForecast{
			StrategyName:   s.Name(),
			Values:         values,
			FallbackPoints: o.fallbacks,
		})
	}

	if len(result.Successful) == 0 {
		result.Method = BlendFallback
		result.Values = make([]float64, len(req.Future))
		for i, f := range req.Future {
			result.Values[i] = FallbackPrediction(req.History, f)
		}
		return result
	}

	result.Method = method
	e.assignWeights(ctx, req.DatasetKey, method, result.Successful)
	result.Values = blend(method, result.Successful, len(req.Future))
	return result
}

func (e *Ensemble) runStrategy(ctx context.Context, s Strategy, req models.ForecastRequest) (out strategyOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = strategyOutcome{err: &SkipError{Kind: SkipInternalError, Detail: fmt.Sprintf("panic: %v", r)}}
		}
	}()

	if fr, ok := s.(fallbackReporter); ok {
		values, fallbacks, err := fr.PredictWithFallbacks(ctx, req)
		return strategyOutcome{values: values, fallbacks: fallbacks, err: err}
	}
	values, err := s.Predict(ctx, req)
	return strategyOutcome{values: values, err: err}
}

// assignWeights 重み付き合成では 1/(1+MAPE)、それ以外は均等
func (e *Ensemble) assignWeights(ctx context.Context, datasetKey, method string, forecasts []models.StrategyForecast) {
	raw := make([]float64, len(forecasts))
	for i := range raw {
		raw[i] = 1
	}

	if method == BlendWeighted && e.accuracy != nil {
		mapes := make(map[string]float64)
		metrics, err := e.accuracy.ListMetrics(ctx, datasetKey, "")
		if err != nil {
			e.logger.WithError(err).Warn("accuracy metrics unavailable, using equal weights")
		}
		for _, m := range metrics {
			if m.IsOverall() {
				// 負や非有限のMAPEは0として扱う
				mapes[m.ModelName] = sanitize(m.MAPE)
			}
		}

		if len(mapes) > 0 {
			var known []float64
			for _, v := range mapes {
				known = append(known, v)
			}
			defaultMAPE := calculateMean(known)
			for i, f := range forecasts {
				mape, ok := mapes[f.StrategyName]
				if !ok {
					mape = defaultMAPE
				}
				raw[i] = 1 / (1 + mape)
			}
		}
	}

	var total float64
	for _, w := range raw {
		total += w
	}
	for i := range forecasts {
		forecasts[i].Weight = raw[i] / total
	}
}

func blend(method string, forecasts []models.StrategyForecast, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		column := make([]float64, len(forecasts))
		for j, f := range forecasts {
			column[j] = f.Values[i]
		}

		switch method {
		case BlendMedian:
			out[i] = calculateMedian(column)
		case BlendMean:
			out[i] = calculateMean(column)
		default:
			var v float64
			for j, f := range forecasts {
				v += f.Weight * column[j]
			}
			out[i] = v
		}
		out[i] = sanitize(out[i])
	}
	return out
}
