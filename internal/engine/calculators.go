package engine

import (
	"context"
	"math"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// InsufficientDataError reports a window too small for the calculator.
type InsufficientDataError struct {
	Metric string
	Need   int
	Got    int
}

func (e *InsufficientDataError) Error() string {
	return e.Metric + ": insufficient data for calculation"
}

// MeanPriceCalculator is the simple average of window prices.
type MeanPriceCalculator struct{}

func (MeanPriceCalculator) Name() string { return "mean_price" }

func (MeanPriceCalculator) Calculate(_ context.Context, window []*tick.Tick) (float64, map[string]any, error) {
	if len(window) == 0 {
		return 0, nil, &InsufficientDataError{Metric: "mean_price", Need: 1}
	}
	var sum float64
	for _, t := range window {
		p, _ := t.Price.Float64()
		sum += p
	}
	return sum / float64(len(window)), nil, nil
}

// VolatilityCalculator is the sample standard deviation of log returns
// over the window, annotated with the return count.
type VolatilityCalculator struct{}

func (VolatilityCalculator) Name() string { return "volatility" }

func (VolatilityCalculator) Calculate(_ context.Context, window []*tick.Tick) (float64, map[string]any, error) {
	if len(window) < 3 {
		return 0, nil, &InsufficientDataError{Metric: "volatility", Need: 3, Got: len(window)}
	}

	returns := make([]float64, 0, len(window)-1)
	prev, _ := window[0].Price.Float64()
	for _, t := range window[1:] {
		p, _ := t.Price.Float64()
		if prev > 0 && p > 0 {
			returns = append(returns, math.Log(p/prev))
		}
		prev = p
	}
	if len(returns) < 2 {
		return 0, nil, &InsufficientDataError{Metric: "volatility", Need: 2, Got: len(returns)}
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)-1))

	return std, map[string]any{"returns_used": len(returns)}, nil
}

// SpreadAverageCalculator averages spread percentage over the window,
// skipping ticks without both quotes.
type SpreadAverageCalculator struct{}

func (SpreadAverageCalculator) Name() string { return "avg_spread_percent" }

func (SpreadAverageCalculator) Calculate(_ context.Context, window []*tick.Tick) (float64, map[string]any, error) {
	var sum float64
	n := 0
	for _, t := range window {
		if pct, ok := t.SpreadPercent(); ok {
			sum += pct
			n++
		}
	}
	if n == 0 {
		return 0, nil, &InsufficientDataError{Metric: "avg_spread_percent", Need: 1}
	}
	return sum / float64(n), map[string]any{"quoted_ticks": n}, nil
}
