package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionixcorp/BetaBot/internal/tick"
	"github.com/ionixcorp/BetaBot/internal/utils"
)

func testTick(t *testing.T, broker, symbol string, price float64, ts time.Time) *tick.Tick {
	t.Helper()
	tk, err := tick.New(ts, symbol, broker, decimal.NewFromFloat(price), tick.Params{})
	require.NoError(t, err)
	return tk
}

func testEngine(cfg Config, calc Calculator) *Engine {
	return New(cfg, calc, utils.NewLogger("error"))
}

func TestProcessTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 5
	ctx := context.Background()

	t.Run("Not ready below window size", func(t *testing.T) {
		e := testEngine(cfg, MeanPriceCalculator{})
		now := time.Now()
		for i := 0; i < 4; i++ {
			res := e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Duration(i)*time.Second)))
			assert.Nil(t, res)
		}
		assert.False(t, e.Ready("iqoption", "EURUSD"))
		assert.Equal(t, 4, e.BufferSize("iqoption", "EURUSD"))
	})

	t.Run("Calculates once window fills", func(t *testing.T) {
		e := testEngine(cfg, MeanPriceCalculator{})
		now := time.Now()
		var res *Result
		for i := 0; i < 5; i++ {
			res = e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", float64(i+1), now.Add(time.Duration(i)*time.Second)))
		}
		require.NotNil(t, res)
		assert.Equal(t, "mean_price", res.MetricName)
		assert.Equal(t, 3.0, res.Value)
		assert.Equal(t, 5, res.TicksUsed)
		assert.True(t, e.Ready("iqoption", "EURUSD"))

		cached, ok := e.LastResult("iqoption", "EURUSD")
		require.True(t, ok)
		assert.Equal(t, res, cached)
	})

	t.Run("Disabled engine is a no-op", func(t *testing.T) {
		disabled := cfg
		disabled.Enabled = false
		e := testEngine(disabled, MeanPriceCalculator{})
		res := e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, time.Now()))
		assert.Nil(t, res)
		assert.Equal(t, 0, e.BufferSize("iqoption", "EURUSD"))
	})

	t.Run("Structurally invalid tick rejected", func(t *testing.T) {
		e := testEngine(cfg, MeanPriceCalculator{})
		bad := testTick(t, "iqoption", "EURUSD", 1.2, time.Now())
		bad.Price = decimal.Zero
		assert.Nil(t, e.ProcessTick(ctx, bad))
		assert.Equal(t, int64(1), e.Statistics().TicksRejected)
	})

	t.Run("Low quality tick rejected", func(t *testing.T) {
		strict := cfg
		strict.MinTickQuality = 0.7
		e := testEngine(strict, MeanPriceCalculator{})
		low := testTick(t, "iqoption", "EURUSD", 1.2, time.Now())
		low.QualityScore = 0.3
		assert.Nil(t, e.ProcessTick(ctx, low))
	})

	t.Run("Buffer evicts oldest beyond limit", func(t *testing.T) {
		small := cfg
		small.WindowSize = 2
		small.BufferLimit = 3
		e := testEngine(small, MeanPriceCalculator{})
		now := time.Now()
		for i := 0; i < 10; i++ {
			e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Duration(i)*time.Second)))
		}
		assert.Equal(t, 3, e.BufferSize("iqoption", "EURUSD"))
	})
}

type failingCalc struct{}

func (failingCalc) Name() string { return "failing" }
func (failingCalc) Calculate(context.Context, []*tick.Tick) (float64, map[string]any, error) {
	return 0, nil, errors.New("no data")
}

type slowCalc struct{}

func (slowCalc) Name() string { return "slow" }
func (slowCalc) Calculate(ctx context.Context, _ []*tick.Tick) (float64, map[string]any, error) {
	select {
	case <-time.After(time.Second):
		return 1, nil, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func TestCalculationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Calculator error yields nil result and counts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WindowSize = 2
		e := testEngine(cfg, failingCalc{})
		now := time.Now()

		e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now))
		res := e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Second)))
		assert.Nil(t, res)

		stats := e.Statistics()
		assert.Equal(t, int64(1), stats.CalcErrors)
		assert.Equal(t, 2, stats.BufferedTicks, "failed calculation keeps the buffer intact")
	})

	t.Run("Timeout yields nil without losing the asset", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WindowSize = 2
		cfg.CalcTimeout = 20 * time.Millisecond
		e := testEngine(cfg, slowCalc{})
		now := time.Now()

		e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now))
		res := e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Second)))
		assert.Nil(t, res)
		assert.True(t, e.Ready("iqoption", "EURUSD"))
	})
}

func TestConcurrentAssetsIsolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 1000
	cfg.BufferLimit = 1000
	e := testEngine(cfg, MeanPriceCalculator{})
	ctx := context.Background()

	pairs := []struct{ broker, symbol string }{
		{"iqoption", "EURUSD"},
		{"iqoption", "GBPUSD"},
		{"binance", "BTCUSDT"},
		{"deriv", "R_100"},
	}
	const perPair = 200

	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(broker, symbol string) {
			defer wg.Done()
			now := time.Now()
			for i := 0; i < perPair; i++ {
				e.ProcessTick(ctx, testTick(t, broker, symbol, 1.0+float64(i), now.Add(time.Duration(i)*time.Millisecond)))
			}
		}(pair.broker, pair.symbol)
	}
	wg.Wait()

	assert.Len(t, e.ActiveAssets(), len(pairs))
	for _, pair := range pairs {
		assert.Equal(t, perPair, e.BufferSize(pair.broker, pair.symbol))
	}
	assert.Equal(t, int64(len(pairs)*perPair), e.Statistics().TicksProcessed)
}

func TestResetAndCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 2
	cfg.MaxIdle = time.Nanosecond
	e := testEngine(cfg, MeanPriceCalculator{})
	ctx := context.Background()

	e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, time.Now()))
	e.ProcessTick(ctx, testTick(t, "iqoption", "GBPUSD", 1.3, time.Now()))
	assert.Len(t, e.ActiveAssets(), 2)

	e.ResetAsset("iqoption", "EURUSD")
	assert.Len(t, e.ActiveAssets(), 1)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, e.Cleanup())
	assert.Empty(t, e.ActiveAssets())

	e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, time.Now()))
	e.ResetAll()
	assert.Empty(t, e.ActiveAssets())
}

func TestHealthCheck(t *testing.T) {
	t.Run("Healthy when quiet", func(t *testing.T) {
		e := testEngine(DefaultConfig(), MeanPriceCalculator{})
		assert.Equal(t, "healthy", e.HealthCheck().Status)
	})

	t.Run("Warning above error threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WindowSize = 1
		e := testEngine(cfg, failingCalc{})
		ctx := context.Background()
		now := time.Now()
		for i := 0; i < 5; i++ {
			e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Duration(i)*time.Second)))
		}

		h := e.HealthCheck()
		assert.Equal(t, "warning", h.Status)
		assert.Contains(t, h.Details, "error_rate")
	})

	t.Run("Warning above memory threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WindowSize = 100
		cfg.MemoryLimit = 10
		e := testEngine(cfg, MeanPriceCalculator{})
		ctx := context.Background()
		now := time.Now()
		for i := 0; i < 9; i++ {
			e.ProcessTick(ctx, testTick(t, "iqoption", "EURUSD", 1.2, now.Add(time.Duration(i)*time.Second)))
		}

		h := e.HealthCheck()
		assert.Equal(t, "warning", h.Status)
		assert.Contains(t, h.Details, "memory")
	})
}

func TestCalculators(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("Volatility needs enough returns", func(t *testing.T) {
		window := []*tick.Tick{
			testTick(t, "iqoption", "EURUSD", 100, now),
			testTick(t, "iqoption", "EURUSD", 101, now.Add(time.Second)),
		}
		_, _, err := VolatilityCalculator{}.Calculate(ctx, window)
		var ins *InsufficientDataError
		assert.ErrorAs(t, err, &ins)
	})

	t.Run("Volatility of constant prices is zero", func(t *testing.T) {
		var window []*tick.Tick
		for i := 0; i < 10; i++ {
			window = append(window, testTick(t, "iqoption", "EURUSD", 100, now.Add(time.Duration(i)*time.Second)))
		}
		v, meta, err := VolatilityCalculator{}.Calculate(ctx, window)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v)
		assert.Equal(t, 9, meta["returns_used"])
	})

	t.Run("Spread average skips unquoted ticks", func(t *testing.T) {
		quoted := testTick(t, "iqoption", "EURUSD", 1.2001, now)
		quoted.Bid = decimal.NewNullDecimal(decimal.NewFromFloat(1.2000))
		quoted.Ask = decimal.NewNullDecimal(decimal.NewFromFloat(1.2002))
		quoted.Spread = decimal.NewNullDecimal(decimal.NewFromFloat(0.0002))
		window := []*tick.Tick{quoted, testTick(t, "iqoption", "EURUSD", 1.2, now)}

		v, meta, err := SpreadAverageCalculator{}.Calculate(ctx, window)
		require.NoError(t, err)
		assert.Greater(t, v, 0.0)
		assert.Equal(t, 1, meta["quoted_ticks"])
	})

	t.Run("Spread average with no quotes errors", func(t *testing.T) {
		window := []*tick.Tick{testTick(t, "iqoption", "EURUSD", 1.2, now)}
		_, _, err := SpreadAverageCalculator{}.Calculate(ctx, window)
		assert.Error(t, err)
	})
}

func TestStatisticsSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 2
	e := testEngine(cfg, MeanPriceCalculator{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		e.ProcessTick(ctx, testTick(t, "iqoption", fmt.Sprintf("SYM%d", i), 1.2, now))
	}
	s := e.Statistics()
	assert.Equal(t, "mean_price", s.MetricName)
	assert.Equal(t, int64(3), s.TicksProcessed)
	assert.Equal(t, 3, s.ActiveAssets)
	assert.Equal(t, 3, s.BufferedTicks)
}
