package normalizer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
	"github.com/ionixcorp/BetaBot/internal/utils"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Brokers["iqoption"] = config.Broker{Enabled: true, DefaultLatencyMs: 150}
	cfg.Assets["forex_traditional"] = map[string]config.Asset{
		"EURUSD": {Digits: 5, Truncate: false, Tolerance: 0.0001},
	}
	return cfg
}

func newTestIQOption(cfg *config.Config) *IQOption {
	return NewIQOption(cfg, utils.NewLogger("error"))
}

func TestIQOptionNormalize(t *testing.T) {
	t.Run("Canonical payload", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		tk, err := n.Normalize(RawTick{
			"active":    "EURUSD",
			"timestamp": int64(1700000000),
			"close":     "1.234567",
		})
		require.NoError(t, err)
		assert.Equal(t, "EURUSD", tk.Symbol)
		assert.Equal(t, tick.BrokerIQOption, tk.Broker)
		assert.Equal(t, "1.23457", tk.Price.String(), "digits=5 rounds half to even")
		assert.Equal(t, int64(1700000000), tk.Timestamp.Unix())
	})

	t.Run("Alias priority", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		tk, err := n.Normalize(RawTick{
			"symbol":    "EURUSD",
			"from":      int64(1700000000),
			"price":     1.2,
			"timestamp": nil,
		})
		require.NoError(t, err)
		assert.Equal(t, "EURUSD", tk.Symbol)
	})

	t.Run("Truncate policy", func(t *testing.T) {
		cfg := testConfig()
		cfg.Assets["forex_traditional"]["EURUSD"] = config.Asset{Digits: 3, Truncate: true, Tolerance: 0.0005}
		n := newTestIQOption(cfg)

		tk, err := n.Normalize(RawTick{
			"active":    "EURUSD",
			"timestamp": int64(1700000000),
			"close":     "1.23456",
		})
		require.NoError(t, err)
		assert.Equal(t, "1.234", tk.Price.String())
	})

	t.Run("Unknown symbol uses default digits", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		tk, err := n.Normalize(RawTick{
			"active":    "XAUUSD",
			"timestamp": int64(1700000000),
			"close":     "1932.1234567",
		})
		require.NoError(t, err)
		assert.Equal(t, "1932.12346", tk.Price.String())
	})

	t.Run("Spread recomputed from adjusted quotes", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		tk, err := n.Normalize(RawTick{
			"active":    "EURUSD",
			"timestamp": int64(1700000000),
			"close":     "1.20010",
			"bid":       "1.200049",
			"ask":       "1.200151",
		})
		require.NoError(t, err)
		require.True(t, tk.Spread.Valid)
		expected := tk.Ask.Decimal.Sub(tk.Bid.Decimal)
		assert.True(t, tk.Spread.Decimal.Equal(expected))
	})

	t.Run("Missing symbol", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		_, err := n.Normalize(RawTick{"timestamp": int64(1700000000), "close": 1.2})

		var invalid *InvalidTickDataError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "symbol", invalid.Field)
	})

	t.Run("Missing price", func(t *testing.T) {
		n := newTestIQOption(testConfig())
		_, err := n.Normalize(RawTick{"active": "EURUSD", "timestamp": int64(1700000000)})

		var invalid *InvalidTickDataError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "price", invalid.Field)
	})

	t.Run("Disabled broker", func(t *testing.T) {
		cfg := testConfig()
		cfg.Brokers["iqoption"] = config.Broker{Enabled: false}
		n := newTestIQOption(cfg)

		_, err := n.Normalize(RawTick{"active": "EURUSD", "timestamp": int64(1700000000), "close": 1.2})
		var disabled *BrokerDisabledError
		assert.ErrorAs(t, err, &disabled)
	})

	t.Run("Idempotent", func(t *testing.T) {
		// Normalize holds no dedup state, so the same payload yields the
		// same tick on every call.
		n := newTestIQOption(testConfig())
		raw := RawTick{"active": "EURUSD", "timestamp": int64(1700000000), "close": "1.234567"}

		first, err := n.Normalize(raw)
		require.NoError(t, err)

		second, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.True(t, first.Price.Equal(second.Price))
		assert.True(t, first.Timestamp.Equal(second.Timestamp))
		assert.Equal(t, first.Symbol, second.Symbol)
	})
}

func TestDuplicateDetection(t *testing.T) {
	n := newTestIQOption(testConfig())
	d := NewDispatcher(n)
	raw := RawTick{"active": "EURUSD", "timestamp": int64(1700000000), "close": "1.23456"}

	_, err := d.Dispatch("iqoption", raw)
	require.NoError(t, err)

	_, err = d.Dispatch("iqoption", raw)
	var dup *DuplicateTickError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "EURUSD", dup.Symbol)

	// Outside the 2s dedup window the same price is a fresh tick.
	later := RawTick{"active": "EURUSD", "timestamp": int64(1700000010), "close": "1.23456"}
	_, err = d.Dispatch("iqoption", later)
	assert.NoError(t, err)

	// Normalization succeeds on all three ticks; the duplicate is dropped
	// at dispatch.
	stats := n.Stats()
	assert.Equal(t, int64(3), stats.ProcessedTicks)
	assert.Equal(t, int64(1), stats.DuplicateTicks)
}

func TestApplyDigitsTolerance(t *testing.T) {
	// A discrepancy above tolerance warns but never rejects.
	cfg := testConfig()
	cfg.Assets["forex_traditional"]["EURUSD"] = config.Asset{Digits: 3, Truncate: true, Tolerance: 0.0005}
	n := newTestIQOption(cfg)

	price, err := decimal.NewFromString("1.23456")
	require.NoError(t, err)
	adjusted := n.applyDigits(price, cfg.Assets["forex_traditional"]["EURUSD"])
	assert.Equal(t, "1.234", adjusted.String())
}

func TestDispatcher(t *testing.T) {
	cfg := testConfig()
	d := NewDispatcher(newTestIQOption(cfg))

	t.Run("Registered broker", func(t *testing.T) {
		tk, err := d.Dispatch("IQOption", RawTick{
			"active":    "EURUSD",
			"timestamp": int64(1700000000),
			"close":     "1.23456",
		})
		require.NoError(t, err)
		assert.Equal(t, tick.BrokerIQOption, tk.Broker)
	})

	t.Run("Unknown broker", func(t *testing.T) {
		_, err := d.Dispatch("nyse", RawTick{})
		var unknown *UnknownBrokerError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "nyse", unknown.Broker)
		assert.Contains(t, unknown.Registered, "iqoption")
	})

	t.Run("Registered list sorted", func(t *testing.T) {
		assert.Equal(t, []string{"iqoption"}, d.Registered())
	})
}

func TestNormalizerStats(t *testing.T) {
	n := newTestIQOption(testConfig())

	_, err := n.Normalize(RawTick{"active": "EURUSD", "timestamp": int64(1700000000), "close": "1.2"})
	require.NoError(t, err)
	_, err = n.Normalize(RawTick{"timestamp": int64(1700000001)})
	require.Error(t, err)

	stats := n.Stats()
	assert.Equal(t, int64(1), stats.ProcessedTicks)
	assert.Equal(t, int64(1), stats.FailedTicks)
	assert.Equal(t, 50.0, stats.SuccessRatePct)
	assert.NotEmpty(t, stats.LastTickTimestamp)

	n.ResetStats()
	stats = n.Stats()
	assert.Equal(t, int64(0), stats.ProcessedTicks)
	assert.Empty(t, stats.LastTickTimestamp)
}
