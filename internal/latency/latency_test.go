package latency

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
	"github.com/ionixcorp/BetaBot/internal/utils"
)

func testCompensator(t *testing.T, method string) *Compensator {
	t.Helper()
	cfg := config.Default()
	cfg.TickNormalizer.LatencyCompensation.Method = method
	cfg.Brokers["iqoption"] = config.Broker{Enabled: true, DefaultLatencyMs: 150}
	return NewCompensator(cfg, utils.NewLogger("error"))
}

func testTick(t *testing.T, ts time.Time) *tick.Tick {
	t.Helper()
	d, err := decimal.NewFromString("1.2")
	require.NoError(t, err)
	tk, err := tick.New(ts, "EURUSD", tick.BrokerIQOption, d, tick.Params{})
	require.NoError(t, err)
	return tk
}

func TestFixedCompensation(t *testing.T) {
	c := testCompensator(t, "fixed")
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	res, err := c.Compensate(testTick(t, ts))
	require.NoError(t, err)

	assert.Equal(t, MethodFixed, res.Method)
	assert.Equal(t, 150.0, res.LatencyMs)
	assert.Equal(t, 1.0, res.Confidence)
	assert.True(t, res.CompensatedTS.Equal(ts.Add(-150*time.Millisecond)),
		"fixed method always shifts by exactly the configured latency")
}

func TestAdaptiveFallsBackWithoutHistory(t *testing.T) {
	c := testCompensator(t, "adaptive")

	res, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)

	// No samples yet: confidence below threshold, fixed estimate used.
	assert.Equal(t, MethodFixed, res.Method)
	assert.Equal(t, 150.0, res.LatencyMs)
	assert.Equal(t, 0.5, res.Confidence)
}

func TestAdaptiveUsesMeasurements(t *testing.T) {
	c := testCompensator(t, "adaptive")
	// 40 of 50 window samples at ~200ms pushes confidence to 0.8.
	for i := 0; i < 40; i++ {
		c.RecordSample(tick.BrokerIQOption, 200+float64(i%5))
	}

	res, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)

	assert.Equal(t, MethodAdaptive, res.Method)
	assert.InDelta(t, 202, res.LatencyMs, 5)
	assert.InDelta(t, 0.8, res.Confidence, 0.001)
}

func TestAdaptiveClampsToBounds(t *testing.T) {
	c := testCompensator(t, "adaptive")
	for i := 0; i < 50; i++ {
		c.RecordSample(tick.BrokerIQOption, 2000)
	}

	res, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, 800.0, res.LatencyMs, "clamped to max_latency_ms")
}

func TestNetworkConfidenceGrowsWithSamples(t *testing.T) {
	c := testCompensator(t, "network")
	for i := 0; i < 10; i++ {
		c.RecordSample(tick.BrokerIQOption, 100)
	}

	res, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, MethodNetwork, res.Method)
	assert.InDelta(t, 0.5, res.Confidence, 0.001, "10 of 20 samples")
	assert.Equal(t, 100.0, res.LatencyMs)
}

func TestHybridBlendsEstimates(t *testing.T) {
	c := testCompensator(t, "hybrid")
	for i := 0; i < 25; i++ {
		c.RecordSample(tick.BrokerIQOption, 100)
	}

	res, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, MethodHybrid, res.Method)
	// Adaptive and network estimates agree at 100ms, so the blend does too.
	assert.Equal(t, 100.0, res.LatencyMs)
}

func TestCompensateUnknownBroker(t *testing.T) {
	c := testCompensator(t, "fixed")
	d, _ := decimal.NewFromString("1.2")
	tk, err := tick.New(time.Now(), "EURUSD", "nyse", d, tick.Params{})
	require.NoError(t, err)

	_, err = c.Compensate(tk)
	var cerr *CompensationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nyse", cerr.Broker)
}

func TestValidationRejectsOutOfBoundShift(t *testing.T) {
	c := testCompensator(t, "fixed")
	c.RegisterProfile(&Profile{
		Broker:         tick.BrokerIQOption,
		Method:         MethodFixed,
		FixedLatencyMs: 900,
		MaxLatencyMs:   800,
	})

	_, err := c.Compensate(testTick(t, time.Now().UTC()))
	var cerr *CompensationError
	assert.ErrorAs(t, err, &cerr)
}

func TestApplyFallsBackToOriginal(t *testing.T) {
	c := testCompensator(t, "fixed")
	c.RegisterProfile(&Profile{
		Broker:         tick.BrokerIQOption,
		Method:         MethodFixed,
		FixedLatencyMs: -10,
		MaxLatencyMs:   800,
	})

	original := testTick(t, time.Now().UTC())
	out, res := c.Apply(original)

	assert.Nil(t, res)
	assert.True(t, out.Timestamp.Equal(original.Timestamp), "negative latency keeps the tick unmodified")
	assert.Equal(t, 0.0, out.LatencyMs)
}

func TestApplyRewritesTimestamp(t *testing.T) {
	c := testCompensator(t, "fixed")
	original := testTick(t, time.Now().UTC())

	out, res := c.Apply(original)
	require.NotNil(t, res)
	assert.True(t, out.Timestamp.Equal(original.Timestamp.Add(-150*time.Millisecond)))
	assert.Equal(t, 150.0, out.LatencyMs)
	assert.True(t, original.Timestamp.Equal(res.OriginalTS), "input tick is not mutated")
}

func TestDisabledCompensatorPassesThrough(t *testing.T) {
	cfg := config.Default()
	f := false
	cfg.TickNormalizer.LatencyCompensation.Enabled = &f
	c := NewCompensator(cfg, utils.NewLogger("error"))

	original := testTick(t, time.Now().UTC())
	out, res := c.Apply(original)
	assert.Nil(t, res)
	assert.Same(t, original, out)
}

func TestMeasurementAPI(t *testing.T) {
	c := testCompensator(t, "network")

	c.StartMeasurement(tick.BrokerIQOption, "req-1")
	time.Sleep(2 * time.Millisecond)
	latency, ok := c.EndMeasurement(tick.BrokerIQOption, "req-1")
	require.True(t, ok)
	assert.Greater(t, latency, 0.0)

	_, ok = c.EndMeasurement(tick.BrokerIQOption, "req-1")
	assert.False(t, ok, "measurement consumed on first end")

	_, ok = c.EndMeasurement(tick.BrokerIQOption, "never-started")
	assert.False(t, ok)
}

func TestBrokerStats(t *testing.T) {
	c := testCompensator(t, "adaptive")
	for i := 0; i < 10; i++ {
		c.RecordSample(tick.BrokerIQOption, 100+float64(i))
	}
	_, err := c.Compensate(testTick(t, time.Now().UTC()))
	require.NoError(t, err)

	s, ok := c.Stats(tick.BrokerIQOption)
	require.True(t, ok)
	assert.Equal(t, 10, s.SampleCount)
	assert.InDelta(t, 104.5, s.NetworkLatencyMs, 0.001)
	assert.InDelta(t, 0.2, s.Confidence, 0.001)
	assert.NotEmpty(t, s.LastUpdate)

	all := c.AllStats()
	assert.Contains(t, all, tick.BrokerIQOption)

	c.ResetBroker(tick.BrokerIQOption)
	s, ok = c.Stats(tick.BrokerIQOption)
	require.True(t, ok)
	assert.Equal(t, 0, s.SampleCount)
	assert.Equal(t, 0.0, s.Confidence)
}

func TestConcurrentCompensation(t *testing.T) {
	c := testCompensator(t, "adaptive")
	tk := testTick(t, time.Now().UTC())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.RecordSample(tick.BrokerIQOption, 100+float64(i))
				if _, err := c.Compensate(tk); err != nil {
					t.Error(err)
				}
				c.Stats(tick.BrokerIQOption)
			}
		}()
	}
	wg.Wait()

	s, ok := c.Stats(tick.BrokerIQOption)
	require.True(t, ok)
	assert.Equal(t, 50, s.SampleCount, "measurement window stays bounded")
	assert.Equal(t, 1.0, s.Confidence)
}

func TestParseMethod(t *testing.T) {
	assert.Equal(t, MethodFixed, ParseMethod("fixed"))
	assert.Equal(t, MethodHybrid, ParseMethod("hybrid"))
	assert.Equal(t, MethodAdaptive, ParseMethod("bogus"))
}
