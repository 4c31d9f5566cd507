package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.7, cfg.TickNormalizer.DataQuality.MinQualityScore)
	assert.Equal(t, 5.0, cfg.TickNormalizer.DataQuality.MaxSpreadPercentage)
	assert.Equal(t, 2.0, cfg.TickNormalizer.DataQuality.DuplicateWindowSeconds)
	assert.Equal(t, "adaptive", cfg.TickNormalizer.LatencyCompensation.Method)
	assert.Equal(t, 150.0, cfg.TickNormalizer.LatencyCompensation.FixedLatencyMs)
	assert.Equal(t, 50.0, cfg.TickNormalizer.LatencyCompensation.MinLatencyMs)
	assert.Equal(t, 800.0, cfg.TickNormalizer.LatencyCompensation.MaxLatencyMs)
	assert.Equal(t, 0.7, cfg.TickNormalizer.LatencyCompensation.ConfidenceThreshold)
	assert.Equal(t, 50, cfg.TickNormalizer.LatencyCompensation.MeasurementWindowSize)
	assert.Equal(t, 2.5, cfg.TickNormalizer.AnomalyDetection.PriceSigmaThreshold)
	assert.Equal(t, 2.0, cfg.TickNormalizer.AnomalyDetection.VolumeSigmaThreshold)
	assert.Equal(t, 30, cfg.TickNormalizer.AnomalyDetection.WindowSize)
	assert.Equal(t, 5, cfg.TickNormalizer.AnomalyDetection.MinSamples)
	assert.Equal(t, 5000, cfg.TickNormalizer.Performance.BufferSize)

	require.NotNil(t, cfg.TickNormalizer.Validation.PricePositive)
	assert.True(t, *cfg.TickNormalizer.Validation.PricePositive)
}

func TestLoad(t *testing.T) {
	t.Run("Empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 0.7, cfg.TickNormalizer.DataQuality.MinQualityScore)
	})

	t.Run("Missing file errors", func(t *testing.T) {
		_, err := Load("/no/such/file.yaml")
		assert.Error(t, err)
	})

	t.Run("Partial file keeps defaults elsewhere", func(t *testing.T) {
		path := writeConfig(t, `
tick_normalizer:
  data_quality:
    min_quality_score: 0.9
  validation:
    sequence_validation: false
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 0.9, cfg.TickNormalizer.DataQuality.MinQualityScore)
		assert.Equal(t, 5.0, cfg.TickNormalizer.DataQuality.MaxSpreadPercentage)
		require.NotNil(t, cfg.TickNormalizer.Validation.SequenceValidation)
		assert.False(t, *cfg.TickNormalizer.Validation.SequenceValidation, "explicit false survives default merging")
		require.NotNil(t, cfg.TickNormalizer.Validation.PricePositive)
		assert.True(t, *cfg.TickNormalizer.Validation.PricePositive)
	})

	t.Run("Brokers and assets parsed", func(t *testing.T) {
		path := writeConfig(t, `
brokers:
  iqoption:
    enabled: true
    default_latency_ms: 150.0
    allow_out_of_sequence: true
assets:
  forex_traditional:
    EURUSD: { digits: 5, truncate: false, tolerance: 0.0001 }
  binary_options:
    EURUSD-OTC: { digits: 5, truncate: true, tolerance: 0.0001 }
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		b, ok := cfg.GetBrokerConfig("IQOption")
		require.True(t, ok, "broker lookup is case insensitive")
		assert.True(t, b.Enabled)
		assert.True(t, b.AllowOutOfSequence)
		assert.Equal(t, 150.0, b.DefaultLatencyMs)

		a, ok := cfg.GetAssetConfig("forex_traditional", "EURUSD")
		require.True(t, ok)
		assert.Equal(t, 5, a.Digits)
		assert.False(t, a.Truncate)

		_, ok = cfg.GetAssetConfig("crypto_traditional", "EURUSD")
		assert.False(t, ok)
	})

	t.Run("Environment overrides service section", func(t *testing.T) {
		t.Setenv("METRICS_ADDR", ":9999")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":9999", cfg.Service.MetricsAddr)
	})
}

func TestFindAssetConfig(t *testing.T) {
	cfg := Default()
	cfg.Assets = map[string]map[string]Asset{
		"crypto_traditional": {"BTCUSD": {Digits: 2}},
		"binary_options":     {"BTCUSD": {Digits: 8}},
	}

	a, ok := cfg.FindAssetConfig("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, 2, a.Digits, "categories probed in fixed order")

	_, ok = cfg.FindAssetConfig("UNKNOWN")
	assert.False(t, ok)
}
