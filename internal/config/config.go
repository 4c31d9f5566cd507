// Package config exposes strongly typed pipeline configuration loaded
// from YAML, with documented defaults applied for every absent field.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:

service:
  metrics_addr: ":9100"
  redis_addr: "localhost:6379"
  db_conn_str: ""
tick_normalizer:
  data_quality:
    min_quality_score: 0.7
    max_spread_percentage: 5.0
    max_age_seconds: 60
    duplicate_detection: true
    duplicate_window_seconds: 2.0
  latency_compensation:
    enabled: true
    method: "adaptive"
    fixed_latency_ms: 150.0
    min_latency_ms: 50.0
    max_latency_ms: 800.0
    confidence_threshold: 0.7
    measurement_window_size: 50
  validation:
    price_positive: true
    volume_non_negative: true
    spread_validation: true
    timestamp_validation: true
    sequence_validation: true
    anomaly_detection: true
  anomaly_detection:
    price_sigma_threshold: 2.5
    volume_sigma_threshold: 2.0
    window_size: 30
    min_samples: 5
  performance:
    buffer_size: 5000
    batch_size: 50
    max_latency_ms: 500
    processing_threads: 1
    queue_max_size: 2000
  logging:
    level: "debug"
    log_raw_data: true
    log_normalized_ticks: true
    log_validation_details: true
    log_latency_measurements: true
brokers:
  iqoption:
    enabled: true
    default_latency_ms: 150.0
    volume_available: false
    allow_out_of_sequence: true
assets:
  forex_traditional:
    EURUSD: { digits: 5, truncate: false, tolerance: 0.0001 }
*/

// Service captures process-level settings, overridable from the
// environment.
type Service struct {
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" envDefault:":9100"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB     int    `yaml:"redis_db" env:"REDIS_DB" envDefault:"0"`
	DBConnStr   string `yaml:"db_conn_str" env:"DB_CONN_STR"`
	DBMaxOpen   int    `yaml:"db_max_open" env:"DB_MAX_OPEN" envDefault:"10"`
	DBMaxIdle   int    `yaml:"db_max_idle" env:"DB_MAX_IDLE" envDefault:"5"`
}

// DataQuality mirrors the data_quality section.
type DataQuality struct {
	MinQualityScore        float64 `yaml:"min_quality_score"`
	MaxSpreadPercentage    float64 `yaml:"max_spread_percentage"`
	MaxAgeSeconds          int     `yaml:"max_age_seconds"`
	DuplicateDetection     *bool   `yaml:"duplicate_detection"`
	DuplicateWindowSeconds float64 `yaml:"duplicate_window_seconds"`
}

// LatencyCompensation mirrors the latency_compensation section.
type LatencyCompensation struct {
	Enabled               *bool   `yaml:"enabled"`
	Method                string  `yaml:"method"`
	FixedLatencyMs        float64 `yaml:"fixed_latency_ms"`
	MinLatencyMs          float64 `yaml:"min_latency_ms"`
	MaxLatencyMs          float64 `yaml:"max_latency_ms"`
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	MeasurementWindowSize int     `yaml:"measurement_window_size"`
}

// Validation mirrors the validation section: per-rule enable flags.
type Validation struct {
	PricePositive       *bool `yaml:"price_positive"`
	VolumeNonNegative   *bool `yaml:"volume_non_negative"`
	SpreadValidation    *bool `yaml:"spread_validation"`
	TimestampValidation *bool `yaml:"timestamp_validation"`
	SequenceValidation  *bool `yaml:"sequence_validation"`
	AnomalyDetection    *bool `yaml:"anomaly_detection"`
}

// AnomalyDetection mirrors the anomaly_detection section.
type AnomalyDetection struct {
	PriceSigmaThreshold  float64 `yaml:"price_sigma_threshold"`
	VolumeSigmaThreshold float64 `yaml:"volume_sigma_threshold"`
	WindowSize           int     `yaml:"window_size"`
	MinSamples           int     `yaml:"min_samples"`
}

// Performance mirrors the performance section.
type Performance struct {
	BufferSize        int     `yaml:"buffer_size"`
	BatchSize         int     `yaml:"batch_size"`
	MaxLatencyMs      float64 `yaml:"max_latency_ms"`
	ProcessingThreads int     `yaml:"processing_threads"`
	QueueMaxSize      int     `yaml:"queue_max_size"`
}

// Logging mirrors the logging section.
type Logging struct {
	Level                  string `yaml:"level"`
	LogRawData             *bool  `yaml:"log_raw_data"`
	LogNormalizedTicks     *bool  `yaml:"log_normalized_ticks"`
	LogValidationDetails   *bool  `yaml:"log_validation_details"`
	LogLatencyMeasurements *bool  `yaml:"log_latency_measurements"`
}

// TickNormalizer groups the six pipeline sub-sections.
type TickNormalizer struct {
	DataQuality         DataQuality         `yaml:"data_quality"`
	LatencyCompensation LatencyCompensation `yaml:"latency_compensation"`
	Validation          Validation          `yaml:"validation"`
	AnomalyDetection    AnomalyDetection    `yaml:"anomaly_detection"`
	Performance         Performance         `yaml:"performance"`
	Logging             Logging             `yaml:"logging"`
}

// Broker describes a single broker entry. Connection and auth settings
// live with the connectivity layer; only the fields the pipeline reads
// are modeled here.
type Broker struct {
	Enabled            bool    `yaml:"enabled"`
	DefaultLatencyMs   float64 `yaml:"default_latency_ms"`
	VolumeAvailable    bool    `yaml:"volume_available"`
	AllowOutOfSequence bool    `yaml:"allow_out_of_sequence"`
}

// Asset carries the per-asset digits policy used during normalization.
type Asset struct {
	Digits    int     `yaml:"digits"`
	Truncate  bool    `yaml:"truncate"`
	Tolerance float64 `yaml:"tolerance"`
}

// Config collects every configuration leaf.
type Config struct {
	Service        Service                     `yaml:"service"`
	TickNormalizer TickNormalizer              `yaml:"tick_normalizer"`
	Brokers        map[string]Broker           `yaml:"brokers"`
	Assets         map[string]map[string]Asset `yaml:"assets"`
}

// AssetCategories is the fixed probe order for asset config lookup.
var AssetCategories = []string{"forex_traditional", "crypto_traditional", "binary_options"}

// DefaultDigits applies when no asset config matches.
const DefaultDigits = 5

// Default returns a Config with every documented default applied.
func Default() *Config {
	t := true
	cfg := &Config{
		Service: Service{MetricsAddr: ":9100", DBMaxOpen: 10, DBMaxIdle: 5},
		TickNormalizer: TickNormalizer{
			DataQuality: DataQuality{
				MinQualityScore:        0.7,
				MaxSpreadPercentage:    5.0,
				MaxAgeSeconds:          60,
				DuplicateDetection:     &t,
				DuplicateWindowSeconds: 2.0,
			},
			LatencyCompensation: LatencyCompensation{
				Enabled:               &t,
				Method:                "adaptive",
				FixedLatencyMs:        150.0,
				MinLatencyMs:          50.0,
				MaxLatencyMs:          800.0,
				ConfidenceThreshold:   0.7,
				MeasurementWindowSize: 50,
			},
			Validation: Validation{
				PricePositive:       &t,
				VolumeNonNegative:   &t,
				SpreadValidation:    &t,
				TimestampValidation: &t,
				SequenceValidation:  &t,
				AnomalyDetection:    &t,
			},
			AnomalyDetection: AnomalyDetection{
				PriceSigmaThreshold:  2.5,
				VolumeSigmaThreshold: 2.0,
				WindowSize:           30,
				MinSamples:           5,
			},
			Performance: Performance{
				BufferSize:        5000,
				BatchSize:         50,
				MaxLatencyMs:      500,
				ProcessingThreads: 1,
				QueueMaxSize:      2000,
			},
			Logging: Logging{
				Level:                  "debug",
				LogRawData:             &t,
				LogNormalizedTicks:     &t,
				LogValidationDetails:   &t,
				LogLatencyMeasurements: &t,
			},
		},
		Brokers: map[string]Broker{},
		Assets:  map[string]map[string]Asset{},
	}
	return cfg
}

// Load reads a YAML file, fills absent fields with defaults, and applies
// environment overrides to the service section.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(cfg)
	if err := env.Parse(&cfg.Service); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for numeric fields YAML zeroed out.
// Boolean flags use pointers so "false" survives merging.
func applyDefaults(cfg *Config) {
	def := Default()
	dq := &cfg.TickNormalizer.DataQuality
	if dq.MinQualityScore == 0 {
		dq.MinQualityScore = def.TickNormalizer.DataQuality.MinQualityScore
	}
	if dq.MaxSpreadPercentage == 0 {
		dq.MaxSpreadPercentage = def.TickNormalizer.DataQuality.MaxSpreadPercentage
	}
	if dq.MaxAgeSeconds == 0 {
		dq.MaxAgeSeconds = def.TickNormalizer.DataQuality.MaxAgeSeconds
	}
	if dq.DuplicateDetection == nil {
		dq.DuplicateDetection = def.TickNormalizer.DataQuality.DuplicateDetection
	}
	if dq.DuplicateWindowSeconds == 0 {
		dq.DuplicateWindowSeconds = def.TickNormalizer.DataQuality.DuplicateWindowSeconds
	}

	lc := &cfg.TickNormalizer.LatencyCompensation
	if lc.Enabled == nil {
		lc.Enabled = def.TickNormalizer.LatencyCompensation.Enabled
	}
	if lc.Method == "" {
		lc.Method = def.TickNormalizer.LatencyCompensation.Method
	}
	if lc.FixedLatencyMs == 0 {
		lc.FixedLatencyMs = def.TickNormalizer.LatencyCompensation.FixedLatencyMs
	}
	if lc.MinLatencyMs == 0 {
		lc.MinLatencyMs = def.TickNormalizer.LatencyCompensation.MinLatencyMs
	}
	if lc.MaxLatencyMs == 0 {
		lc.MaxLatencyMs = def.TickNormalizer.LatencyCompensation.MaxLatencyMs
	}
	if lc.ConfidenceThreshold == 0 {
		lc.ConfidenceThreshold = def.TickNormalizer.LatencyCompensation.ConfidenceThreshold
	}
	if lc.MeasurementWindowSize == 0 {
		lc.MeasurementWindowSize = def.TickNormalizer.LatencyCompensation.MeasurementWindowSize
	}

	v := &cfg.TickNormalizer.Validation
	dv := def.TickNormalizer.Validation
	if v.PricePositive == nil {
		v.PricePositive = dv.PricePositive
	}
	if v.VolumeNonNegative == nil {
		v.VolumeNonNegative = dv.VolumeNonNegative
	}
	if v.SpreadValidation == nil {
		v.SpreadValidation = dv.SpreadValidation
	}
	if v.TimestampValidation == nil {
		v.TimestampValidation = dv.TimestampValidation
	}
	if v.SequenceValidation == nil {
		v.SequenceValidation = dv.SequenceValidation
	}
	if v.AnomalyDetection == nil {
		v.AnomalyDetection = dv.AnomalyDetection
	}

	ad := &cfg.TickNormalizer.AnomalyDetection
	if ad.PriceSigmaThreshold == 0 {
		ad.PriceSigmaThreshold = def.TickNormalizer.AnomalyDetection.PriceSigmaThreshold
	}
	if ad.VolumeSigmaThreshold == 0 {
		ad.VolumeSigmaThreshold = def.TickNormalizer.AnomalyDetection.VolumeSigmaThreshold
	}
	if ad.WindowSize == 0 {
		ad.WindowSize = def.TickNormalizer.AnomalyDetection.WindowSize
	}
	if ad.MinSamples == 0 {
		ad.MinSamples = def.TickNormalizer.AnomalyDetection.MinSamples
	}

	p := &cfg.TickNormalizer.Performance
	if p.BufferSize == 0 {
		p.BufferSize = def.TickNormalizer.Performance.BufferSize
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.TickNormalizer.Performance.BatchSize
	}
	if p.MaxLatencyMs == 0 {
		p.MaxLatencyMs = def.TickNormalizer.Performance.MaxLatencyMs
	}
	if p.ProcessingThreads == 0 {
		p.ProcessingThreads = def.TickNormalizer.Performance.ProcessingThreads
	}
	if p.QueueMaxSize == 0 {
		p.QueueMaxSize = def.TickNormalizer.Performance.QueueMaxSize
	}

	l := &cfg.TickNormalizer.Logging
	dl := def.TickNormalizer.Logging
	if l.Level == "" {
		l.Level = dl.Level
	}
	if l.LogRawData == nil {
		l.LogRawData = dl.LogRawData
	}
	if l.LogNormalizedTicks == nil {
		l.LogNormalizedTicks = dl.LogNormalizedTicks
	}
	if l.LogValidationDetails == nil {
		l.LogValidationDetails = dl.LogValidationDetails
	}
	if l.LogLatencyMeasurements == nil {
		l.LogLatencyMeasurements = dl.LogLatencyMeasurements
	}

	if cfg.Brokers == nil {
		cfg.Brokers = map[string]Broker{}
	}
	if cfg.Assets == nil {
		cfg.Assets = map[string]map[string]Asset{}
	}
	if cfg.Service.MetricsAddr == "" {
		cfg.Service.MetricsAddr = def.Service.MetricsAddr
	}
	if cfg.Service.DBMaxOpen == 0 {
		cfg.Service.DBMaxOpen = def.Service.DBMaxOpen
	}
	if cfg.Service.DBMaxIdle == 0 {
		cfg.Service.DBMaxIdle = def.Service.DBMaxIdle
	}
}

// GetBrokerConfig looks up a broker entry by lower-cased name.
func (c *Config) GetBrokerConfig(name string) (Broker, bool) {
	b, ok := c.Brokers[strings.ToLower(name)]
	return b, ok
}

// GetAssetConfig looks up the digits policy for a symbol inside one
// category. Absence is valid degraded input; callers fall back to
// DefaultDigits.
func (c *Config) GetAssetConfig(category, symbol string) (Asset, bool) {
	cat, ok := c.Assets[category]
	if !ok {
		return Asset{}, false
	}
	a, ok := cat[symbol]
	return a, ok
}

// FindAssetConfig probes the fixed category order until a match is found.
func (c *Config) FindAssetConfig(symbol string) (Asset, bool) {
	for _, cat := range AssetCategories {
		if a, ok := c.GetAssetConfig(cat, symbol); ok {
			return a, true
		}
	}
	return Asset{}, false
}
