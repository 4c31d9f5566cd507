package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// ValidatorConfig selects which rules run and their thresholds.
type ValidatorConfig struct {
	ValidatePrice     bool
	ValidateVolume    bool
	ValidateSpread    bool
	ValidateTimestamp bool
	ValidateSequence  bool

	MaxSpreadPercent  float64
	MaxTickAgeSeconds float64
	MaxFutureSeconds  float64

	EnableAnomalyDetection bool
	Anomaly                AnomalyConfig

	MinQualityScore float64
}

// DefaultValidatorConfig returns the documented defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ValidatePrice:          true,
		ValidateVolume:         true,
		ValidateSpread:         true,
		ValidateTimestamp:      true,
		ValidateSequence:       true,
		MaxSpreadPercent:       5.0,
		MaxTickAgeSeconds:      300,
		MaxFutureSeconds:       10,
		EnableAnomalyDetection: true,
		Anomaly:                DefaultAnomalyConfig(),
		MinQualityScore:        0.6,
	}
}

// ValidatorConfigFromApp maps the tick_normalizer YAML sections onto a
// ValidatorConfig.
func ValidatorConfigFromApp(cfg *config.Config) ValidatorConfig {
	tn := cfg.TickNormalizer
	enabled := func(b *bool) bool { return b != nil && *b }

	vc := DefaultValidatorConfig()
	vc.ValidatePrice = enabled(tn.Validation.PricePositive)
	vc.ValidateVolume = enabled(tn.Validation.VolumeNonNegative)
	vc.ValidateSpread = enabled(tn.Validation.SpreadValidation)
	vc.ValidateTimestamp = enabled(tn.Validation.TimestampValidation)
	vc.ValidateSequence = enabled(tn.Validation.SequenceValidation)
	vc.EnableAnomalyDetection = enabled(tn.Validation.AnomalyDetection)
	vc.MaxSpreadPercent = tn.DataQuality.MaxSpreadPercentage
	vc.MaxTickAgeSeconds = float64(tn.DataQuality.MaxAgeSeconds)
	vc.MinQualityScore = tn.DataQuality.MinQualityScore
	vc.Anomaly = AnomalyConfig{
		PriceSigmaThreshold:   tn.AnomalyDetection.PriceSigmaThreshold,
		VolumeSigmaThreshold:  tn.AnomalyDetection.VolumeSigmaThreshold,
		WindowSize:            tn.AnomalyDetection.WindowSize,
		MinSamples:            tn.AnomalyDetection.MinSamples,
		EnablePriceDetection:  vc.EnableAnomalyDetection,
		EnableVolumeDetection: vc.EnableAnomalyDetection,
	}
	return vc
}

// Stats is a snapshot of the validator's cumulative counters.
type Stats struct {
	TotalValidations    int64       `json:"total_validations"`
	TotalFailures       int64       `json:"total_failures"`
	FailureRatePct      float64     `json:"failure_rate_percent"`
	AvgProcessingTimeMs float64     `json:"average_processing_time_ms"`
	RuleStats           []RuleStats `json:"rule_statistics"`
}

// Validator is the data quality engine: ordered rules plus the anomaly
// detector, producing one fresh Report per tick.
type Validator struct {
	cfg     ValidatorConfig
	rules   []*ruleEntry
	anomaly *AnomalyDetector
	log     zerolog.Logger

	mu               sync.Mutex
	totalValidations int64
	totalFailures    int64
	totalTimeMs      float64
}

// NewValidator builds a validator with the default rule set derived
// from cfg.
func NewValidator(cfg ValidatorConfig, log zerolog.Logger) *Validator {
	v := &Validator{
		cfg:     cfg,
		anomaly: NewAnomalyDetector(cfg.Anomaly),
		log:     log.With().Str("component", "quality").Logger(),
	}
	if cfg.ValidatePrice {
		v.AddRule(PricePositiveRule{})
	}
	if cfg.ValidateVolume {
		v.AddRule(VolumeNonNegativeRule{})
	}
	if cfg.ValidateSpread {
		v.AddRule(SpreadValidRule{MaxSpreadPercent: cfg.MaxSpreadPercent})
	}
	if cfg.ValidateTimestamp {
		v.AddRule(TimestampValidRule{MaxAgeSeconds: cfg.MaxTickAgeSeconds, MaxFutureSeconds: cfg.MaxFutureSeconds})
	}
	if cfg.ValidateSequence {
		v.AddRule(NewSequenceValidRule())
	}
	return v
}

// AddRule appends a rule; rules run in registration order.
func (v *Validator) AddRule(r Rule) {
	v.rules = append(v.rules, &ruleEntry{rule: r, enabled: true})
}

// RemoveRule deletes a rule by name.
func (v *Validator) RemoveRule(name string) bool {
	for i, e := range v.rules {
		if e.rule.Name() == name {
			v.rules = append(v.rules[:i], v.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule without removing its counters.
func (v *Validator) SetRuleEnabled(name string, enabled bool) bool {
	for _, e := range v.rules {
		if e.rule.Name() == name {
			e.enabled = enabled
			return true
		}
	}
	return false
}

// Validate runs every registered rule plus anomaly detection over the
// tick and derives the overall result and quality score. Rules do not
// short-circuit: all run so one tick yields a complete diagnostic
// picture. A panicking rule is converted into a synthetic CRITICAL
// issue and the report fails closed with score 0.0.
func (v *Validator) Validate(t *tick.Tick, ctx Context) *Report {
	start := time.Now()
	if ctx == nil {
		ctx = Context{}
	}

	report := &Report{
		ID:        uuid.NewString(),
		TickKey:   t.AssetKey(),
		Timestamp: time.Now().UTC(),
	}

	var issues []Issue
	crashed := v.run(t, ctx, &issues)

	report.ProcessingTime = time.Since(start)
	report.ProcessingTimeMs = float64(report.ProcessingTime.Microseconds()) / 1000

	if crashed != nil {
		report.Result = ResultFail
		report.QualityScore = 0.0
		report.Issues = []Issue{{
			Rule:     "validation_error",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("validation engine error: %v", crashed),
		}}
		v.record(report)
		return report
	}

	report.Issues = issues
	report.Result = deriveResult(issues)
	report.QualityScore = deriveQualityScore(t, issues)
	report.RulesExecuted = v.enabledRuleCount()
	if v.cfg.EnableAnomalyDetection {
		report.AnomalyChecks = 2
	}
	v.record(report)
	return report
}

// run executes rules and anomaly checks, recovering from rule panics so
// a single broken rule cannot take the engine down.
func (v *Validator) run(t *tick.Tick, ctx Context, issues *[]Issue) (crash error) {
	defer func() {
		if r := recover(); r != nil {
			crash = fmt.Errorf("%v", r)
		}
	}()

	for _, e := range v.rules {
		if issue := e.execute(t, ctx); issue != nil {
			*issues = append(*issues, *issue)
		}
	}

	if v.cfg.EnableAnomalyDetection {
		if issue := v.anomaly.DetectPriceAnomaly(t); issue != nil {
			*issues = append(*issues, *issue)
		}
		if issue := v.anomaly.DetectVolumeAnomaly(t); issue != nil {
			*issues = append(*issues, *issue)
		}
		// The new value enters its window whether or not it was
		// anomalous.
		v.anomaly.AddTick(t)
	}
	return nil
}

func (v *Validator) enabledRuleCount() int {
	n := 0
	for _, e := range v.rules {
		if e.enabled {
			n++
		}
	}
	return n
}

func (v *Validator) record(r *Report) {
	v.mu.Lock()
	v.totalValidations++
	v.totalTimeMs += r.ProcessingTimeMs
	if !r.IsValid() {
		v.totalFailures++
	}
	v.mu.Unlock()
}

// Statistics returns cumulative counters; reset only on explicit request.
func (v *Validator) Statistics() Stats {
	v.mu.Lock()
	s := Stats{TotalValidations: v.totalValidations, TotalFailures: v.totalFailures}
	if v.totalValidations > 0 {
		s.FailureRatePct = float64(v.totalFailures) / float64(v.totalValidations) * 100
		s.AvgProcessingTimeMs = v.totalTimeMs / float64(v.totalValidations)
	}
	v.mu.Unlock()

	for _, e := range v.rules {
		s.RuleStats = append(s.RuleStats, e.stats())
	}
	return s
}

// ResetStatistics clears the validator and per-rule counters.
func (v *Validator) ResetStatistics() {
	v.mu.Lock()
	v.totalValidations = 0
	v.totalFailures = 0
	v.totalTimeMs = 0
	v.mu.Unlock()

	for _, e := range v.rules {
		e.reset()
	}
}

// QuickCheck is the cheap structural pre-check used by the metric
// engine; it covers only the blocking invariants.
func QuickCheck(t *tick.Tick) bool {
	if t == nil || t.Symbol == "" || t.Broker == "" || t.Timestamp.IsZero() {
		return false
	}
	if !t.Price.IsPositive() {
		return false
	}
	if t.Volume.Valid && t.Volume.Decimal.IsNegative() {
		return false
	}
	if t.Bid.Valid && t.Ask.Valid && !t.Ask.Decimal.GreaterThan(t.Bid.Decimal) {
		return false
	}
	return time.Since(t.Timestamp) <= time.Hour
}
