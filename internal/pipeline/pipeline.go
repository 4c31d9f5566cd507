// Package pipeline wires the full tick chain: dispatch, validation,
// latency compensation, metric engines, and the best-effort sinks.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/cache"
	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/db"
	"github.com/ionixcorp/BetaBot/internal/engine"
	"github.com/ionixcorp/BetaBot/internal/instrumentation"
	"github.com/ionixcorp/BetaBot/internal/latency"
	"github.com/ionixcorp/BetaBot/internal/normalizer"
	"github.com/ionixcorp/BetaBot/internal/quality"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// FailPolicy decides what happens to a tick whose validation FAILed.
// WARN ticks always pass through with their reduced quality score.
type FailPolicy string

const (
	// PolicyDrop discards FAIL ticks.
	PolicyDrop FailPolicy = "drop"
	// PolicyQuarantine archives FAIL ticks but keeps them out of the
	// engines.
	PolicyQuarantine FailPolicy = "quarantine"
	// PolicyPass forwards FAIL ticks with their low quality score for
	// downstream discounting.
	PolicyPass FailPolicy = "pass"
)

// Quarantine receives FAIL ticks under PolicyQuarantine.
type Quarantine interface {
	Quarantine(ctx context.Context, t *tick.Tick, report *quality.Report) error
}

// Outcome is the result of ingesting one raw tick.
type Outcome struct {
	Tick    *tick.Tick
	Report  *quality.Report
	Results []*engine.Result
	Dropped bool
	Reason  string
}

// Pipeline runs the canonical chain for every raw tick. The dispatcher,
// validator, and compensator are required; cache, archive, and
// quarantine sinks are optional and always best-effort.
type Pipeline struct {
	cfg         *config.Config
	dispatcher  *normalizer.Dispatcher
	validator   *quality.Validator
	compensator *latency.Compensator
	engines     []*engine.Engine

	cache      *cache.LatestTicks
	archive    db.Storage
	quarantine Quarantine

	policy FailPolicy
	log    zerolog.Logger
}

// Option configures optional pipeline sinks and policies.
type Option func(*Pipeline)

// WithCache publishes every accepted tick as the asset's latest.
func WithCache(c *cache.LatestTicks) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithArchive persists every accepted tick.
func WithArchive(s db.Storage) Option {
	return func(p *Pipeline) { p.archive = s }
}

// WithQuarantine routes FAIL ticks to q under PolicyQuarantine.
func WithQuarantine(q Quarantine) Option {
	return func(p *Pipeline) { p.quarantine = q }
}

// WithFailPolicy overrides the default drop policy for FAIL ticks.
func WithFailPolicy(policy FailPolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// New assembles a pipeline.
func New(cfg *config.Config, d *normalizer.Dispatcher, v *quality.Validator, c *latency.Compensator, engines []*engine.Engine, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		dispatcher:  d,
		validator:   v,
		compensator: c,
		engines:     engines,
		policy:      PolicyDrop,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest pushes one raw broker payload through the full chain. Errors
// that compromise a single tick are absorbed into the Outcome; only the
// raw dispatch errors surface so callers can distinguish bad payloads
// from policy drops.
func (p *Pipeline) Ingest(ctx context.Context, broker string, raw normalizer.RawTick) (*Outcome, error) {
	instrumentation.TicksReceived.WithLabelValues(broker).Inc()

	t, err := p.dispatch(broker, raw)
	if err != nil {
		var dup *normalizer.DuplicateTickError
		if errors.As(err, &dup) {
			instrumentation.TicksDropped.WithLabelValues(broker, "normalize", "duplicate").Inc()
			return &Outcome{Dropped: true, Reason: "duplicate"}, nil
		}
		reason := classifyDispatchError(err)
		instrumentation.TicksDropped.WithLabelValues(broker, "normalize", reason).Inc()
		p.log.Warn().Err(err).Str("broker", broker).Msg("tick rejected during normalization")
		return &Outcome{Dropped: true, Reason: reason}, err
	}

	report := p.validate(t)
	if report.Result == quality.ResultFail {
		switch p.policy {
		case PolicyQuarantine:
			p.runQuarantine(ctx, t, report)
			instrumentation.TicksDropped.WithLabelValues(broker, "validate", "quarantined").Inc()
			return &Outcome{Tick: t, Report: report, Dropped: true, Reason: "quarantined"}, nil
		case PolicyPass:
			// Fall through with the degraded score attached.
		default:
			instrumentation.TicksDropped.WithLabelValues(broker, "validate", "validation_failed").Inc()
			return &Outcome{Tick: t, Report: report, Dropped: true, Reason: "validation_failed"}, nil
		}
	}

	p.compensate(t)
	t.ProcessedTimestamp = time.Now().UTC()

	results := p.calculate(ctx, t)
	p.fanOut(ctx, t)

	instrumentation.TicksAccepted.WithLabelValues(t.Broker, t.Symbol).Inc()
	return &Outcome{Tick: t, Report: report, Results: results}, nil
}

func (p *Pipeline) dispatch(broker string, raw normalizer.RawTick) (*tick.Tick, error) {
	start := time.Now()
	defer func() {
		instrumentation.ProcessingDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()
	return p.dispatcher.Dispatch(broker, raw)
}

func (p *Pipeline) validate(t *tick.Tick) *quality.Report {
	start := time.Now()
	ctx := quality.Context{}
	if bc, ok := p.cfg.GetBrokerConfig(t.Broker); ok {
		ctx["allow_out_of_sequence"] = bc.AllowOutOfSequence
	}
	report := p.validator.Validate(t, ctx)
	t.QualityScore = report.QualityScore

	instrumentation.ProcessingDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds())
	instrumentation.ValidationResults.WithLabelValues(t.Broker, string(report.Result)).Inc()
	instrumentation.QualityScore.WithLabelValues(t.Broker).Observe(report.QualityScore)
	return report
}

func (p *Pipeline) compensate(t *tick.Tick) {
	start := time.Now()
	compensated, res := p.compensator.Apply(t)
	instrumentation.ProcessingDuration.WithLabelValues("compensate").Observe(time.Since(start).Seconds())

	if res == nil {
		if p.compensator.Enabled() {
			instrumentation.CompensationFallbacks.WithLabelValues(t.Broker).Inc()
		}
		return
	}
	*t = *compensated
	instrumentation.CompensationApplied.WithLabelValues(t.Broker, string(res.Method)).Inc()
	instrumentation.CompensatedLatency.WithLabelValues(t.Broker).Observe(res.LatencyMs)
}

func (p *Pipeline) calculate(ctx context.Context, t *tick.Tick) []*engine.Result {
	var results []*engine.Result
	for _, e := range p.engines {
		if r := e.ProcessTick(ctx, t); r != nil {
			results = append(results, r)
			instrumentation.MetricCalculations.WithLabelValues(r.MetricName, "success").Inc()
		}
	}
	return results
}

// fanOut publishes to the optional sinks. Failures are logged and
// counted; they never block or fail the stream.
func (p *Pipeline) fanOut(ctx context.Context, t *tick.Tick) {
	if p.cache != nil {
		if err := p.cache.Set(ctx, t); err != nil {
			instrumentation.SinkErrors.WithLabelValues("cache").Inc()
			p.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("latest-tick cache write failed")
		}
	}
	if p.archive != nil {
		if err := p.archive.SaveTick(ctx, t); err != nil {
			instrumentation.SinkErrors.WithLabelValues("archive").Inc()
			p.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("tick archive write failed")
		}
	}
}

func (p *Pipeline) runQuarantine(ctx context.Context, t *tick.Tick, report *quality.Report) {
	if p.quarantine == nil {
		return
	}
	if err := p.quarantine.Quarantine(ctx, t, report); err != nil {
		instrumentation.SinkErrors.WithLabelValues("quarantine").Inc()
		p.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("quarantine write failed")
	}
}

func classifyDispatchError(err error) string {
	var unknown *normalizer.UnknownBrokerError
	var invalid *normalizer.InvalidTickDataError
	var disabled *normalizer.BrokerDisabledError
	switch {
	case errors.As(err, &unknown):
		return "unknown_broker"
	case errors.As(err, &invalid):
		return "invalid_tick_data"
	case errors.As(err, &disabled):
		return "broker_disabled"
	default:
		return "construction_failed"
	}
}

// Engines exposes the engine list for stats and health endpoints.
func (p *Pipeline) Engines() []*engine.Engine { return p.engines }
