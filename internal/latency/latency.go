// Package latency shifts tick timestamps backward to correct for
// broker and network reporting delay, with per-broker adaptive models.
package latency

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Method selects how a broker's latency estimate is produced.
type Method string

const (
	MethodFixed    Method = "fixed"
	MethodAdaptive Method = "adaptive"
	MethodNetwork  Method = "network"
	MethodHybrid   Method = "hybrid"
)

// ParseMethod maps a config string onto a Method, defaulting to adaptive.
func ParseMethod(s string) Method {
	switch Method(s) {
	case MethodFixed, MethodAdaptive, MethodNetwork, MethodHybrid:
		return Method(s)
	default:
		return MethodAdaptive
	}
}

// networkConfidenceSamples is the sample count at which the NETWORK
// method reaches full confidence.
const networkConfidenceSamples = 20

// CompensationError reports a compensation attempt whose result failed
// validation. It is non-fatal; callers fall back to the original tick.
type CompensationError struct {
	Broker    string
	LatencyMs float64
	Reason    string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("latency compensation failed for broker %q (latency %.1fms): %s", e.Broker, e.LatencyMs, e.Reason)
}

// Profile holds per-broker latency state. Profiles are created at
// compensator construction, updated on every measurement, and only
// reset on demand, never deleted.
type Profile struct {
	Broker              string
	Method              Method
	FixedLatencyMs      float64
	MinLatencyMs        float64
	MaxLatencyMs        float64
	WindowSize          int
	ConfidenceThreshold float64

	AvgLatencyMs float64
	StdLatencyMs float64
	Confidence   float64
	LastUpdate   time.Time
}

// Result describes one applied compensation.
type Result struct {
	OriginalTS    time.Time
	CompensatedTS time.Time
	LatencyMs     float64
	Method        Method
	Confidence    float64
	Broker        string
}

// measurement holds the request-correlated round-trip sampling state
// feeding the NETWORK window. It is separate from the adaptive profile
// statistics.
type measurement struct {
	mu       sync.Mutex
	history  map[string][]float64
	inflight map[string]time.Time
	maxLen   int
}

func newMeasurement(maxLen int) *measurement {
	return &measurement{
		history:  make(map[string][]float64),
		inflight: make(map[string]time.Time),
		maxLen:   maxLen,
	}
}

func (m *measurement) start(broker, requestID string) {
	m.mu.Lock()
	m.inflight[broker+"_"+requestID] = time.Now()
	m.mu.Unlock()
}

func (m *measurement) end(broker, requestID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := broker + "_" + requestID
	start, ok := m.inflight[key]
	if !ok {
		return 0, false
	}
	delete(m.inflight, key)

	latency := float64(time.Since(start).Microseconds()) / 1000
	m.push(broker, latency)
	return latency, true
}

// push appends a sample, evicting the oldest beyond the window bound.
// Caller holds the lock.
func (m *measurement) push(broker string, latencyMs float64) {
	h := append(m.history[broker], latencyMs)
	if len(h) > m.maxLen {
		h = h[len(h)-m.maxLen:]
	}
	m.history[broker] = h
}

func (m *measurement) record(broker string, latencyMs float64) {
	m.mu.Lock()
	m.push(broker, latencyMs)
	m.mu.Unlock()
}

func (m *measurement) avg(broker string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[broker]
	if len(h) == 0 {
		return 50.0
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	return sum / float64(len(h))
}

// stats returns (mean, stddev, sample count).
func (m *measurement) stats(broker string) (float64, float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[broker]
	if len(h) < 2 {
		return 50.0, 10.0, len(h)
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	mean := sum / float64(len(h))
	var sq float64
	for _, v := range h {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(h)-1))
	return mean, std, len(h)
}

func (m *measurement) clear(broker string) {
	m.mu.Lock()
	delete(m.history, broker)
	m.mu.Unlock()
}

// BrokerStats is a latency statistics snapshot for one broker.
type BrokerStats struct {
	Broker            string  `json:"broker"`
	Method            Method  `json:"method"`
	FixedLatencyMs    float64 `json:"fixed_latency_ms"`
	AdaptiveLatencyMs float64 `json:"adaptive_latency_ms"`
	NetworkLatencyMs  float64 `json:"network_latency_ms"`
	StdLatencyMs      float64 `json:"std_latency_ms"`
	Confidence        float64 `json:"confidence"`
	SampleCount       int     `json:"sample_count"`
	LastUpdate        string  `json:"last_update,omitempty"`
}

// Compensator maintains per-broker latency profiles and applies
// timestamp compensation. Profile state is broker-scoped and guarded
// independently of any per-asset locking.
type Compensator struct {
	enabled      bool
	maxLatencyMs float64
	measurement  *measurement
	log          zerolog.Logger

	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewCompensator builds a compensator with one default profile per
// known broker, plus one per configured broker carrying its configured
// default latency.
func NewCompensator(cfg *config.Config, log zerolog.Logger) *Compensator {
	lc := cfg.TickNormalizer.LatencyCompensation
	enabled := lc.Enabled != nil && *lc.Enabled
	method := MethodFixed
	if enabled {
		method = ParseMethod(lc.Method)
	}

	c := &Compensator{
		enabled:      enabled,
		maxLatencyMs: lc.MaxLatencyMs,
		measurement:  newMeasurement(lc.MeasurementWindowSize),
		log:          log.With().Str("component", "latency").Logger(),
		profiles:     make(map[string]*Profile),
	}

	defaults := map[string]float64{
		tick.BrokerBinance:  25.0,
		tick.BrokerDeriv:    100.0,
		tick.BrokerIQOption: 150.0,
		tick.BrokerMT5:      80.0,
	}
	for broker, bc := range cfg.Brokers {
		if bc.DefaultLatencyMs > 0 {
			defaults[broker] = bc.DefaultLatencyMs
		}
	}
	for broker, fixed := range defaults {
		c.profiles[broker] = &Profile{
			Broker:              broker,
			Method:              method,
			FixedLatencyMs:      fixed,
			MinLatencyMs:        lc.MinLatencyMs,
			MaxLatencyMs:        lc.MaxLatencyMs,
			WindowSize:          lc.MeasurementWindowSize,
			ConfidenceThreshold: lc.ConfidenceThreshold,
		}
	}
	return c
}

// Enabled reports whether compensation is active.
func (c *Compensator) Enabled() bool { return c.enabled }

// RegisterProfile installs or replaces a broker profile.
func (c *Compensator) RegisterProfile(p *Profile) {
	c.mu.Lock()
	c.profiles[p.Broker] = p
	c.mu.Unlock()
}

// StartMeasurement begins a request-correlated round-trip measurement.
func (c *Compensator) StartMeasurement(broker, requestID string) {
	c.measurement.start(broker, requestID)
}

// EndMeasurement finishes a measurement and feeds the NETWORK window.
func (c *Compensator) EndMeasurement(broker, requestID string) (float64, bool) {
	latency, ok := c.measurement.end(broker, requestID)
	if ok {
		c.log.Debug().Str("broker", broker).Float64("latency_ms", latency).Msg("latency sample recorded")
	}
	return latency, ok
}

// RecordSample injects an externally observed latency sample.
func (c *Compensator) RecordSample(broker string, latencyMs float64) {
	c.measurement.record(broker, latencyMs)
}

// Compensate computes the compensated timestamp for a tick. The result
// is validated before acceptance; an invalid result returns a
// CompensationError and the caller keeps the uncompensated tick.
func (c *Compensator) Compensate(t *tick.Tick) (*Result, error) {
	if !c.enabled {
		return &Result{
			OriginalTS:    t.Timestamp,
			CompensatedTS: t.Timestamp,
			LatencyMs:     0,
			Method:        MethodFixed,
			Confidence:    1.0,
			Broker:        t.Broker,
		}, nil
	}

	c.mu.Lock()
	profile, ok := c.profiles[t.Broker]
	c.mu.Unlock()
	if !ok {
		return nil, &CompensationError{Broker: t.Broker, Reason: "no profile found for broker"}
	}

	c.updateProfile(profile)

	// Estimation works on a snapshot so concurrent profile updates for
	// the same broker never race with the reads.
	c.mu.Lock()
	snap := *profile
	c.mu.Unlock()
	latencyMs, confidence, method := c.estimate(snap)

	compensated := t.Timestamp.Add(-time.Duration(latencyMs * float64(time.Millisecond)))
	if err := c.validate(t.Timestamp, compensated, latencyMs, t.Broker); err != nil {
		return nil, err
	}

	return &Result{
		OriginalTS:    t.Timestamp,
		CompensatedTS: compensated,
		LatencyMs:     latencyMs,
		Method:        method,
		Confidence:    confidence,
		Broker:        t.Broker,
	}, nil
}

// Apply returns a copy of the tick with the compensated timestamp and
// latency, or the original tick unchanged when compensation fails.
// Compensation failure degrades gracefully; data is never dropped here.
func (c *Compensator) Apply(t *tick.Tick) (*tick.Tick, *Result) {
	if !c.enabled {
		return t, nil
	}
	res, err := c.Compensate(t)
	if err != nil {
		c.log.Debug().Err(err).Str("broker", t.Broker).Str("symbol", t.Symbol).Msg("compensation rejected, keeping original timestamp")
		return t, nil
	}
	out := *t
	out.Timestamp = res.CompensatedTS
	out.LatencyMs = res.LatencyMs
	return &out, res
}

// updateProfile folds recent round-trip measurements into the adaptive
// statistics. Confidence rises with sample count up to the window size,
// then plateaus.
func (c *Compensator) updateProfile(p *Profile) {
	avg, std, n := c.measurement.stats(p.Broker)
	if n < 5 {
		return
	}
	c.mu.Lock()
	p.AvgLatencyMs = avg
	p.StdLatencyMs = std
	p.Confidence = math.Min(1.0, float64(n)/float64(p.WindowSize))
	p.LastUpdate = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Compensator) estimate(p Profile) (float64, float64, Method) {
	switch p.Method {
	case MethodFixed:
		return p.FixedLatencyMs, 1.0, MethodFixed

	case MethodAdaptive:
		if p.Confidence >= p.ConfidenceThreshold {
			return clamp(p.AvgLatencyMs, p.MinLatencyMs, p.MaxLatencyMs), p.Confidence, MethodAdaptive
		}
		// Insufficient history: fall back to the fixed estimate.
		return p.FixedLatencyMs, 0.5, MethodFixed

	case MethodNetwork:
		recent := c.measurement.avg(p.Broker)
		_, _, n := c.measurement.stats(p.Broker)
		confidence := math.Min(1.0, float64(n)/networkConfidenceSamples)
		return clamp(recent, p.MinLatencyMs, p.MaxLatencyMs), confidence, MethodNetwork

	case MethodHybrid:
		adaptiveWeight := p.Confidence
		networkWeight := 1.0 - adaptiveWeight
		combined := p.AvgLatencyMs*adaptiveWeight + c.measurement.avg(p.Broker)*networkWeight
		return clamp(combined, p.MinLatencyMs, p.MaxLatencyMs), (adaptiveWeight + networkWeight) / 2, MethodHybrid
	}
	return p.FixedLatencyMs, 0.5, MethodFixed
}

// validate rejects compensations that move the timestamp forward,
// exceed the configured bound, or carry a negative latency.
func (c *Compensator) validate(original, compensated time.Time, latencyMs float64, broker string) error {
	if compensated.After(original) {
		return &CompensationError{Broker: broker, LatencyMs: latencyMs, Reason: "compensated timestamp is after original"}
	}
	diffMs := float64(original.Sub(compensated).Microseconds()) / 1000
	if diffMs > c.maxLatencyMs || diffMs < 0 {
		return &CompensationError{Broker: broker, LatencyMs: latencyMs, Reason: fmt.Sprintf("shift %.1fms outside [0, %.1fms]", diffMs, c.maxLatencyMs)}
	}
	if latencyMs < 0 || latencyMs > c.maxLatencyMs {
		return &CompensationError{Broker: broker, LatencyMs: latencyMs, Reason: "latency outside configured bounds"}
	}
	return nil
}

// Stats returns the latency snapshot for one broker. Profile fields are
// copied under the lock so statistics never race with profile updates.
func (c *Compensator) Stats(broker string) (BrokerStats, bool) {
	c.mu.Lock()
	p, ok := c.profiles[broker]
	var snap Profile
	if ok {
		snap = *p
	}
	c.mu.Unlock()
	if !ok {
		return BrokerStats{}, false
	}

	avg, std, n := c.measurement.stats(broker)
	s := BrokerStats{
		Broker:            broker,
		Method:            snap.Method,
		FixedLatencyMs:    snap.FixedLatencyMs,
		AdaptiveLatencyMs: snap.AvgLatencyMs,
		NetworkLatencyMs:  avg,
		StdLatencyMs:      std,
		Confidence:        snap.Confidence,
		SampleCount:       n,
	}
	if !snap.LastUpdate.IsZero() {
		s.LastUpdate = snap.LastUpdate.Format(time.RFC3339Nano)
	}
	return s, true
}

// AllStats returns snapshots for every known broker.
func (c *Compensator) AllStats() map[string]BrokerStats {
	c.mu.Lock()
	brokers := make([]string, 0, len(c.profiles))
	for b := range c.profiles {
		brokers = append(brokers, b)
	}
	c.mu.Unlock()

	out := make(map[string]BrokerStats, len(brokers))
	for _, b := range brokers {
		if s, ok := c.Stats(b); ok {
			out[b] = s
		}
	}
	return out
}

// ResetBroker clears one broker's adaptive state and measurements.
func (c *Compensator) ResetBroker(broker string) {
	c.mu.Lock()
	if p, ok := c.profiles[broker]; ok {
		p.AvgLatencyMs = 0
		p.StdLatencyMs = 0
		p.Confidence = 0
		p.LastUpdate = time.Time{}
	}
	c.mu.Unlock()
	c.measurement.clear(broker)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
