// Package engine buffers validated ticks per asset and drives windowed
// metric calculators over those buffers.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/quality"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Result is one calculated metric value for one asset.
type Result struct {
	MetricName      string         `json:"metric_name"`
	Symbol          string         `json:"symbol"`
	Broker          string         `json:"broker"`
	Value           float64        `json:"value"`
	Timestamp       time.Time      `json:"timestamp"`
	QualityScore    float64        `json:"quality_score"`
	CalculationTime time.Duration  `json:"-"`
	TicksUsed       int            `json:"ticks_used"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Config bounds an engine instance.
type Config struct {
	Enabled        bool
	WindowSize     int
	BufferLimit    int
	CalcTimeout    time.Duration
	MaxIdle        time.Duration
	MemoryLimit    int
	CleanupEvery   time.Duration
	MinTickQuality float64
}

// DefaultConfig returns the standard engine bounds.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		WindowSize:   50,
		BufferLimit:  1000,
		CalcTimeout:  2 * time.Second,
		MaxIdle:      30 * time.Minute,
		MemoryLimit:  100_000,
		CleanupEvery: 5 * time.Minute,
	}
}

// Calculator computes one metric over a window of ticks. The slice is a
// copy; implementations may not retain it past the call.
type Calculator interface {
	Name() string
	Calculate(ctx context.Context, window []*tick.Tick) (float64, map[string]any, error)
}

// assetState is the per-(broker,symbol) buffer plus its own lock, so
// assets never contend with each other.
type assetState struct {
	mu         sync.Mutex
	buffer     []*tick.Tick
	lastResult *Result
	lastTick   time.Time
	calcErrors int64
	calcRuns   int64
}

// Stats is an engine counters snapshot.
type Stats struct {
	MetricName     string  `json:"metric_name"`
	TicksProcessed int64   `json:"ticks_processed"`
	TicksRejected  int64   `json:"ticks_rejected"`
	Calculations   int64   `json:"calculations"`
	CalcErrors     int64   `json:"calculation_errors"`
	ErrorRatePct   float64 `json:"error_rate_percent"`
	ActiveAssets   int     `json:"active_assets"`
	BufferedTicks  int     `json:"buffered_ticks"`
}

// Health is the engine self-assessment.
type Health struct {
	Status        string         `json:"status"`
	ErrorRatePct  float64        `json:"error_rate_percent"`
	MemoryUsePct  float64        `json:"memory_use_percent"`
	ActiveAssets  int            `json:"active_assets"`
	BufferedTicks int            `json:"buffered_ticks"`
	Details       map[string]any `json:"details,omitempty"`
}

// Engine owns the tick buffers for one metric and runs its calculator
// under a timeout. One Engine instance serves every asset.
type Engine struct {
	cfg  Config
	calc Calculator
	log  zerolog.Logger

	mu     sync.RWMutex
	assets map[string]*assetState

	statsMu        sync.Mutex
	ticksProcessed int64
	ticksRejected  int64
	calculations   int64
	calcErrors     int64
}

// New builds an engine for the given calculator.
func New(cfg Config, calc Calculator, log zerolog.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.BufferLimit < cfg.WindowSize {
		cfg.BufferLimit = cfg.WindowSize
	}
	if cfg.CalcTimeout <= 0 {
		cfg.CalcTimeout = DefaultConfig().CalcTimeout
	}
	return &Engine{
		cfg:    cfg,
		calc:   calc,
		log:    log.With().Str("component", "engine").Str("metric", calc.Name()).Logger(),
		assets: make(map[string]*assetState),
	}
}

// Name is the metric this engine calculates.
func (e *Engine) Name() string { return e.calc.Name() }

// ProcessTick buffers a tick and, when the asset window is full,
// recalculates the metric. The returned result is nil until the window
// is ready or when calculation fails; calculation failure never drops
// the tick from its buffer.
func (e *Engine) ProcessTick(ctx context.Context, t *tick.Tick) *Result {
	if !e.cfg.Enabled {
		return nil
	}
	if !quality.QuickCheck(t) || t.QualityScore < e.cfg.MinTickQuality {
		e.statsMu.Lock()
		e.ticksRejected++
		e.statsMu.Unlock()
		return nil
	}

	state := e.state(t.AssetKey())

	// The asset lock is held through the calculation so one asset's
	// window never mutates mid-calc. Other assets proceed unblocked.
	state.mu.Lock()
	defer state.mu.Unlock()

	state.buffer = append(state.buffer, t)
	if len(state.buffer) > e.cfg.BufferLimit {
		state.buffer = state.buffer[len(state.buffer)-e.cfg.BufferLimit:]
	}
	state.lastTick = time.Now()

	e.statsMu.Lock()
	e.ticksProcessed++
	e.statsMu.Unlock()

	if len(state.buffer) < e.cfg.WindowSize {
		return nil
	}
	window := make([]*tick.Tick, e.cfg.WindowSize)
	copy(window, state.buffer[len(state.buffer)-e.cfg.WindowSize:])
	return e.calculate(ctx, t, state, window)
}

// calculate runs the calculator with the configured timeout. Errors and
// timeouts are logged and counted, never propagated as tick loss. The
// caller holds the asset lock.
func (e *Engine) calculate(ctx context.Context, t *tick.Tick, state *assetState, window []*tick.Tick) *Result {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CalcTimeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		value float64
		meta  map[string]any
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("calculator panic: %v", r)}
			}
		}()
		v, meta, err := e.calc.Calculate(cctx, window)
		ch <- outcome{value: v, meta: meta, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-cctx.Done():
		out = outcome{err: fmt.Errorf("calculation timed out after %s", e.cfg.CalcTimeout)}
	}

	state.calcRuns++
	if out.err != nil {
		state.calcErrors++
	}

	e.statsMu.Lock()
	e.calculations++
	if out.err != nil {
		e.calcErrors++
	}
	e.statsMu.Unlock()

	if out.err != nil {
		e.log.Error().Err(out.err).Str("symbol", t.Symbol).Str("broker", t.Broker).Msg("metric calculation failed")
		return nil
	}

	res := &Result{
		MetricName:      e.calc.Name(),
		Symbol:          t.Symbol,
		Broker:          t.Broker,
		Value:           out.value,
		Timestamp:       t.Timestamp,
		QualityScore:    t.QualityScore,
		CalculationTime: time.Since(start),
		TicksUsed:       len(window),
		Metadata:        out.meta,
	}

	state.lastResult = res
	return res
}

func (e *Engine) state(key string) *assetState {
	e.mu.RLock()
	s, ok := e.assets[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.assets[key]; ok {
		return s
	}
	s = &assetState{buffer: make([]*tick.Tick, 0, e.cfg.WindowSize)}
	e.assets[key] = s
	return s
}

// Ready reports whether the asset has buffered a full window.
func (e *Engine) Ready(broker, symbol string) bool {
	return e.BufferSize(broker, symbol) >= e.cfg.WindowSize
}

// BufferSize returns the asset's current buffer depth.
func (e *Engine) BufferSize(broker, symbol string) int {
	e.mu.RLock()
	s, ok := e.assets[broker+":"+symbol]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// LastResult returns the cached most recent result for the asset.
func (e *Engine) LastResult(broker, symbol string) (*Result, bool) {
	e.mu.RLock()
	s, ok := e.assets[broker+":"+symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return nil, false
	}
	return s.lastResult, true
}

// ActiveAssets lists every tracked asset key, sorted.
func (e *Engine) ActiveAssets() []string {
	e.mu.RLock()
	keys := make([]string, 0, len(e.assets))
	for k := range e.assets {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Statistics returns an engine counters snapshot.
func (e *Engine) Statistics() Stats {
	e.statsMu.Lock()
	s := Stats{
		MetricName:     e.calc.Name(),
		TicksProcessed: e.ticksProcessed,
		TicksRejected:  e.ticksRejected,
		Calculations:   e.calculations,
		CalcErrors:     e.calcErrors,
	}
	e.statsMu.Unlock()
	if s.Calculations > 0 {
		s.ErrorRatePct = float64(s.CalcErrors) / float64(s.Calculations) * 100
	}

	e.mu.RLock()
	s.ActiveAssets = len(e.assets)
	states := make([]*assetState, 0, len(e.assets))
	for _, st := range e.assets {
		states = append(states, st)
	}
	e.mu.RUnlock()
	for _, st := range states {
		st.mu.Lock()
		s.BufferedTicks += len(st.buffer)
		st.mu.Unlock()
	}
	return s
}

// ResetAsset drops one asset's buffer and cached result.
func (e *Engine) ResetAsset(broker, symbol string) {
	e.mu.Lock()
	delete(e.assets, broker+":"+symbol)
	e.mu.Unlock()
}

// ResetAll drops every buffer and cached result.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	e.assets = make(map[string]*assetState)
	e.mu.Unlock()
}

// Cleanup evicts assets idle longer than MaxIdle and returns the number
// evicted.
func (e *Engine) Cleanup() int {
	if e.cfg.MaxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-e.cfg.MaxIdle)

	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for key, st := range e.assets {
		st.mu.Lock()
		idle := st.lastTick.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(e.assets, key)
			evicted++
		}
	}
	if evicted > 0 {
		e.log.Info().Int("evicted", evicted).Msg("idle asset buffers evicted")
	}
	return evicted
}

// RunCleanup evicts idle assets on a ticker until the context ends.
func (e *Engine) RunCleanup(ctx context.Context) {
	every := e.cfg.CleanupEvery
	if every <= 0 {
		every = DefaultConfig().CleanupEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cleanup()
		}
	}
}

// HealthCheck degrades to "warning" above a 5% calculation error rate
// or 80% of the buffered-tick memory limit.
func (e *Engine) HealthCheck() Health {
	s := e.Statistics()

	h := Health{
		Status:        "healthy",
		ErrorRatePct:  s.ErrorRatePct,
		ActiveAssets:  s.ActiveAssets,
		BufferedTicks: s.BufferedTicks,
		Details:       map[string]any{},
	}
	if e.cfg.MemoryLimit > 0 {
		h.MemoryUsePct = float64(s.BufferedTicks) / float64(e.cfg.MemoryLimit) * 100
	}

	if s.ErrorRatePct > 5 {
		h.Status = "warning"
		h.Details["error_rate"] = fmt.Sprintf("calculation error rate %.1f%% exceeds 5%%", s.ErrorRatePct)
	}
	if h.MemoryUsePct > 80 {
		h.Status = "warning"
		h.Details["memory"] = fmt.Sprintf("buffered ticks at %.1f%% of limit", h.MemoryUsePct)
	}
	return h
}
