package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Context carries call-site overrides into rules: volatility scaling,
// timezone offsets, per-market exceptions. Rules read it instead of
// being subclassed per broker.
type Context map[string]any

func (c Context) float(key string, def float64) float64 {
	if v, ok := c[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func (c Context) boolean(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Rule validates one aspect of a tick. A nil issue means pass.
type Rule interface {
	Name() string
	Validate(t *tick.Tick, ctx Context) *Issue
}

// RuleStats tracks cumulative per-rule execution counters.
type RuleStats struct {
	Name        string  `json:"name"`
	Executions  int64   `json:"executions"`
	Failures    int64   `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
	AvgTimeMs   float64 `json:"avg_execution_time_ms"`
}

// ruleEntry wraps a rule with its enable flag and counters.
type ruleEntry struct {
	rule    Rule
	enabled bool

	mu          sync.Mutex
	executions  int64
	failures    int64
	totalTimeMs float64
}

func (e *ruleEntry) execute(t *tick.Tick, ctx Context) *Issue {
	if !e.enabled {
		return nil
	}
	start := time.Now()
	issue := e.rule.Validate(t, ctx)

	e.mu.Lock()
	e.executions++
	if issue != nil {
		e.failures++
	}
	e.totalTimeMs += float64(time.Since(start).Microseconds()) / 1000
	e.mu.Unlock()
	return issue
}

func (e *ruleEntry) stats() RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := RuleStats{Name: e.rule.Name(), Executions: e.executions, Failures: e.failures}
	if e.executions > 0 {
		s.FailureRate = float64(e.failures) / float64(e.executions)
		s.AvgTimeMs = e.totalTimeMs / float64(e.executions)
	}
	return s
}

func (e *ruleEntry) reset() {
	e.mu.Lock()
	e.executions = 0
	e.failures = 0
	e.totalTimeMs = 0
	e.mu.Unlock()
}

// PricePositiveRule fails when price <= min_price + tolerance. Both
// thresholds are context-overridable.
type PricePositiveRule struct{}

func (PricePositiveRule) Name() string { return "price_positive" }

func (PricePositiveRule) Validate(t *tick.Tick, ctx Context) *Issue {
	minPrice := ctx.float("min_price", 0)
	tolerance := ctx.float("price_tolerance", 0)
	threshold := decimal.NewFromFloat(minPrice + tolerance)

	if t.Price.LessThanOrEqual(threshold) {
		price, _ := t.Price.Float64()
		return &Issue{
			Rule:     "price_positive",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("price must be positive, got %s", t.Price),
			Field:    "price",
			Expected: fmt.Sprintf("> %v", minPrice+tolerance),
			Actual:   price,
			Context:  map[string]any{"broker": t.Broker, "symbol": t.Symbol},
		}
	}
	return nil
}

// VolumeNonNegativeRule fails when a present volume is negative.
type VolumeNonNegativeRule struct{}

func (VolumeNonNegativeRule) Name() string { return "volume_non_negative" }

func (VolumeNonNegativeRule) Validate(t *tick.Tick, _ Context) *Issue {
	if t.Volume.Valid && t.Volume.Decimal.IsNegative() {
		vol, _ := t.Volume.Decimal.Float64()
		return &Issue{
			Rule:     "volume_non_negative",
			Severity: SeverityError,
			Message:  fmt.Sprintf("volume cannot be negative, got %s", t.Volume.Decimal),
			Field:    "volume",
			Expected: ">= 0",
			Actual:   vol,
			Context:  map[string]any{"broker": t.Broker, "symbol": t.Symbol},
		}
	}
	return nil
}

// SpreadValidRule fails hard when ask <= bid and soft when the spread
// percentage exceeds a volatility-adjusted maximum.
type SpreadValidRule struct {
	MaxSpreadPercent float64
}

func (SpreadValidRule) Name() string { return "spread_valid" }

func (r SpreadValidRule) Validate(t *tick.Tick, ctx Context) *Issue {
	if !t.Bid.Valid || !t.Ask.Valid {
		return nil
	}

	volatility := ctx.float("volatility_factor", 1.0)
	maxSpread := ctx.float("max_spread_percent", r.MaxSpreadPercent) * volatility

	bid, ask := t.Bid.Decimal, t.Ask.Decimal
	if ask.LessThanOrEqual(bid) {
		bidF, _ := bid.Float64()
		askF, _ := ask.Float64()
		return &Issue{
			Rule:     "spread_valid",
			Severity: SeverityError,
			Message:  fmt.Sprintf("ask (%s) must be greater than bid (%s)", ask, bid),
			Field:    "spread",
			Actual:   map[string]any{"bid": bidF, "ask": askF},
			Context:  map[string]any{"broker": t.Broker, "symbol": t.Symbol},
		}
	}

	spreadPct, _ := ask.Sub(bid).Div(t.Price).Mul(decimal.NewFromInt(100)).Float64()
	if spreadPct > maxSpread {
		return &Issue{
			Rule:     "spread_valid",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("spread too wide: %.2f%% > %.2f%%", spreadPct, maxSpread),
			Field:    "spread",
			Expected: fmt.Sprintf("<= %.2f%%", maxSpread),
			Actual:   fmt.Sprintf("%.2f%%", spreadPct),
			Context: map[string]any{
				"broker": t.Broker, "symbol": t.Symbol,
				"volatility_factor": volatility,
			},
		}
	}
	return nil
}

// TimestampValidRule fails on ticks older than a dynamic max age or
// further in the future than a dynamic skew allowance.
type TimestampValidRule struct {
	MaxAgeSeconds    float64
	MaxFutureSeconds float64
}

func (TimestampValidRule) Name() string { return "timestamp_valid" }

func (r TimestampValidRule) Validate(t *tick.Tick, ctx Context) *Issue {
	maxAge := ctx.float("max_age_seconds", r.MaxAgeSeconds)
	maxFuture := ctx.float("max_future_seconds", r.MaxFutureSeconds)

	age := time.Since(t.Timestamp).Seconds()
	if age > maxAge {
		return &Issue{
			Rule:     "timestamp_valid",
			Severity: SeverityError,
			Message:  fmt.Sprintf("tick too old: %.1fs > %.0fs", age, maxAge),
			Field:    "timestamp",
			Expected: fmt.Sprintf("within %.0fs", maxAge),
			Actual:   fmt.Sprintf("%.1fs ago", age),
			Context:  map[string]any{"broker": t.Broker, "symbol": t.Symbol},
		}
	}
	if age < -maxFuture {
		return &Issue{
			Rule:     "timestamp_valid",
			Severity: SeverityError,
			Message:  fmt.Sprintf("tick from future: %.1fs ahead", -age),
			Field:    "timestamp",
			Expected: fmt.Sprintf("within %.0fs future", maxFuture),
			Actual:   fmt.Sprintf("%.1fs ahead", -age),
			Context:  map[string]any{"broker": t.Broker, "symbol": t.Symbol},
		}
	}
	return nil
}

// SequenceValidRule warns on out-of-order ticks per (broker,symbol)
// key, unless the broker is configured to allow reordering, and on
// unusually large gaps between successive ticks. Entries idle longer
// than maxIdle are swept once the map grows past sweepAt, so symbol
// churn cannot grow it without bound.
type SequenceValidRule struct {
	mu      sync.Mutex
	last    map[string]time.Time
	maxIdle time.Duration
	sweepAt int
}

// NewSequenceValidRule builds the rule with empty last-seen state.
func NewSequenceValidRule() *SequenceValidRule {
	return &SequenceValidRule{
		last:    make(map[string]time.Time),
		maxIdle: 30 * time.Minute,
		sweepAt: 1024,
	}
}

func (*SequenceValidRule) Name() string { return "sequence_valid" }

func (r *SequenceValidRule) Validate(t *tick.Tick, ctx Context) *Issue {
	allowOutOfSequence := ctx.boolean("allow_out_of_sequence", false)
	maxGap := ctx.float("max_sequence_gap_seconds", 60)

	key := t.AssetKey()

	r.mu.Lock()
	lastTS, seen := r.last[key]
	r.last[key] = maxTime(lastTS, t.Timestamp)
	if len(r.last) > r.sweepAt {
		cutoff := t.Timestamp.Add(-r.maxIdle)
		for k, v := range r.last {
			if v.Before(cutoff) {
				delete(r.last, k)
			}
		}
	}
	r.mu.Unlock()

	if !seen {
		return nil
	}

	diff := t.Timestamp.Sub(lastTS).Seconds()
	if t.Timestamp.Before(lastTS) && !allowOutOfSequence {
		return &Issue{
			Rule:     "sequence_valid",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("out of sequence tick: %s < %s", t.Timestamp.Format(time.RFC3339Nano), lastTS.Format(time.RFC3339Nano)),
			Field:    "timestamp",
			Context: map[string]any{
				"broker": t.Broker, "symbol": t.Symbol,
				"time_diff_seconds": diff,
			},
		}
	}
	if diff > maxGap {
		return &Issue{
			Rule:     "sequence_valid",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("large sequence gap: %.1fs > %.0fs", diff, maxGap),
			Field:    "timestamp",
			Context: map[string]any{
				"broker": t.Broker, "symbol": t.Symbol,
				"time_diff_seconds": diff,
			},
		}
	}
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
