// Package normalizer converts raw broker payloads into canonical ticks,
// applying broker and asset specific precision rules.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// RawTick is the untyped broker payload. No fixed schema is guaranteed
// across brokers; each normalizer owns its own alias list.
type RawTick map[string]any

// Normalizer converts a raw payload into a canonical tick. Normalize is
// pure with respect to the dedup window: repeated calls with the same
// payload yield the same tick. Duplicate suppression is a separate
// concern, applied by the Dispatcher via IsDuplicate.
type Normalizer interface {
	Broker() string
	Normalize(raw RawTick) (*tick.Tick, error)
	IsDuplicate(t *tick.Tick) bool
}

// UnknownBrokerError reports a dispatch to an unregistered broker. It is
// fatal for that tick and not retryable.
type UnknownBrokerError struct {
	Broker     string
	Registered []string
}

func (e *UnknownBrokerError) Error() string {
	return fmt.Sprintf("no normalizer registered for broker %q (registered: %s)",
		e.Broker, strings.Join(e.Registered, ", "))
}

// InvalidTickDataError reports a missing or malformed required field in
// a raw payload.
type InvalidTickDataError struct {
	Broker string
	Field  string
	Reason string
}

func (e *InvalidTickDataError) Error() string {
	return fmt.Sprintf("invalid %s tick data: field %q: %s", e.Broker, e.Field, e.Reason)
}

// DuplicateTickError reports a tick already seen inside the dedup
// window. Duplicates are dropped silently by the pipeline, not failures.
type DuplicateTickError struct {
	Broker string
	Symbol string
}

func (e *DuplicateTickError) Error() string {
	return fmt.Sprintf("duplicate %s tick for %s inside dedup window", e.Broker, e.Symbol)
}

// BrokerDisabledError reports normalization against a broker that is
// absent from or disabled in configuration.
type BrokerDisabledError struct {
	Broker string
}

func (e *BrokerDisabledError) Error() string {
	return fmt.Sprintf("broker %q is not enabled in configuration", e.Broker)
}

// Stats holds cumulative per-normalizer counters.
type Stats struct {
	Broker            string  `json:"broker"`
	ProcessedTicks    int64   `json:"processed_ticks"`
	FailedTicks       int64   `json:"failed_ticks"`
	DuplicateTicks    int64   `json:"duplicate_ticks"`
	SuccessRatePct    float64 `json:"success_rate_percent"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	LastTickTimestamp string  `json:"last_tick_timestamp,omitempty"`
}

// base carries the shared machinery every broker normalizer embeds:
// digits policy application, duplicate detection, and statistics.
type base struct {
	broker string
	cfg    *config.Config
	log    zerolog.Logger

	mu             sync.Mutex
	seen           map[string]time.Time
	processed      int64
	failed         int64
	duplicates     int64
	totalLatencyMs float64
	lastTickTS     time.Time
}

func newBase(broker string, cfg *config.Config, log zerolog.Logger) base {
	return base{
		broker: broker,
		cfg:    cfg,
		log:    log.With().Str("component", "normalizer").Str("broker", broker).Logger(),
		seen:   make(map[string]time.Time),
	}
}

// applyDigits applies the per-asset digits policy: truncate the decimal
// string to n fractional digits, or round half-to-even. A discrepancy
// above tolerance logs a warning; it never rejects the tick.
func (b *base) applyDigits(value decimal.Decimal, a config.Asset) decimal.Decimal {
	var adjusted decimal.Decimal
	if a.Truncate {
		adjusted = value.Truncate(int32(a.Digits))
	} else {
		adjusted = value.RoundBank(int32(a.Digits))
	}

	diff := adjusted.Sub(value).Abs()
	tolerance := decimal.NewFromFloat(a.Tolerance)
	if a.Tolerance > 0 && diff.GreaterThan(tolerance) {
		b.log.Warn().
			Str("value", value.String()).
			Str("adjusted", adjusted.String()).
			Str("discrepancy", diff.String()).
			Float64("tolerance", a.Tolerance).
			Msg("digits adjustment discrepancy exceeds tolerance")
	}
	return adjusted
}

// IsDuplicate reports whether an identical tick was already seen inside
// the dedup window, and records the tick otherwise. The cleanup cutoff
// is keyed on tick timestamp, matching the windowing used upstream.
func (b *base) IsDuplicate(t *tick.Tick) bool {
	dq := b.cfg.TickNormalizer.DataQuality
	if dq.DuplicateDetection == nil || !*dq.DuplicateDetection {
		return false
	}
	window := time.Duration(dq.DuplicateWindowSeconds * float64(time.Second))
	key := t.Symbol + "_" + t.Timestamp.Format(time.RFC3339Nano) + "_" + t.Price.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.seen[key]; ok {
		if t.Timestamp.Sub(prev).Abs() <= window {
			b.duplicates++
			return true
		}
	}

	cutoff := t.Timestamp.Add(-window)
	for k, v := range b.seen {
		if v.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	b.seen[key] = t.Timestamp
	return false
}

func (b *base) recordSuccess(t *tick.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed++
	b.totalLatencyMs += t.LatencyMs
	b.lastTickTS = t.Timestamp
}

func (b *base) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed++
}

// Stats returns a snapshot of the cumulative counters.
func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.processed + b.failed
	var rate, avg float64
	if total > 0 {
		rate = float64(b.processed) / float64(total) * 100
	}
	if b.processed > 0 {
		avg = b.totalLatencyMs / float64(b.processed)
	}
	s := Stats{
		Broker:           b.broker,
		ProcessedTicks:   b.processed,
		FailedTicks:      b.failed,
		DuplicateTicks:   b.duplicates,
		SuccessRatePct:   rate,
		AverageLatencyMs: avg,
	}
	if !b.lastTickTS.IsZero() {
		s.LastTickTimestamp = b.lastTickTS.Format(time.RFC3339Nano)
	}
	return s
}

// ResetStats clears every cumulative counter and the dedup window.
func (b *base) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = 0
	b.failed = 0
	b.duplicates = 0
	b.totalLatencyMs = 0
	b.lastTickTS = time.Time{}
	b.seen = make(map[string]time.Time)
}

// extraction helpers shared by broker implementations

// firstString returns the first alias that maps to a non-empty string.
func firstString(raw RawTick, aliases ...string) (string, string, bool) {
	for _, key := range aliases {
		if v, ok := raw[key]; ok && v != nil {
			if s, ok := v.(string); ok && s != "" {
				return s, key, true
			}
		}
	}
	return "", "", false
}

// firstDecimal returns the first alias that parses as a decimal.
func firstDecimal(raw RawTick, aliases ...string) (decimal.Decimal, string, bool) {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n), key, true
		case float32:
			return decimal.NewFromFloat32(n), key, true
		case int:
			return decimal.NewFromInt(int64(n)), key, true
		case int64:
			return decimal.NewFromInt(n), key, true
		case string:
			if d, err := decimal.NewFromString(n); err == nil {
				return d, key, true
			}
		case decimal.Decimal:
			return n, key, true
		}
	}
	return decimal.Decimal{}, "", false
}

// firstTimestamp returns the first alias that parses as a timestamp.
// Numeric values are unix seconds; strings are RFC 3339.
func firstTimestamp(raw RawTick, aliases ...string) (time.Time, string, bool) {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			sec := int64(n)
			nsec := int64((n - float64(sec)) * float64(time.Second))
			return time.Unix(sec, nsec).UTC(), key, true
		case int:
			return time.Unix(int64(n), 0).UTC(), key, true
		case int64:
			return time.Unix(n, 0).UTC(), key, true
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, n); err == nil {
				return ts.UTC(), key, true
			}
			if ts, err := time.Parse(time.RFC3339, n); err == nil {
				return ts.UTC(), key, true
			}
		case time.Time:
			return n.UTC(), key, true
		}
	}
	return time.Time{}, "", false
}

// Dispatcher routes raw ticks to the registered normalizer for their
// broker. The registry is built at construction and read-only after.
type Dispatcher struct {
	normalizers map[string]Normalizer
}

// NewDispatcher builds a dispatcher over the given normalizers.
func NewDispatcher(normalizers ...Normalizer) *Dispatcher {
	reg := make(map[string]Normalizer, len(normalizers))
	for _, n := range normalizers {
		reg[strings.ToLower(n.Broker())] = n
	}
	return &Dispatcher{normalizers: reg}
}

// Dispatch normalizes raw through the broker's registered normalizer
// and drops ticks already seen inside the dedup window.
func (d *Dispatcher) Dispatch(broker string, raw RawTick) (*tick.Tick, error) {
	n, ok := d.normalizers[strings.ToLower(broker)]
	if !ok {
		return nil, &UnknownBrokerError{Broker: broker, Registered: d.Registered()}
	}
	t, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if n.IsDuplicate(t) {
		return nil, &DuplicateTickError{Broker: n.Broker(), Symbol: t.Symbol}
	}
	return t, nil
}

// Registered lists the registered broker identifiers, sorted.
func (d *Dispatcher) Registered() []string {
	brokers := make([]string, 0, len(d.normalizers))
	for b := range d.normalizers {
		brokers = append(brokers, b)
	}
	sort.Strings(brokers)
	return brokers
}
