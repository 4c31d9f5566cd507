// Package tick defines the canonical tick model shared by every stage of
// the normalization pipeline.
package tick

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies the market event a tick represents.
type Type string

const (
	TypeBidAsk Type = "bid_ask"
	TypeTrade  Type = "trade"
	TypeQuote  Type = "quote"
	TypeBook   Type = "book"
)

// Known broker identifiers. Normalizers register under these names.
const (
	BrokerBinance  = "binance"
	BrokerDeriv    = "deriv"
	BrokerIQOption = "iqoption"
	BrokerMT5      = "mt5"
)

// Tick is the unified, broker-agnostic tick every downstream consumer
// works with. Fields are set once at construction; QualityScore and
// LatencyMs are the only fields the validator and compensator rewrite.
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Broker    string
	Price     decimal.Decimal

	Volume decimal.NullDecimal
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	Spread decimal.NullDecimal

	QualityScore float64
	LatencyMs    float64

	RawData    map[string]any
	TickType   Type
	SequenceID int64 // 0 means unset

	BrokerTimestamp    time.Time
	ReceivedTimestamp  time.Time
	ProcessedTimestamp time.Time
}

// Params carries the optional fields of a tick into New.
type Params struct {
	Volume     decimal.NullDecimal
	Bid        decimal.NullDecimal
	Ask        decimal.NullDecimal
	Spread     decimal.NullDecimal
	RawData    map[string]any
	TickType   Type
	SequenceID int64
	BrokerTS   time.Time
	ReceivedTS time.Time
}

// New builds a canonical tick and enforces the construction invariants:
// price > 0, volume >= 0 when present, spread >= 0 when derivable.
// Spread is derived from ask-bid when both are present and spread was
// not explicitly supplied. Timestamps are normalized to UTC.
func New(ts time.Time, symbol, broker string, price decimal.Decimal, p Params) (*Tick, error) {
	if symbol == "" {
		return nil, fmt.Errorf("tick: symbol is required")
	}
	if broker == "" {
		return nil, fmt.Errorf("tick: broker is required")
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("tick: price must be positive, got %s", price)
	}
	if p.Volume.Valid && p.Volume.Decimal.IsNegative() {
		return nil, fmt.Errorf("tick: volume cannot be negative, got %s", p.Volume.Decimal)
	}

	spread := p.Spread
	if !spread.Valid && p.Bid.Valid && p.Ask.Valid {
		spread = decimal.NewNullDecimal(p.Ask.Decimal.Sub(p.Bid.Decimal))
	}
	if spread.Valid && spread.Decimal.IsNegative() {
		return nil, fmt.Errorf("tick: spread cannot be negative, got %s", spread.Decimal)
	}

	received := p.ReceivedTS
	if received.IsZero() {
		received = time.Now().UTC()
	}

	typ := p.TickType
	if typ == "" {
		typ = TypeTrade
	}

	return &Tick{
		Timestamp:         ts.UTC(),
		Symbol:            symbol,
		Broker:            broker,
		Price:             price,
		Volume:            p.Volume,
		Bid:               p.Bid,
		Ask:               p.Ask,
		Spread:            spread,
		QualityScore:      1.0,
		RawData:           p.RawData,
		TickType:          typ,
		SequenceID:        p.SequenceID,
		BrokerTimestamp:   p.BrokerTS.UTC(),
		ReceivedTimestamp: received.UTC(),
	}, nil
}

// AssetKey is the composite (broker, symbol) identity used for all
// partitioned state: buffers, locks, statistics, dedup windows.
func (t *Tick) AssetKey() string {
	return t.Broker + ":" + t.Symbol
}

// MidPrice returns (bid+ask)/2, or false when bid/ask are absent.
func (t *Tick) MidPrice() (decimal.Decimal, bool) {
	if !t.Bid.Valid || !t.Ask.Valid {
		return decimal.Decimal{}, false
	}
	return t.Bid.Decimal.Add(t.Ask.Decimal).Div(decimal.NewFromInt(2)), true
}

// SpreadPercent returns the spread as a percentage of price, or false
// when no spread is available.
func (t *Tick) SpreadPercent() (float64, bool) {
	if !t.Spread.Valid || t.Price.IsZero() {
		return 0, false
	}
	pct, _ := t.Spread.Decimal.Div(t.Price).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}

// IsStale reports whether the tick was received more than maxAge ago.
func (t *Tick) IsStale(maxAge time.Duration) bool {
	if t.ReceivedTimestamp.IsZero() {
		return true
	}
	return time.Since(t.ReceivedTimestamp) > maxAge
}

// ToMap serializes the tick to a JSON-friendly map. Timestamps are
// ISO-8601, decimals are strings so precision survives the round trip.
func (t *Tick) ToMap() map[string]any {
	m := map[string]any{
		"timestamp":     t.Timestamp.Format(time.RFC3339Nano),
		"symbol":        t.Symbol,
		"broker":        t.Broker,
		"price":         t.Price.String(),
		"quality_score": t.QualityScore,
		"latency_ms":    t.LatencyMs,
		"tick_type":     string(t.TickType),
	}
	if t.Volume.Valid {
		m["volume"] = t.Volume.Decimal.String()
	}
	if t.Bid.Valid {
		m["bid"] = t.Bid.Decimal.String()
	}
	if t.Ask.Valid {
		m["ask"] = t.Ask.Decimal.String()
	}
	if t.Spread.Valid {
		m["spread"] = t.Spread.Decimal.String()
	}
	if t.SequenceID != 0 {
		m["sequence_id"] = t.SequenceID
	}
	if !t.BrokerTimestamp.IsZero() {
		m["broker_timestamp"] = t.BrokerTimestamp.Format(time.RFC3339Nano)
	}
	if !t.ReceivedTimestamp.IsZero() {
		m["received_timestamp"] = t.ReceivedTimestamp.Format(time.RFC3339Nano)
	}
	if !t.ProcessedTimestamp.IsZero() {
		m["processed_timestamp"] = t.ProcessedTimestamp.Format(time.RFC3339Nano)
	}
	if t.RawData != nil {
		m["raw_data"] = t.RawData
	}
	return m
}

// ToJSON renders the tick via ToMap.
func (t *Tick) ToJSON() ([]byte, error) {
	return json.Marshal(t.ToMap())
}

// FromMap rebuilds a tick from a ToMap-shaped document.
func FromMap(m map[string]any) (*Tick, error) {
	ts, err := parseTime(m, "timestamp", true)
	if err != nil {
		return nil, err
	}
	symbol, _ := m["symbol"].(string)
	broker, _ := m["broker"].(string)

	price, err := parseDecimal(m, "price", true)
	if err != nil {
		return nil, err
	}

	var p Params
	if p.Volume, err = parseNullDecimal(m, "volume"); err != nil {
		return nil, err
	}
	if p.Bid, err = parseNullDecimal(m, "bid"); err != nil {
		return nil, err
	}
	if p.Ask, err = parseNullDecimal(m, "ask"); err != nil {
		return nil, err
	}
	if p.Spread, err = parseNullDecimal(m, "spread"); err != nil {
		return nil, err
	}
	if raw, ok := m["raw_data"].(map[string]any); ok {
		p.RawData = raw
	}
	if tt, ok := m["tick_type"].(string); ok {
		p.TickType = Type(tt)
	}
	if seq, ok := m["sequence_id"]; ok {
		p.SequenceID = toInt64(seq)
	}
	if p.BrokerTS, err = parseTime(m, "broker_timestamp", false); err != nil {
		return nil, err
	}
	if p.ReceivedTS, err = parseTime(m, "received_timestamp", false); err != nil {
		return nil, err
	}

	t, err := New(ts, symbol, broker, price.Decimal, p)
	if err != nil {
		return nil, err
	}
	if qs, ok := m["quality_score"].(float64); ok {
		t.QualityScore = qs
	}
	if lm, ok := m["latency_ms"].(float64); ok {
		t.LatencyMs = lm
	}
	if t.ProcessedTimestamp, err = parseTime(m, "processed_timestamp", false); err != nil {
		return nil, err
	}
	return t, nil
}

// FromJSON parses a ToJSON document.
func FromJSON(data []byte) (*Tick, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("tick: decode json: %w", err)
	}
	return FromMap(m)
}

func parseTime(m map[string]any, key string, required bool) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return time.Time{}, fmt.Errorf("tick: missing field %q", key)
		}
		return time.Time{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("tick: field %q is not a timestamp string", key)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("tick: parse %q: %w", key, err)
	}
	return ts.UTC(), nil
}

func parseDecimal(m map[string]any, key string, required bool) (decimal.NullDecimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return decimal.NullDecimal{}, fmt.Errorf("tick: missing field %q", key)
		}
		return decimal.NullDecimal{}, nil
	}
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("tick: parse %q: %w", key, err)
		}
		return decimal.NewNullDecimal(d), nil
	case float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(val)), nil
	case int:
		return decimal.NewNullDecimal(decimal.NewFromInt(int64(val))), nil
	case int64:
		return decimal.NewNullDecimal(decimal.NewFromInt(val)), nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("tick: field %q has unsupported type %T", key, v)
	}
}

func parseNullDecimal(m map[string]any, key string) (decimal.NullDecimal, error) {
	return parseDecimal(m, key, false)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
