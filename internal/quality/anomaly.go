package quality

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// AnomalyConfig controls the rolling z-score detector.
type AnomalyConfig struct {
	PriceSigmaThreshold   float64
	VolumeSigmaThreshold  float64
	WindowSize            int
	MinSamples            int
	EnablePriceDetection  bool
	EnableVolumeDetection bool

	// MaxIdle and MaxTrackedAssets bound the per-asset window maps:
	// once more than MaxTrackedAssets assets are tracked, windows idle
	// longer than MaxIdle are swept.
	MaxIdle          time.Duration
	MaxTrackedAssets int
}

// DefaultAnomalyConfig returns the documented defaults.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		PriceSigmaThreshold:   2.5,
		VolumeSigmaThreshold:  2.0,
		WindowSize:            30,
		MinSamples:            5,
		EnablePriceDetection:  true,
		EnableVolumeDetection: true,
		MaxIdle:               30 * time.Minute,
		MaxTrackedAssets:      1024,
	}
}

// rollingWindow is a bounded FIFO of float samples with running sums so
// mean and stddev are O(1) per check.
type rollingWindow struct {
	values []float64
	max    int
	sum    float64
	sumSq  float64
}

func newRollingWindow(max int) *rollingWindow {
	return &rollingWindow{values: make([]float64, 0, max), max: max}
}

func (w *rollingWindow) push(v float64) {
	if len(w.values) == w.max {
		old := w.values[0]
		w.values = w.values[1:]
		w.sum -= old
		w.sumSq -= old * old
	}
	w.values = append(w.values, v)
	w.sum += v
	w.sumSq += v * v
}

func (w *rollingWindow) len() int { return len(w.values) }

func (w *rollingWindow) mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.sum / float64(len(w.values))
}

// stdev is the sample standard deviation.
func (w *rollingWindow) stdev() float64 {
	n := len(w.values)
	if n < 2 {
		return 0
	}
	mean := w.mean()
	variance := (w.sumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// AnomalyDetector keeps one bounded rolling window per (broker,symbol)
// for price and independently for volume. Window mutation is serialized
// per detector; ticks for the same asset must not race.
type AnomalyDetector struct {
	cfg AnomalyConfig

	mu            sync.Mutex
	priceWindows  map[string]*rollingWindow
	volumeWindows map[string]*rollingWindow
	lastSeen      map[string]time.Time
}

// NewAnomalyDetector builds a detector with empty windows.
func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Minute
	}
	if cfg.MaxTrackedAssets <= 0 {
		cfg.MaxTrackedAssets = 1024
	}
	return &AnomalyDetector{
		cfg:           cfg,
		priceWindows:  make(map[string]*rollingWindow),
		volumeWindows: make(map[string]*rollingWindow),
		lastSeen:      make(map[string]time.Time),
	}
}

// AddTick appends the tick's price and volume to their windows. Values
// are added regardless of whether they triggered an anomaly.
func (d *AnomalyDetector) AddTick(t *tick.Tick) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := t.AssetKey()
	if d.cfg.EnablePriceDetection {
		price, _ := t.Price.Float64()
		d.window(d.priceWindows, key).push(price)
	}
	if d.cfg.EnableVolumeDetection && t.Volume.Valid {
		vol, _ := t.Volume.Decimal.Float64()
		d.window(d.volumeWindows, key).push(vol)
	}
	d.lastSeen[key] = maxTime(d.lastSeen[key], t.Timestamp)

	if len(d.lastSeen) > d.cfg.MaxTrackedAssets {
		cutoff := t.Timestamp.Add(-d.cfg.MaxIdle)
		for k, v := range d.lastSeen {
			if v.Before(cutoff) {
				delete(d.lastSeen, k)
				delete(d.priceWindows, k)
				delete(d.volumeWindows, k)
			}
		}
	}
}

// DetectPriceAnomaly returns a WARNING issue when the tick's price
// z-score against its asset window exceeds the sigma threshold.
// Anomalies are informational, never blocking.
func (d *AnomalyDetector) DetectPriceAnomaly(t *tick.Tick) *Issue {
	if !d.cfg.EnablePriceDetection {
		return nil
	}
	price, _ := t.Price.Float64()
	return d.detect(d.priceWindows, t, "price", price, d.cfg.PriceSigmaThreshold, "price_anomaly")
}

// DetectVolumeAnomaly is the volume counterpart of DetectPriceAnomaly.
func (d *AnomalyDetector) DetectVolumeAnomaly(t *tick.Tick) *Issue {
	if !d.cfg.EnableVolumeDetection || !t.Volume.Valid {
		return nil
	}
	vol, _ := t.Volume.Decimal.Float64()
	return d.detect(d.volumeWindows, t, "volume", vol, d.cfg.VolumeSigmaThreshold, "volume_anomaly")
}

func (d *AnomalyDetector) detect(windows map[string]*rollingWindow, t *tick.Tick, field string, value, threshold float64, rule string) *Issue {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := windows[t.AssetKey()]
	if !ok || w.len() < d.cfg.MinSamples {
		return nil
	}

	mean := w.mean()
	std := w.stdev()
	if std == 0 {
		return nil
	}

	z := math.Abs(value-mean) / std
	if z <= threshold {
		return nil
	}
	return &Issue{
		Rule:     rule,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%s anomaly detected: z-score %.2f", field, z),
		Field:    field,
		Actual:   value,
		Context: map[string]any{
			"z_score":   z,
			"mean":      mean,
			"std":       std,
			"threshold": threshold,
		},
	}
}

func (d *AnomalyDetector) window(windows map[string]*rollingWindow, key string) *rollingWindow {
	w, ok := windows[key]
	if !ok {
		w = newRollingWindow(d.cfg.WindowSize)
		windows[key] = w
	}
	return w
}

// Reset drops every rolling window.
func (d *AnomalyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priceWindows = make(map[string]*rollingWindow)
	d.volumeWindows = make(map[string]*rollingWindow)
	d.lastSeen = make(map[string]time.Time)
}
