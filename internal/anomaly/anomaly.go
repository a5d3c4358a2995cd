// Package anomaly runs stateless-over-a-short-window checks on incoming
// market ticks: spread, Gateway latency, and price/volume z-scores. It
// never blocks trading on its own; alerts only inform the Risk Evaluator.
package anomaly

import (
	"math"
	"sync"
	"time"

	"bitbank-mm/pkg/types"
)

// Thresholds configures every check. ZScoreThreshold gates price spikes
// (raised as critical); volume spikes use the same threshold but only
// ever warn (spec.md §4.3).
type Thresholds struct {
	SpreadWarning   float64
	SpreadCritical  float64
	LatencyWarnMS   float64
	LatencyCritMS   float64
	ZScoreThreshold float64
	WindowSize      int // number of closes/volumes kept for z-score stats
}

const alertRingWindow = 24 * time.Hour

// Detector keeps one rolling window of closes and volumes, shared by every
// tick passed to Check (it is not keyed by symbol), and a 24-hour ring of
// raised alerts.
type Detector struct {
	mu         sync.Mutex
	thresholds Thresholds
	closes     []float64
	volumes    []float64
	alerts     []types.AnomalyAlert
}

// New creates a Detector. A zero WindowSize defaults to 20 bars, matching
// the "≈20 bars" rolling window spec.md calls for.
func New(t Thresholds) *Detector {
	if t.WindowSize <= 0 {
		t.WindowSize = 20
	}
	return &Detector{thresholds: t}
}

// Check runs all four checks against one market tick and a measured
// Gateway latency, recording any alert raised and returning the set
// raised this tick (possibly empty).
func (d *Detector) Check(snap types.MarketSnapshot, latencyMS float64) []types.AnomalyAlert {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, _ := snap.Last.Float64()
	vol, _ := snap.Volume.Float64()
	d.pushLocked(last, vol)

	var raised []types.AnomalyAlert

	if a, ok := d.checkSpreadLocked(snap); ok {
		raised = append(raised, a)
	}
	if a, ok := d.checkLatencyLocked(latencyMS, snap.Timestamp); ok {
		raised = append(raised, a)
	}
	if a, ok := d.checkPriceZScoreLocked(snap.Timestamp); ok {
		raised = append(raised, a)
	}
	if a, ok := d.checkVolumeZScoreLocked(snap.Timestamp); ok {
		raised = append(raised, a)
	}

	for _, a := range raised {
		d.recordLocked(a)
	}
	return raised
}

func (d *Detector) pushLocked(last, vol float64) {
	d.closes = append(d.closes, last)
	d.volumes = append(d.volumes, vol)
	if len(d.closes) > d.thresholds.WindowSize {
		d.closes = d.closes[len(d.closes)-d.thresholds.WindowSize:]
	}
	if len(d.volumes) > d.thresholds.WindowSize {
		d.volumes = d.volumes[len(d.volumes)-d.thresholds.WindowSize:]
	}
}

func (d *Detector) checkSpreadLocked(snap types.MarketSnapshot) (types.AnomalyAlert, bool) {
	last, _ := snap.Last.Float64()
	if last == 0 {
		return types.AnomalyAlert{}, false
	}
	ask, _ := snap.Ask.Float64()
	bid, _ := snap.Bid.Float64()
	spread := (ask - bid) / last

	level, ok := gradeAbove(spread, d.thresholds.SpreadWarning, d.thresholds.SpreadCritical)
	if !ok {
		return types.AnomalyAlert{}, false
	}
	return types.AnomalyAlert{
		Kind:      types.AnomalySpread,
		Level:     level,
		Timestamp: snap.Timestamp,
		Details:   "spread ratio above threshold",
	}, true
}

func (d *Detector) checkLatencyLocked(latencyMS float64, ts time.Time) (types.AnomalyAlert, bool) {
	level, ok := gradeAbove(latencyMS, d.thresholds.LatencyWarnMS, d.thresholds.LatencyCritMS)
	if !ok {
		return types.AnomalyAlert{}, false
	}
	return types.AnomalyAlert{
		Kind:      types.AnomalyLatency,
		Level:     level,
		Timestamp: ts,
		Details:   "gateway call latency above threshold",
	}, true
}

func (d *Detector) checkPriceZScoreLocked(ts time.Time) (types.AnomalyAlert, bool) {
	z, ok := zScore(d.closes)
	if !ok || math.Abs(z) < d.thresholds.ZScoreThreshold {
		return types.AnomalyAlert{}, false
	}
	return types.AnomalyAlert{
		Kind:      types.AnomalyPriceSpike,
		Level:     types.LevelCritical,
		Timestamp: ts,
		Details:   "price deviates more than zscore_threshold from recent mean",
	}, true
}

func (d *Detector) checkVolumeZScoreLocked(ts time.Time) (types.AnomalyAlert, bool) {
	z, ok := zScore(d.volumes)
	if !ok || math.Abs(z) < d.thresholds.ZScoreThreshold {
		return types.AnomalyAlert{}, false
	}
	return types.AnomalyAlert{
		Kind:      types.AnomalyVolumeSpike,
		Level:     types.LevelWarning,
		Timestamp: ts,
		Details:   "volume deviates more than zscore_threshold from recent mean",
	}, true
}

func (d *Detector) recordLocked(a types.AnomalyAlert) {
	cutoff := a.Timestamp.Add(-alertRingWindow)
	kept := d.alerts[:0]
	for _, existing := range d.alerts {
		if existing.Timestamp.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	d.alerts = append(kept, a)
}

// Summary counts currently-retained (within the 24h ring) alerts by level.
func (d *Detector) Summary() map[types.AlertLevel]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := map[types.AlertLevel]int{}
	for _, a := range d.alerts {
		out[a.Level]++
	}
	return out
}

// gradeAbove grades v against warning/critical thresholds; returns false
// if v is below warning.
func gradeAbove(v, warning, critical float64) (types.AlertLevel, bool) {
	switch {
	case v >= critical:
		return types.LevelCritical, true
	case v >= warning:
		return types.LevelWarning, true
	default:
		return "", false
	}
}

// zScore computes (last - mean) / stdev over series (population stdev),
// returning the signed z-score of the most recent sample; callers compare
// its absolute value. ok is false with fewer than 2 points
// or zero variance (stdev would make the ratio undefined).
func zScore(series []float64) (float64, bool) {
	n := len(series)
	if n < 2 {
		return 0, false
	}

	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, v := range series {
		d := v - mean
		sumSq += d * d
	}
	stdev := math.Sqrt(sumSq / float64(n))
	if stdev == 0 {
		return 0, false
	}

	last := series[n-1]
	return (last - mean) / stdev, true
}
