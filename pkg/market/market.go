// Package market provides prediction-market abstractions for weather
// threshold contracts.
package market

import (
	"time"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// MetricType classifies what a market settles on.
type MetricType string

const (
	MetricTempHigh      MetricType = "temp_high"
	MetricTempLow       MetricType = "temp_low"
	MetricTempThreshold MetricType = "temp_threshold"
	MetricTempRange     MetricType = "temp_range"
	MetricPrecipitation MetricType = "precipitation"
	MetricSnowfall      MetricType = "snowfall"
	MetricUnknown       MetricType = "unknown"
)

// IsTemperature reports whether the metric is a temperature family metric.
func (m MetricType) IsTemperature() bool {
	switch m {
	case MetricTempHigh, MetricTempLow, MetricTempThreshold, MetricTempRange:
		return true
	}
	return false
}

// Comparison is how the settled value is compared against the threshold.
type Comparison string

const (
	ComparisonAbove Comparison = "above"
	ComparisonBelow Comparison = "below"
	ComparisonRange Comparison = "range"
)

// Unit is the display unit the market was listed in. Thresholds are
// normalized to canonical units (°F for temperature, mm for precipitation)
// at ingestion; Unit is retained for display only.
type Unit string

const (
	UnitF      Unit = "F"
	UnitC      Unit = "C"
	UnitInches Unit = "inches"
	UnitMm     Unit = "mm"
)

// Market is an immutable description of one tradable contract.
type Market struct {
	ID         string
	City       string // weather.City ID
	Metric     MetricType
	Comparison Comparison

	// Threshold(s) in the canonical unit for the metric family.
	Threshold    float64
	MinThreshold float64 // range markets only
	MaxThreshold float64 // range markets only

	Unit       Unit      // original listing unit
	TargetDate time.Time // UTC midnight of the settlement date
	YesTokenID string
	NoTokenID  string
	Active     bool
	Closed     bool
}

// NormalizeThreshold converts a listed threshold into the canonical unit for
// the metric family (°F for temperature, mm for precipitation).
func NormalizeThreshold(value float64, unit Unit, metric MetricType) float64 {
	if metric.IsTemperature() {
		if unit == UnitC {
			return weather.CToF(value)
		}
		return value
	}
	if unit == UnitInches {
		return value * 25.4
	}
	return value
}

// Normalize returns a copy with thresholds converted to canonical units.
func (m Market) Normalize() Market {
	m.Threshold = NormalizeThreshold(m.Threshold, m.Unit, m.Metric)
	m.MinThreshold = NormalizeThreshold(m.MinThreshold, m.Unit, m.Metric)
	m.MaxThreshold = NormalizeThreshold(m.MaxThreshold, m.Unit, m.Metric)
	return m
}

// Tradable reports whether the market should be considered for signals.
// A market whose YES price has pinned to 0.01 or 0.99 is effectively
// resolved and excluded.
func (m *Market) Tradable(yesPrice float64, now time.Time) bool {
	if !m.Active || m.Closed {
		return false
	}
	if IsResolvedPrice(yesPrice) {
		return false
	}
	today := now.UTC().Truncate(24 * time.Hour)
	return !m.TargetDate.Before(today)
}

// IsResolvedPrice reports whether a price marks the market effectively
// resolved.
func IsResolvedPrice(p float64) bool {
	return p <= 0.01 || p >= 0.99
}

// HoursUntil returns the forecast horizon in hours from now to the market's
// target date (local noon is a reasonable proxy for daily settle; the target
// date itself is UTC midnight so we use midday UTC).
func (m *Market) HoursUntil(now time.Time) float64 {
	target := m.TargetDate.Add(12 * time.Hour)
	return target.Sub(now).Hours()
}

// DaysToEvent returns the whole days until the target date, floored at zero.
func (m *Market) DaysToEvent(now time.Time) float64 {
	d := m.TargetDate.Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// Position discretizes where a value sits relative to a threshold.
type Position string

const (
	PositionAbove Position = "above"
	PositionBelow Position = "below"
	PositionAt    Position = "at"
)

// ThresholdPosition places value relative to threshold with a dead-band.
// Values within deadband of the threshold are "at" and treated as neither
// side for crossing detection.
func ThresholdPosition(value, threshold, deadband float64) Position {
	switch {
	case value > threshold+deadband:
		return PositionAbove
	case value < threshold-deadband:
		return PositionBelow
	default:
		return PositionAt
	}
}
