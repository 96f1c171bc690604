package market

import (
	"testing"
	"time"
)

func TestNormalizeThreshold_CelsiusToFahrenheit(t *testing.T) {
	got := NormalizeThreshold(16, UnitC, MetricTempHigh)
	if got < 60.79 || got > 60.81 {
		t.Errorf("NormalizeThreshold(16C) = %.2f, want 60.80", got)
	}
}

func TestNormalizeThreshold_InchesToMm(t *testing.T) {
	got := NormalizeThreshold(1.0, UnitInches, MetricPrecipitation)
	if got != 25.4 {
		t.Errorf("NormalizeThreshold(1in) = %.2f, want 25.40", got)
	}
}

func TestNormalizeThreshold_AlreadyCanonical(t *testing.T) {
	if got := NormalizeThreshold(72, UnitF, MetricTempHigh); got != 72 {
		t.Errorf("NormalizeThreshold(72F) = %.2f, want 72", got)
	}
	if got := NormalizeThreshold(10, UnitMm, MetricPrecipitation); got != 10 {
		t.Errorf("NormalizeThreshold(10mm) = %.2f, want 10", got)
	}
}

func TestThresholdPosition(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		threshold float64
		deadband  float64
		want      Position
	}{
		{"clearly above", 65, 60, 0.5, PositionAbove},
		{"clearly below", 55, 60, 0.5, PositionBelow},
		{"inside deadband high", 60.4, 60, 0.5, PositionAt},
		{"inside deadband low", 59.6, 60, 0.5, PositionAt},
		{"exactly at", 60, 60, 0.5, PositionAt},
		{"just outside deadband", 60.51, 60, 0.5, PositionAbove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThresholdPosition(tt.value, tt.threshold, tt.deadband); got != tt.want {
				t.Errorf("ThresholdPosition(%v, %v, %v) = %s, want %s",
					tt.value, tt.threshold, tt.deadband, got, tt.want)
			}
		})
	}
}

func TestIsResolvedPrice(t *testing.T) {
	for _, p := range []float64{0.01, 0.005, 0.99, 0.995} {
		if !IsResolvedPrice(p) {
			t.Errorf("IsResolvedPrice(%v) = false, want true", p)
		}
	}
	for _, p := range []float64{0.02, 0.30, 0.50, 0.98} {
		if IsResolvedPrice(p) {
			t.Errorf("IsResolvedPrice(%v) = true, want false", p)
		}
	}
}

func TestTradable(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m := &Market{
		ID:         "mkt-1",
		Active:     true,
		TargetDate: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
	}

	if !m.Tradable(0.40, now) {
		t.Error("active future market at 0.40 should be tradable")
	}
	if m.Tradable(0.99, now) {
		t.Error("market pinned at 0.99 should not be tradable")
	}

	m.Closed = true
	if m.Tradable(0.40, now) {
		t.Error("closed market should not be tradable")
	}

	m.Closed = false
	m.TargetDate = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	if m.Tradable(0.40, now) {
		t.Error("past-dated market should not be tradable")
	}
}

func TestNormalize_RangeMarket(t *testing.T) {
	m := Market{
		Metric:       MetricTempRange,
		Comparison:   ComparisonRange,
		Unit:         UnitC,
		MinThreshold: 10,
		MaxThreshold: 20,
	}
	n := m.Normalize()
	if n.MinThreshold != 50 || n.MaxThreshold != 68 {
		t.Errorf("Normalize range = [%.1f, %.1f], want [50, 68]", n.MinThreshold, n.MaxThreshold)
	}
}
