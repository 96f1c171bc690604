package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMarkets(t *testing.T) {
	path := writeCatalog(t, `
- id: chi-high-60-20260312
  city: chicago
  metric: temp_high
  comparison: above
  threshold: 60
  unit: F
  target_date: "2026-03-12"
  yes_token: tok-yes
  no_token: tok-no
- id: lon-high-16c-20260312
  city: london
  metric: temp_high
  comparison: above
  threshold: 16
  unit: C
  target_date: "2026-03-12"
  yes_token: lon-yes
  no_token: lon-no
`)

	markets, err := LoadMarkets(path)
	require.NoError(t, err)
	require.Len(t, markets, 2)

	chi := markets[0]
	assert.Equal(t, "chicago", chi.City)
	assert.Equal(t, market.MetricTempHigh, chi.Metric)
	assert.Equal(t, market.ComparisonAbove, chi.Comparison)
	assert.Equal(t, 60.0, chi.Threshold)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), chi.TargetDate)
	assert.True(t, chi.Active)

	// Listed in Celsius; the store normalizes on AddMarket, not the loader.
	assert.Equal(t, market.UnitC, markets[1].Unit)
	assert.Equal(t, 16.0, markets[1].Threshold)
}

func TestLoadMarkets_UnknownCity(t *testing.T) {
	path := writeCatalog(t, `
- id: bad
  city: atlantis
  metric: temp_high
  comparison: above
  threshold: 60
  target_date: "2026-03-12"
  yes_token: a
  no_token: b
`)
	_, err := LoadMarkets(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown city")
}

func TestLoadMarkets_BadMetric(t *testing.T) {
	path := writeCatalog(t, `
- id: bad
  city: chicago
  metric: humidity
  comparison: above
  threshold: 60
  target_date: "2026-03-12"
  yes_token: a
  no_token: b
`)
	_, err := LoadMarkets(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metric")
}

func TestLoadMarkets_MissingFile(t *testing.T) {
	_, err := LoadMarkets(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValueFor(t *testing.T) {
	cf := weather.CityForecast{TempF: 61.2, TempC: 16.2, TotalPrecipMm: 4.5}
	assert.Equal(t, 61.2, valueFor(market.MetricTempHigh, cf))
	assert.Equal(t, 61.2, valueFor(market.MetricTempLow, cf))
	assert.Equal(t, 4.5, valueFor(market.MetricPrecipitation, cf))
	assert.Equal(t, 4.5, valueFor(market.MetricSnowfall, cf))
}
