package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

func testMarket() market.Market {
	return market.Market{
		ID:         "mkt-london-16c",
		City:       "london",
		Metric:     market.MetricTempHigh,
		Comparison: market.ComparisonAbove,
		Threshold:  16,
		Unit:       market.UnitC,
		TargetDate: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		YesTokenID: "tok-yes",
		NoTokenID:  "tok-no",
		Active:     true,
	}
}

func newStore() *DataStore {
	return NewDataStore(zerolog.Nop(), Options{})
}

func TestAddMarket_Idempotent(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	s.AddMarket(testMarket())
	assert.Equal(t, 1, s.GetStats().Markets)
}

func TestAddMarket_NormalizesThreshold(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	ms := s.GetMarketState("mkt-london-16c")
	require.NotNil(t, ms)
	assert.InDelta(t, 60.8, ms.Market.Threshold, 0.01, "16C must normalize to 60.8F")
	assert.Equal(t, market.UnitC, ms.Market.Unit, "original unit retained for display")
}

func TestUpdatePrice_AppendsAndIndexes(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	now := time.Now()

	s.UpdatePrice("tok-yes", 0.30, now)

	ms := s.GetMarketState("mkt-london-16c")
	require.Len(t, ms.YesHistory.Points, 1)
	assert.Equal(t, 0.30, ms.YesHistory.Points[0].Price)
	assert.Equal(t, 0.30, ms.LastYesPrice)

	id, ok := s.GetMarketIDByToken("tok-yes")
	require.True(t, ok)
	assert.Equal(t, "mkt-london-16c", id)
}

func TestUpdatePrice_PrunesOldPoints(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	base := time.Now()

	s.UpdatePrice("tok-yes", 0.10, base.Add(-90*time.Minute))
	s.UpdatePrice("tok-yes", 0.20, base.Add(-61*time.Minute))
	s.UpdatePrice("tok-yes", 0.30, base)

	ms := s.GetMarketState("mkt-london-16c")
	require.Len(t, ms.YesHistory.Points, 1, "points older than 60 min must be pruned")
	assert.Equal(t, 0.30, ms.YesHistory.Points[0].Price)
}

func TestVelocity_RequiresTwoPointsInWindow(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	base := time.Now()

	s.UpdatePrice("tok-yes", 0.30, base.Add(-10*time.Minute))
	s.UpdatePrice("tok-yes", 0.40, base)

	// Only one point inside the trailing 60s window.
	ms := s.GetMarketState("mkt-london-16c")
	assert.Equal(t, 0.0, ms.YesHistory.Velocity)
}

func TestVelocity_ComputedOverWindow(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	base := time.Now()

	s.UpdatePrice("tok-yes", 0.30, base.Add(-30*time.Second))
	s.UpdatePrice("tok-yes", 0.45, base)

	ms := s.GetMarketState("mkt-london-16c")
	assert.InDelta(t, 0.15/30.0, ms.YesHistory.Velocity, 1e-9)
}

func TestUpdatePrice_Listener(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())

	var gotToken string
	var gotPrice float64
	s.OnPriceUpdate(func(tokenID string, price float64, _ time.Time, _ float64) {
		gotToken, gotPrice = tokenID, price
	})

	s.UpdatePrice("tok-no", 0.70, time.Now())
	assert.Equal(t, "tok-no", gotToken)
	assert.Equal(t, 0.70, gotPrice)
}

func TestUpdateForecast_FirstSnapshotHasNoPrevious(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	now := time.Now()

	s.UpdateForecast("mkt-london-16c", 57.2, now, weather.SourceFile)

	ms := s.GetMarketState("mkt-london-16c")
	require.NotNil(t, ms.LastForecast)
	assert.Nil(t, ms.LastForecast.PreviousValue)
	assert.False(t, ms.LastForecast.ValueChanged)
	assert.Equal(t, market.PositionBelow, ms.LastForecast.ThresholdPosition)
}

func TestUpdateForecast_DetectsChange(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	t0 := time.Now()

	s.UpdateForecast("mkt-london-16c", 57.2, t0, weather.SourceFile)
	s.UpdateForecast("mkt-london-16c", 64.4, t0.Add(30*time.Second), weather.SourceFile)

	ms := s.GetMarketState("mkt-london-16c")
	require.NotNil(t, ms.LastForecast.PreviousValue)
	assert.Equal(t, 57.2, *ms.LastForecast.PreviousValue)
	assert.True(t, ms.LastForecast.ValueChanged)
	assert.Equal(t, market.PositionAbove, ms.LastForecast.ThresholdPosition)
	assert.Equal(t, t0.Add(30*time.Second), ms.LastForecast.ChangeTimestamp)
}

func TestUpdateForecast_SubEpsilonMoveKeepsChangeTimestamp(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	t0 := time.Now()

	s.UpdateForecast("mkt-london-16c", 57.2, t0, weather.SourceFile)
	s.UpdateForecast("mkt-london-16c", 57.4, t0.Add(time.Minute), weather.SourceFile)

	ms := s.GetMarketState("mkt-london-16c")
	assert.False(t, ms.LastForecast.ValueChanged, "0.2F is below the 0.5F epsilon")
	assert.Equal(t, t0, ms.LastForecast.ChangeTimestamp)
}

func TestUpdateForecast_PrunesOldSnapshots(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	base := time.Now()

	s.UpdateForecast("mkt-london-16c", 55, base.Add(-30*time.Hour), weather.SourceAPI)
	s.UpdateForecast("mkt-london-16c", 58, base, weather.SourceFile)

	ms := s.GetMarketState("mkt-london-16c")
	assert.Len(t, ms.ForecastHistory, 1, "snapshots older than 24h must be pruned")
}

func TestGetMarketState_ReturnsCopy(t *testing.T) {
	s := newStore()
	s.AddMarket(testMarket())
	s.UpdatePrice("tok-yes", 0.30, time.Now())

	ms := s.GetMarketState("mkt-london-16c")
	ms.YesHistory.Points[0].Price = 0.99
	ms.LastYesPrice = 0.99

	fresh := s.GetMarketState("mkt-london-16c")
	assert.Equal(t, 0.30, fresh.YesHistory.Points[0].Price, "mutating a copy must not affect the store")
	assert.Equal(t, 0.30, fresh.LastYesPrice)
}
