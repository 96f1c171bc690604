package strategy

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

func speedState(prev *float64, value float64, changedAgo time.Duration, now time.Time) *store.MarketState {
	pos := market.ThresholdPosition(value, 60, 0.5)
	ms := &store.MarketState{
		Market: market.Market{
			ID:         "mkt-chi-60f",
			City:       "chicago",
			Metric:     market.MetricTempHigh,
			Comparison: market.ComparisonAbove,
			Threshold:  60,
			Unit:       market.UnitF,
			TargetDate: now.UTC().Truncate(24 * time.Hour),
			YesTokenID: "tok-yes",
			NoTokenID:  "tok-no",
			Active:     true,
		},
		LastYesPrice: 0.30,
		LastNoPrice:  0.70,
		LastForecast: &store.ForecastSnapshot{
			MarketID:          "mkt-chi-60f",
			Value:             value,
			Timestamp:         now,
			Source:            weather.SourceFile,
			PreviousValue:     prev,
			ValueChanged:      prev != nil,
			ChangeTimestamp:   now.Add(-changedAgo),
			ThresholdPosition: pos,
		},
	}
	return ms
}

func newSpeed() *SpeedStrategy {
	return NewSpeedStrategy(zerolog.Nop(), DefaultSpeedConfig(), nil)
}

func TestSpeed_ThresholdCrossingFires(t *testing.T) {
	now := time.Now()
	prev := 57.2
	ms := speedState(&prev, 64.4, 10*time.Second, now)

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	require.NotNil(t, sig, "rejection: %s", reason)
	assert.Equal(t, SideYes, sig.Side)
	assert.Equal(t, "tok-yes", sig.TokenID)
	assert.Equal(t, UrgencyImmediate, sig.Urgency, "fresh change must be immediate")
	assert.Greater(t, sig.SizeUSDC, 0.0)
	assert.False(t, sig.IsGuaranteed, "4.4F over 1.5F uncertainty is just under 3 sigma")
}

func TestSpeed_DecisiveCrossingIsGuaranteed(t *testing.T) {
	now := time.Now()
	prev := 57.2
	ms := speedState(&prev, 66.0, 10*time.Second, now)

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	require.NotNil(t, sig, "rejection: %s", reason)
	assert.True(t, sig.IsGuaranteed)
	cfg := DefaultSpeedConfig()
	assert.InDelta(t, cfg.MaxPositionUSDC*cfg.GuaranteedBoost*1.25, sig.SizeUSDC, 1e-9,
		"guaranteed immediate entry takes the full boosted size")
}

func TestSpeed_FirstDataNeverTrades(t *testing.T) {
	now := time.Now()
	ms := speedState(nil, 64.4, 0, now)
	ms.LastForecast.ValueChanged = false

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "first_data", reason, "baseline observation must not trigger even above threshold")
}

func TestSpeed_StaleChangeRejected(t *testing.T) {
	now := time.Now()
	prev := 57.2
	ms := speedState(&prev, 64.4, 3*time.Minute, now)

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "stale_change", reason)
}

func TestSpeed_NoCrossingRejected(t *testing.T) {
	now := time.Now()
	prev := 62.0
	ms := speedState(&prev, 64.4, 10*time.Second, now)

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "no_crossing", reason, "a move on one side of the threshold is not a crossing")
}

func TestSpeed_DeadbandSuppressesGrazing(t *testing.T) {
	now := time.Now()
	prev := 59.8
	ms := speedState(&prev, 60.3, 10*time.Second, now)
	ms.LastForecast.ValueChanged = true

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "no_crossing", reason, "values inside the dead-band are 'at', not crossings")
}

func TestSpeed_DownwardCrossingBuysNo(t *testing.T) {
	now := time.Now()
	prev := 64.4
	ms := speedState(&prev, 53.6, 10*time.Second, now)

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	require.NotNil(t, sig, "rejection: %s", reason)
	assert.Equal(t, SideNo, sig.Side)
	assert.Equal(t, "tok-no", sig.TokenID)
}

func TestSpeed_InsufficientEdgeRejected(t *testing.T) {
	now := time.Now()
	prev := 57.2
	ms := speedState(&prev, 64.4, 10*time.Second, now)
	ms.LastYesPrice = 0.995

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	// A pinned price marks the market resolved before edge is even checked.
	assert.Equal(t, "not_tradable", reason)
}

func TestSpeed_EdgeTooSmall(t *testing.T) {
	now := time.Now()
	prev := 57.2
	ms := speedState(&prev, 64.4, 10*time.Second, now)
	ms.LastYesPrice = 0.985

	sig, reason := newSpeed().Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "insufficient_edge", reason)
}

func TestSpeed_CapturedOpportunitySkipped(t *testing.T) {
	now := time.Now()
	opps := NewOpportunityTracker(time.Hour, 0)
	s := NewSpeedStrategy(zerolog.Nop(), DefaultSpeedConfig(), opps)

	prev := 57.2
	ms := speedState(&prev, 64.4, 10*time.Second, now)

	sig, _ := s.Evaluate(ms, 12, now)
	require.NotNil(t, sig)
	require.True(t, opps.Capture(ms.Market.ID, 12, ms.LastForecast.Value, SideYes))

	sig, reason := s.Evaluate(ms, 12, now)
	assert.Nil(t, sig)
	assert.Equal(t, "opportunity_captured", reason)

	// A later cycle is a new opportunity.
	sig, _ = s.Evaluate(ms, 13, now)
	assert.NotNil(t, sig)
}

func TestSpeed_RejectionStatsAccumulate(t *testing.T) {
	now := time.Now()
	s := newSpeed()
	ms := speedState(nil, 64.4, 0, now)
	ms.LastForecast.ValueChanged = false

	s.Evaluate(ms, 12, now)
	s.Evaluate(ms, 12, now)
	assert.Equal(t, int64(2), s.Rejections()["first_data"])
}

func TestSpeed_OnlyFileSource(t *testing.T) {
	s := newSpeed()
	assert.True(t, s.SourceAllowed(weather.SourceFile))
	assert.False(t, s.SourceAllowed(weather.SourceAPI))
}
