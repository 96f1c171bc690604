package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// SpeedConfig tunes the threshold-crossing fast path.
type SpeedConfig struct {
	MaxPositionUSDC  float64       // base position size
	MinEdge          float64       // minimum probability edge over price
	MaxChangeAge     time.Duration // forecast change must be fresher than this
	Deadband         float64       // °F dead-band for crossing detection
	GuaranteedBoost  float64       // extra size multiplier on settled outcomes
	ImmediateMaxAge  time.Duration // change fresher than this is IMMEDIATE
	LiquidityCapUSDC float64       // never size beyond this
	CertaintySigma   float64       // sigmas past threshold treated as settled
}

// DefaultSpeedConfig returns production defaults.
func DefaultSpeedConfig() SpeedConfig {
	return SpeedConfig{
		MaxPositionUSDC:  100,
		MinEdge:          0.02,
		MaxChangeAge:     120 * time.Second,
		Deadband:         0.5,
		GuaranteedBoost:  1.5,
		ImmediateMaxAge:  30 * time.Second,
		LiquidityCapUSDC: 500,
		CertaintySigma:   3,
	}
}

// SpeedStrategy fires on fresh forecast changes that cross a market
// threshold, racing the rest of the market to the reprice. It trades the
// direction the new value implies and sizes by how decisively the
// threshold was crossed.
type SpeedStrategy struct {
	log  zerolog.Logger
	cfg  SpeedConfig
	rej  *RejectionStats
	opps *OpportunityTracker
}

// NewSpeedStrategy creates a SpeedStrategy.
func NewSpeedStrategy(log zerolog.Logger, cfg SpeedConfig, opps *OpportunityTracker) *SpeedStrategy {
	return &SpeedStrategy{
		log:  log.With().Str("component", "speed-strategy").Logger(),
		cfg:  cfg,
		rej:  NewRejectionStats(),
		opps: opps,
	}
}

// Name identifies the strategy in signals and logs.
func (s *SpeedStrategy) Name() string { return "speed" }

// Rejections returns the running rejection counters.
func (s *SpeedStrategy) Rejections() map[string]int64 { return s.rej.Snapshot() }

// Evaluate inspects one market after a forecast update and returns an entry
// signal, or nil with the rejection reason.
func (s *SpeedStrategy) Evaluate(ms *store.MarketState, cycleHour int, now time.Time) (*EntrySignal, string) {
	reject := func(reason string) (*EntrySignal, string) {
		s.rej.Bump(reason)
		return nil, reason
	}

	lf := ms.LastForecast
	if lf == nil {
		return reject("no_forecast")
	}
	// The first observation for a market establishes a baseline only; a
	// threshold may already be crossed without anything having moved.
	if lf.PreviousValue == nil {
		return reject("first_data")
	}
	if !lf.ValueChanged {
		return reject("no_change")
	}
	age := now.Sub(lf.ChangeTimestamp)
	if age > s.cfg.MaxChangeAge {
		return reject("stale_change")
	}
	if !ms.Market.Tradable(ms.LastYesPrice, now) {
		return reject("not_tradable")
	}
	if ms.Market.Comparison == market.ComparisonRange {
		return reject("range_market")
	}
	if s.opps != nil && s.opps.Captured(ms.Market.ID, cycleHour, lf.Value) {
		return reject("opportunity_captured")
	}

	prevPos := market.ThresholdPosition(*lf.PreviousValue, ms.Market.Threshold, s.cfg.Deadband)
	newPos := lf.ThresholdPosition
	crossed := prevPos != newPos &&
		prevPos != market.PositionAt && newPos != market.PositionAt
	if !crossed {
		return reject("no_crossing")
	}

	days := ms.Market.DaysToEvent(now)
	uncertainty := 1.5 + 0.8*days
	dist := lf.Value - ms.Market.Threshold
	pAbove := phi(dist / uncertainty)

	pYes := pAbove
	if ms.Market.Comparison == market.ComparisonBelow {
		pYes = 1 - pAbove
	}

	side, tokenID, price := SideYes, ms.Market.YesTokenID, ms.LastYesPrice
	edge := pYes - ms.LastYesPrice
	if pYes < 0.5 {
		side, tokenID, price = SideNo, ms.Market.NoTokenID, ms.LastNoPrice
		edge = (1 - pYes) - ms.LastNoPrice
	}
	if edge < s.cfg.MinEdge {
		return reject("insufficient_edge")
	}

	sigmas := math.Abs(dist) / uncertainty
	guaranteed := sigmas >= s.cfg.CertaintySigma

	urgency := UrgencyNormal
	urgencyMult := 1.0
	if age <= s.cfg.ImmediateMaxAge {
		urgency = UrgencyImmediate
		urgencyMult = 1.25
	}
	sigmaMult := clamp(sigmas/s.cfg.CertaintySigma, 0.25, 1)
	liqMult := liquidityMult(ms.LastYesPrice)
	boost := 1.0
	if guaranteed {
		boost = s.cfg.GuaranteedBoost
	}
	size := s.cfg.MaxPositionUSDC * boost * liqMult * urgencyMult * sigmaMult
	if size > s.cfg.LiquidityCapUSDC {
		size = s.cfg.LiquidityCapUSDC
	}

	sig := &EntrySignal{
		MarketID:      ms.Market.ID,
		TokenID:       tokenID,
		Side:          side,
		Price:         price,
		ForecastValue: lf.Value,
		SizeUSDC:      size,
		Urgency:       urgency,
		IsGuaranteed:  guaranteed,
		Confidence:    math.Max(pYes, 1-pYes),
		CycleHour:     cycleHour,
		Reason: fmt.Sprintf("crossed %s->%s, value %.1f vs threshold %.1f (%.1f sigma)",
			prevPos, newPos, lf.Value, ms.Market.Threshold, sigmas),
		Strategy:  s.Name(),
		CreatedAt: now,
	}

	s.log.Info().
		Str("market_id", ms.Market.ID).
		Str("side", string(side)).
		Float64("edge", edge).
		Float64("size_usdc", size).
		Bool("guaranteed", guaranteed).
		Dur("change_age", age).
		Msg("speed entry signal")
	return sig, ""
}

// SourceAllowed reports whether the strategy acts on an update source.
// Speed trades demand file-grade confidence.
func (s *SpeedStrategy) SourceAllowed(src weather.Source) bool {
	return src == weather.SourceFile
}

// liquidityMult discounts size toward the ends of the price range, where
// books thin out and a full-size entry eats its own fill.
func liquidityMult(priceYes float64) float64 {
	switch {
	case priceYes < 0.05 || priceYes > 0.95:
		return 0.25
	case priceYes < 0.15 || priceYes > 0.85:
		return 0.5
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
