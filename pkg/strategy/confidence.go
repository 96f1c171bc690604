package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/forecast"
	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// ConfidenceConfig tunes the slower, conviction-gated entry path.
type ConfidenceConfig struct {
	MaxPositionUSDC float64
	MinEdge         float64
	MinScore        float64 // confidence gate
	StabilityBandC  float64 // max pairwise run spread in °C
	RunDepth        int     // runs consulted for stability
	Kelly           KellyFractions
}

// DefaultConfidenceConfig returns production defaults.
func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{
		MaxPositionUSDC: 200,
		MinEdge:         0.03,
		MinScore:        0.50,
		StabilityBandC:  0.3,
		RunDepth:        store.DefaultRunDepth,
		Kelly:           DefaultKellyFractions(),
	}
}

// KellyFractions maps posterior-sigma conviction buckets to the Kelly
// fraction used for sizing.
type KellyFractions struct {
	Guaranteed float64 // >= 3 sigma
	High       float64 // >= 2 sigma
	Medium     float64 // >= 1 sigma
	Low        float64 // everything else
}

// DefaultKellyFractions returns the production bucket values.
func DefaultKellyFractions() KellyFractions {
	return KellyFractions{Guaranteed: 0.25, High: 0.15, Medium: 0.08, Low: 0.04}
}

// ForSigma picks the fraction for how many posterior sigmas separate the
// mean from the threshold.
func (k KellyFractions) ForSigma(sigmas float64) float64 {
	switch {
	case sigmas >= 3:
		return k.Guaranteed
	case sigmas >= 2:
		return k.High
	case sigmas >= 1:
		return k.Medium
	default:
		return k.Low
	}
}

// ConfidenceStrategy trades only when consecutive model runs agree with
// each other and with the rest of the hierarchy. It is slower than the
// crossing fast path but sizes larger, scaled by a Kelly fraction.
type ConfidenceStrategy struct {
	log      zerolog.Logger
	cfg      ConfidenceConfig
	runs     *store.RunHistoryStore
	combiner *forecast.Combiner
	rej      *RejectionStats
	opps     *OpportunityTracker
}

// NewConfidenceStrategy creates a ConfidenceStrategy.
func NewConfidenceStrategy(log zerolog.Logger, cfg ConfidenceConfig, runs *store.RunHistoryStore, combiner *forecast.Combiner, opps *OpportunityTracker) *ConfidenceStrategy {
	return &ConfidenceStrategy{
		log:      log.With().Str("component", "confidence-strategy").Logger(),
		cfg:      cfg,
		runs:     runs,
		combiner: combiner,
		rej:      NewRejectionStats(),
		opps:     opps,
	}
}

// Name identifies the strategy in signals and logs.
func (s *ConfidenceStrategy) Name() string { return "confidence" }

// Rejections returns the running rejection counters.
func (s *ConfidenceStrategy) Rejections() map[string]int64 { return s.rej.Snapshot() }

// Evaluate inspects one market after an arbitrated update from model for
// city and returns an entry signal, or nil with the rejection reason.
func (s *ConfidenceStrategy) Evaluate(ms *store.MarketState, city *weather.City, model weather.Model, source weather.Source, cycleHour int, now time.Time) (*EntrySignal, string) {
	reject := func(reason string) (*EntrySignal, string) {
		s.rej.Bump(reason)
		return nil, reason
	}

	if ms.LastForecast == nil {
		return reject("no_forecast")
	}
	if !IsPrimary(city.Region, model) {
		return reject("non_primary_model")
	}
	// One run proves nothing about run-to-run stability.
	if s.runs.IsFirstRun(city.ID, model) {
		return reject("first_run")
	}
	if !ms.Market.Tradable(ms.LastYesPrice, now) {
		return reject("not_tradable")
	}
	if s.opps != nil && s.opps.Captured(ms.Market.ID, cycleHour, ms.LastForecast.Value) {
		return reject("opportunity_captured")
	}

	primaryRuns := s.runs.GetLastRuns(city.ID, model, s.cfg.RunDepth)
	spreadC := maxPairwiseSpread(primaryRuns)
	if spreadC > s.cfg.StabilityBandC {
		return reject("unstable_runs")
	}

	inputs, agreement := s.gatherInputs(city, model, primaryRuns[0], ms.Market.HoursUntil(now))
	family := forecast.VarTemperature
	if !ms.Market.Metric.IsTemperature() {
		family = forecast.VarPrecipitation
	}
	res := s.combiner.Combine(ms.Market, family, inputs)
	if res.Sigma <= 0 {
		return reject("degenerate_posterior")
	}

	sigmas := thresholdDistance(ms.Market, res.Mean) / res.Sigma
	days := ms.Market.DaysToEvent(now)

	score := stabilityComponent(spreadC, s.cfg.StabilityBandC) +
		agreement +
		math.Min(0.30, sigmas*0.10) -
		0.03*math.Max(0, days-3)
	if source == weather.SourceFile {
		score += 0.10
	}
	if score < s.cfg.MinScore {
		s.log.Debug().
			Str("market_id", ms.Market.ID).
			Float64("score", score).
			Float64("spread_c", spreadC).
			Float64("sigmas", sigmas).
			Msg("confidence gate rejected")
		return reject("low_confidence")
	}

	pYes := res.Probability
	side, tokenID, price := SideYes, ms.Market.YesTokenID, ms.LastYesPrice
	edge := pYes - ms.LastYesPrice
	if pYes < 0.5 {
		side, tokenID, price = SideNo, ms.Market.NoTokenID, ms.LastNoPrice
		edge = (1 - pYes) - ms.LastNoPrice
	}
	if edge < s.cfg.MinEdge {
		return reject("insufficient_edge")
	}

	kelly := s.cfg.Kelly.ForSigma(sigmas)
	size := s.cfg.MaxPositionUSDC * math.Min(kelly*10/2, 1)

	sig := &EntrySignal{
		MarketID:      ms.Market.ID,
		TokenID:       tokenID,
		Side:          side,
		Price:         price,
		ForecastValue: ms.LastForecast.Value,
		SizeUSDC:      size,
		Kelly:         kelly,
		Urgency:       UrgencyNormal,
		IsGuaranteed:  res.IsGuaranteed,
		Confidence:    score,
		CycleHour:     cycleHour,
		Reason: fmt.Sprintf("score %.2f, %d stable runs (spread %.2fC), %.1f sigma",
			score, len(primaryRuns), spreadC, sigmas),
		Strategy:  s.Name(),
		CreatedAt: now,
	}

	s.log.Info().
		Str("market_id", ms.Market.ID).
		Str("side", string(side)).
		Float64("score", score).
		Float64("kelly", kelly).
		Float64("size_usdc", size).
		Int("models", len(inputs)).
		Msg("confidence entry signal")
	return sig, ""
}

// gatherInputs builds combiner inputs from the primary run plus the latest
// run of each lower-trust model, returning the cross-model agreement
// component alongside.
func (s *ConfidenceStrategy) gatherInputs(city *weather.City, primary weather.Model, latest store.RunRecord, horizonHours float64) ([]forecast.ModelInput, float64) {
	inputs := []forecast.ModelInput{{
		Model:        primary,
		Value:        weather.CToF(latest.MaxTempC),
		HorizonHours: horizonHours,
		Source:       latest.Source,
	}}

	// No sibling data is neutral, not disqualifying.
	agreement := 0.10
	maxDiffC := 0.0
	seen := false
	for _, m := range HierarchyFor(city.Region).Models() {
		if m == primary {
			continue
		}
		other := s.runs.GetLastRuns(city.ID, m, 1)
		if len(other) == 0 {
			continue
		}
		seen = true
		if d := math.Abs(other[0].MaxTempC - latest.MaxTempC); d > maxDiffC {
			maxDiffC = d
		}
		inputs = append(inputs, forecast.ModelInput{
			Model:        m,
			Value:        weather.CToF(other[0].MaxTempC),
			HorizonHours: horizonHours,
			Source:       other[0].Source,
		})
	}
	if seen {
		agreement = 0.25 * clamp(1-maxDiffC/1.0, 0, 1)
	}
	return inputs, agreement
}

// thresholdDistance is how far the posterior mean sits from the market's
// decision boundary. Range markets have no single Threshold; the nearer
// band edge is the boundary that matters.
func thresholdDistance(m market.Market, mean float64) float64 {
	if m.Comparison == market.ComparisonRange {
		return math.Min(math.Abs(mean-m.MinThreshold), math.Abs(mean-m.MaxThreshold))
	}
	return math.Abs(mean - m.Threshold)
}

// stabilityComponent rewards tight run-to-run spread, linearly up to 0.35.
func stabilityComponent(spreadC, band float64) float64 {
	if band <= 0 {
		return 0
	}
	return 0.35 * clamp(1-spreadC/band, 0, 1)
}

// maxPairwiseSpread is the widest temperature disagreement among runs, °C.
func maxPairwiseSpread(runs []store.RunRecord) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range runs {
		lo = math.Min(lo, r.MaxTempC)
		hi = math.Max(hi, r.MaxTempC)
	}
	if len(runs) < 2 {
		return 0
	}
	return hi - lo
}
