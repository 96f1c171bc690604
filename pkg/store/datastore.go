// Package store owns the in-memory market, price and forecast state.
package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// PricePoint is one observed price for a token.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// PriceHistory is the retained point sequence for one token. Timestamps are
// monotone non-decreasing; points older than the retention window are
// pruned on insert.
type PriceHistory struct {
	TokenID     string
	Points      []PricePoint
	LastUpdated time.Time
	Velocity    float64 // price change per second over the velocity window
}

// ForecastSnapshot is one arbitrated forecast value for a market.
type ForecastSnapshot struct {
	MarketID          string
	Value             float64 // canonical unit for the market's metric
	Timestamp         time.Time
	Source            weather.Source
	PreviousValue     *float64
	ValueChanged      bool
	ChangeTimestamp   time.Time
	ThresholdPosition market.Position
}

// MarketState bundles everything the strategies read for one market.
type MarketState struct {
	Market          market.Market
	YesHistory      *PriceHistory
	NoHistory       *PriceHistory
	ForecastHistory []ForecastSnapshot
	LastForecast    *ForecastSnapshot
	LastYesPrice    float64
	LastNoPrice     float64
}

// PriceListener receives per-token price notifications after each update.
type PriceListener func(tokenID string, price float64, ts time.Time, velocity float64)

// Options tune retention and change detection.
type Options struct {
	PriceRetention    time.Duration // default 60 min
	VelocityWindow    time.Duration // default 60 s
	ForecastRetention time.Duration // default 24 h
	PositionDeadband  float64       // °F dead-band for threshold position, default 0.5
}

func (o *Options) fill() {
	if o.PriceRetention <= 0 {
		o.PriceRetention = 60 * time.Minute
	}
	if o.VelocityWindow <= 0 {
		o.VelocityWindow = 60 * time.Second
	}
	if o.ForecastRetention <= 0 {
		o.ForecastRetention = 24 * time.Hour
	}
	if o.PositionDeadband <= 0 {
		o.PositionDeadband = 0.5
	}
}

// DataStore is the owning singleton for market state. All mutation is
// serialized by its lock; read accessors return copies.
type DataStore struct {
	log  zerolog.Logger
	opts Options

	mu        sync.RWMutex
	markets   map[string]*MarketState
	byToken   map[string]string // tokenID -> marketID
	listeners []PriceListener
}

// NewDataStore creates an empty store.
func NewDataStore(log zerolog.Logger, opts Options) *DataStore {
	opts.fill()
	return &DataStore{
		log:     log.With().Str("component", "datastore").Logger(),
		opts:    opts,
		markets: make(map[string]*MarketState),
		byToken: make(map[string]string),
	}
}

// AddMarket registers a market. Idempotent: re-adding an existing market ID
// is a no-op. Market state lives until process end.
func (s *DataStore) AddMarket(m market.Market) {
	m = m.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.markets[m.ID]; exists {
		return
	}
	s.markets[m.ID] = &MarketState{
		Market:     m,
		YesHistory: &PriceHistory{TokenID: m.YesTokenID},
		NoHistory:  &PriceHistory{TokenID: m.NoTokenID},
	}
	s.byToken[m.YesTokenID] = m.ID
	s.byToken[m.NoTokenID] = m.ID
	s.log.Debug().Str("market_id", m.ID).Str("city", m.City).Msg("market added")
}

// OnPriceUpdate registers a listener invoked after every price append.
func (s *DataStore) OnPriceUpdate(l PriceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// UpdatePrice appends a price point for a token, prunes the retention
// window and recomputes velocity over the trailing window. Unknown tokens
// are ignored.
func (s *DataStore) UpdatePrice(tokenID string, price float64, ts time.Time) {
	s.mu.Lock()
	marketID, ok := s.byToken[tokenID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ms := s.markets[marketID]

	var h *PriceHistory
	if tokenID == ms.Market.YesTokenID {
		h = ms.YesHistory
		ms.LastYesPrice = price
	} else {
		h = ms.NoHistory
		ms.LastNoPrice = price
	}

	h.Points = append(h.Points, PricePoint{Price: price, Timestamp: ts})
	h.LastUpdated = ts

	// Prune from the head while the oldest point is out of retention.
	cutoff := ts.Add(-s.opts.PriceRetention)
	drop := 0
	for drop < len(h.Points) && h.Points[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		h.Points = h.Points[drop:]
	}

	h.Velocity = velocity(h.Points, ts, s.opts.VelocityWindow)

	listeners := make([]PriceListener, len(s.listeners))
	copy(listeners, s.listeners)
	vel := h.Velocity
	s.mu.Unlock()

	for _, l := range listeners {
		l(tokenID, price, ts, vel)
	}
}

// velocity computes price change per second over the trailing window using
// a reverse scan; the hot path never allocates a filtered copy. Fewer than
// two in-window points yields 0.
func velocity(points []PricePoint, now time.Time, window time.Duration) float64 {
	if len(points) < 2 {
		return 0
	}
	cutoff := now.Add(-window)
	first := len(points) - 1
	for first > 0 && !points[first-1].Timestamp.Before(cutoff) {
		first--
	}
	last := len(points) - 1
	if last == first {
		return 0
	}
	dt := points[last].Timestamp.Sub(points[first].Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return (points[last].Price - points[first].Price) / dt
}

// UpdateForecast appends an arbitrated forecast snapshot for a market,
// deriving previousValue, valueChanged and thresholdPosition from the
// preceding snapshot. Unknown market IDs are ignored.
func (s *DataStore) UpdateForecast(marketID string, value float64, ts time.Time, source weather.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.markets[marketID]
	if !ok {
		return
	}

	snap := ForecastSnapshot{
		MarketID:  marketID,
		Value:     value,
		Timestamp: ts,
		Source:    source,
		ThresholdPosition: market.ThresholdPosition(
			value, ms.Market.Threshold, s.opts.PositionDeadband),
	}

	if prev := ms.LastForecast; prev != nil {
		pv := prev.Value
		snap.PreviousValue = &pv
		eps := changeEpsilon(ms.Market.Metric)
		if diff := value - pv; diff >= eps || diff <= -eps {
			snap.ValueChanged = true
			snap.ChangeTimestamp = ts
		} else {
			snap.ChangeTimestamp = prev.ChangeTimestamp
		}
	} else {
		snap.ChangeTimestamp = ts
	}

	ms.ForecastHistory = append(ms.ForecastHistory, snap)

	cutoff := ts.Add(-s.opts.ForecastRetention)
	drop := 0
	for drop < len(ms.ForecastHistory) && ms.ForecastHistory[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		ms.ForecastHistory = ms.ForecastHistory[drop:]
	}

	ms.LastForecast = &snap
}

// changeEpsilon is the metric-specific minimum move that counts as a
// forecast change (0.5°F for temperature).
func changeEpsilon(metric market.MetricType) float64 {
	if metric.IsTemperature() {
		return 0.5
	}
	return 0.5 // mm, precipitation family
}

// GetMarketState returns a copy of one market's state, or nil.
func (s *DataStore) GetMarketState(marketID string) *MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.markets[marketID]
	if !ok {
		return nil
	}
	return copyState(ms)
}

// GetAllMarkets returns copies of every market state.
func (s *DataStore) GetAllMarkets() []*MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MarketState, 0, len(s.markets))
	for _, ms := range s.markets {
		out = append(out, copyState(ms))
	}
	return out
}

// GetMarketIDByToken resolves the market owning a token ID.
func (s *DataStore) GetMarketIDByToken(tokenID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[tokenID]
	return id, ok
}

// Stats summarizes store contents.
type Stats struct {
	Markets         int
	PricePoints     int
	ForecastPoints  int
	MarketsWithData int
}

// GetStats returns aggregate counters for the dashboard collaborator.
func (s *DataStore) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Markets: len(s.markets)}
	for _, ms := range s.markets {
		st.PricePoints += len(ms.YesHistory.Points) + len(ms.NoHistory.Points)
		st.ForecastPoints += len(ms.ForecastHistory)
		if ms.LastForecast != nil {
			st.MarketsWithData++
		}
	}
	return st
}

func copyState(ms *MarketState) *MarketState {
	out := &MarketState{
		Market:       ms.Market,
		LastYesPrice: ms.LastYesPrice,
		LastNoPrice:  ms.LastNoPrice,
	}
	out.YesHistory = copyHistory(ms.YesHistory)
	out.NoHistory = copyHistory(ms.NoHistory)
	out.ForecastHistory = append([]ForecastSnapshot(nil), ms.ForecastHistory...)
	if ms.LastForecast != nil {
		lf := *ms.LastForecast
		out.LastForecast = &lf
	}
	return out
}

func copyHistory(h *PriceHistory) *PriceHistory {
	out := &PriceHistory{
		TokenID:     h.TokenID,
		LastUpdated: h.LastUpdated,
		Velocity:    h.Velocity,
	}
	out.Points = append([]PricePoint(nil), h.Points...)
	return out
}
