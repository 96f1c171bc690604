// Package exec turns entry signals into venue orders with slippage,
// price-chase and cooldown protection.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/exchange"
	"github.com/brendanplayford/nwp-trader/pkg/latency"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
)

var (
	// ErrCooldownActive rejects re-entry into a market inside its cooldown.
	ErrCooldownActive = errors.New("exec: market in cooldown")

	// ErrEntryInFlight rejects a second concurrent entry for a market.
	ErrEntryInFlight = errors.New("exec: entry already in flight")

	// ErrPriceSlippage rejects entries whose book moved too far from the
	// signal snapshot.
	ErrPriceSlippage = errors.New("exec: price slipped beyond tolerance")

	// ErrPriceChase rejects entries that would chase a runaway price.
	ErrPriceChase = errors.New("exec: refusing to chase price")
)

// Config tunes the executor.
type Config struct {
	MaxPositionUSDC      float64
	SlippageTolerance    float64       // max |current - snapshot|
	ChaseTolerance       float64       // max price over the held average entry
	ChaseRatio           float64       // max current/average-entry before refusing
	Cooldown             time.Duration // per-market re-entry block
	GuaranteedMultiplier float64       // size boost on settled outcomes
	BatchPacing          time.Duration // delay between batch submissions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositionUSDC:      100,
		SlippageTolerance:    0.05,
		ChaseTolerance:       0.05,
		ChaseRatio:           1.10,
		Cooldown:             60 * time.Second,
		GuaranteedMultiplier: 2.0,
		BatchPacing:          time.Second,
	}
}

// PriceFunc resolves the current book price for a token, if known.
type PriceFunc func(tokenID string) (float64, bool)

// CachedPosition is the executor's local view of one token holding.
type CachedPosition struct {
	TokenID   string
	Shares    int
	AvgPrice  float64
	UpdatedAt time.Time
}

// Executor submits entry signals to the venue. One entry per market at a
// time; filled markets cool down before re-entry.
type Executor struct {
	log     zerolog.Logger
	cfg     Config
	venue   exchange.MarketExchange
	prices  PriceFunc
	tracker *latency.Tracker
	opps    *strategy.OpportunityTracker
	now     func() time.Time

	mu        sync.Mutex
	inFlight  map[string]bool      // marketID -> submitting
	cooldowns map[string]time.Time // marketID -> cooldown start
	positions map[string]*CachedPosition
}

// New creates an Executor. tracker and opps may be nil.
func New(log zerolog.Logger, cfg Config, venue exchange.MarketExchange, prices PriceFunc, tracker *latency.Tracker, opps *strategy.OpportunityTracker) *Executor {
	return &Executor{
		log:       log.With().Str("component", "executor").Logger(),
		cfg:       cfg,
		venue:     venue,
		prices:    prices,
		tracker:   tracker,
		opps:      opps,
		now:       time.Now,
		inFlight:  make(map[string]bool),
		cooldowns: make(map[string]time.Time),
		positions: make(map[string]*CachedPosition),
	}
}

// Execute submits one signal. It returns the venue order on success, or a
// guard error describing why the entry was refused.
func (e *Executor) Execute(ctx context.Context, sig *strategy.EntrySignal) (*exchange.Order, error) {
	if err := e.acquire(sig.MarketID); err != nil {
		return nil, err
	}
	defer e.release(sig.MarketID)

	price := sig.Price
	if cur, ok := e.prices(sig.TokenID); ok {
		if math.Abs(cur-sig.Price) > e.cfg.SlippageTolerance {
			e.log.Warn().
				Str("market_id", sig.MarketID).
				Float64("snapshot", sig.Price).
				Float64("current", cur).
				Msg("entry refused on slippage")
			return nil, fmt.Errorf("%w: snapshot %.2f current %.2f", ErrPriceSlippage, sig.Price, cur)
		}
		price = cur
	}

	// Chase protection is anchored on what we already paid, not the signal
	// snapshot: topping up a held token at a markedly worse price than the
	// average entry is chasing, however fresh the snapshot is.
	if pos, held := e.Position(sig.TokenID); held && pos.Shares > 0 && pos.AvgPrice > 0 {
		diff := price - pos.AvgPrice
		ratio := price / pos.AvgPrice
		if diff > e.cfg.ChaseTolerance || ratio > e.cfg.ChaseRatio {
			e.log.Warn().
				Str("market_id", sig.MarketID).
				Float64("avg_entry", pos.AvgPrice).
				Float64("current", price).
				Msg("entry refused, would chase above average entry")
			return nil, fmt.Errorf("%w: avg entry %.2f current %.2f", ErrPriceChase, pos.AvgPrice, price)
		}
	}

	usdc := sig.SizeUSDC
	maxUSDC := e.cfg.MaxPositionUSDC
	if sig.IsGuaranteed {
		usdc *= e.cfg.GuaranteedMultiplier
		maxUSDC *= e.cfg.GuaranteedMultiplier
	}
	shares := int(math.Floor(usdc / price))
	maxShares := int(math.Floor(maxUSDC / price))
	if maxShares < 1 {
		maxShares = 1
	}
	if shares < 1 {
		shares = 1
	}
	if shares > maxShares {
		shares = maxShares
	}

	bump := 0.01
	if sig.IsGuaranteed {
		bump = 0.05
	}
	limit := math.Min(price+bump, 0.99)

	side := exchange.OrderSideYes
	if sig.Side == strategy.SideNo {
		side = exchange.OrderSideNo
	}
	req := exchange.OrderRequest{
		TokenID:       sig.TokenID,
		Side:          side,
		Action:        exchange.ActionBuy,
		Type:          exchange.OrderTypeLimit,
		Shares:        shares,
		LimitPrice:    limit,
		ClientOrderID: "nwp-" + uuid.NewString(),
	}

	if e.tracker != nil && sig.TraceID != "" {
		e.tracker.Record(sig.TraceID, latency.FieldOrderSubmit, time.Time{})
	}
	order, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit entry for %s: %w", sig.MarketID, err)
	}
	if e.tracker != nil && sig.TraceID != "" {
		e.tracker.Record(sig.TraceID, latency.FieldOrderConfirm, time.Time{})
	}

	e.settle(sig, order)

	e.log.Info().
		Str("market_id", sig.MarketID).
		Str("order_id", order.OrderID).
		Str("strategy", sig.Strategy).
		Str("side", string(sig.Side)).
		Int("shares", shares).
		Float64("limit", limit).
		Bool("guaranteed", sig.IsGuaranteed).
		Msg("entry submitted")
	return order, nil
}

// ExecuteBatch submits signals sequentially with pacing between venue
// calls. Guard rejections do not stop the batch.
func (e *Executor) ExecuteBatch(ctx context.Context, sigs []*strategy.EntrySignal) []error {
	errs := make([]error, len(sigs))
	for i, sig := range sigs {
		if i > 0 {
			select {
			case <-ctx.Done():
				for j := i; j < len(sigs); j++ {
					errs[j] = ctx.Err()
				}
				return errs
			case <-time.After(e.cfg.BatchPacing):
			}
		}
		_, errs[i] = e.Execute(ctx, sig)
	}
	return errs
}

// acquire takes the per-market entry lock after the cooldown check.
func (e *Executor) acquire(marketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if started, ok := e.cooldowns[marketID]; ok {
		if e.now().Sub(started) < e.cfg.Cooldown {
			return fmt.Errorf("%w: %s", ErrCooldownActive, marketID)
		}
		delete(e.cooldowns, marketID)
	}
	if e.inFlight[marketID] {
		return fmt.Errorf("%w: %s", ErrEntryInFlight, marketID)
	}
	e.inFlight[marketID] = true
	return nil
}

func (e *Executor) release(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, marketID)
}

// settle records the fill: cooldown start, opportunity capture and the
// running-average position update.
func (e *Executor) settle(sig *strategy.EntrySignal, order *exchange.Order) {
	e.mu.Lock()
	e.cooldowns[sig.MarketID] = e.now()

	pos, ok := e.positions[sig.TokenID]
	if !ok {
		pos = &CachedPosition{TokenID: sig.TokenID}
		e.positions[sig.TokenID] = pos
	}
	filled := order.FilledShares
	if filled == 0 {
		filled = order.Shares
	}
	fillPrice := order.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = order.LimitPrice
	}
	total := pos.AvgPrice*float64(pos.Shares) + fillPrice*float64(filled)
	pos.Shares += filled
	if pos.Shares > 0 {
		pos.AvgPrice = total / float64(pos.Shares)
	}
	pos.UpdatedAt = e.now()
	e.mu.Unlock()

	if e.opps != nil {
		e.opps.Capture(sig.MarketID, sig.CycleHour, sig.ForecastValue, sig.Side)
	}
}

// InCooldown reports whether a market is inside its cooldown window.
func (e *Executor) InCooldown(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	started, ok := e.cooldowns[marketID]
	return ok && e.now().Sub(started) < e.cfg.Cooldown
}

// Position returns the cached position for a token.
func (e *Executor) Position(tokenID string) (CachedPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[tokenID]
	if !ok {
		return CachedPosition{}, false
	}
	return *p, true
}

// SyncPositions reconciles the cache against the venue. Entries refreshed
// within the cooldown horizon are preserved even when the venue snapshot
// lags the local fill.
func (e *Executor) SyncPositions(ctx context.Context) error {
	venuePositions, err := e.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := make(map[string]*CachedPosition, len(venuePositions))
	for _, vp := range venuePositions {
		fresh[vp.TokenID] = &CachedPosition{
			TokenID:   vp.TokenID,
			Shares:    vp.Shares,
			AvgPrice:  vp.AvgCost,
			UpdatedAt: e.now(),
		}
	}
	// A just-filled local entry may not be visible venue-side yet.
	cutoff := e.now().Add(-e.cfg.Cooldown)
	for token, p := range e.positions {
		if _, seen := fresh[token]; !seen && p.UpdatedAt.After(cutoff) {
			fresh[token] = p
		}
	}
	e.positions = fresh
	return nil
}
