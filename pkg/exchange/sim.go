package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SimExchange is an in-memory venue for dry runs. Every order fills
// immediately at its limit price; no network is touched.
type SimExchange struct {
	log zerolog.Logger

	mu        sync.Mutex
	orders    map[string]Order
	positions map[string]*Position
	trades    []Trade
}

// NewSimExchange creates an empty simulated venue.
func NewSimExchange(log zerolog.Logger) *SimExchange {
	return &SimExchange{
		log:       log.With().Str("component", "sim-exchange").Logger(),
		orders:    make(map[string]Order),
		positions: make(map[string]*Position),
	}
}

// PlaceOrder implements MarketExchange with an instant synthetic fill.
func (s *SimExchange) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Shares < 1 {
		return nil, fmt.Errorf("sim: order for %d shares", req.Shares)
	}
	if req.Type == OrderTypeLimit && (req.LimitPrice <= 0 || req.LimitPrice >= 1) {
		return nil, fmt.Errorf("sim: limit price %.2f out of range", req.LimitPrice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	o := Order{
		OrderID:       "sim-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		TokenID:       req.TokenID,
		Side:          req.Side,
		Action:        req.Action,
		Status:        OrderStatusExecuted,
		Shares:        req.Shares,
		FilledShares:  req.Shares,
		AvgFillPrice:  req.LimitPrice,
		LimitPrice:    req.LimitPrice,
		CreatedAt:     now,
	}
	s.orders[o.OrderID] = o
	s.trades = append(s.trades, Trade{
		TradeID:  "simfill-" + uuid.NewString(),
		OrderID:  o.OrderID,
		TokenID:  o.TokenID,
		Side:     o.Side,
		Shares:   o.Shares,
		Price:    o.AvgFillPrice,
		FilledAt: now,
	})

	pos, ok := s.positions[o.TokenID]
	if !ok {
		pos = &Position{TokenID: o.TokenID}
		s.positions[o.TokenID] = pos
	}
	cost := float64(o.Shares) * o.AvgFillPrice
	if o.Action == ActionBuy {
		pos.TotalCost += cost
		pos.Shares += o.Shares
	} else {
		pos.TotalCost -= cost
		pos.Shares -= o.Shares
	}
	if pos.Shares > 0 {
		pos.AvgCost = pos.TotalCost / float64(pos.Shares)
	} else {
		pos.AvgCost = 0
	}

	s.log.Info().
		Str("order_id", o.OrderID).
		Str("token", o.TokenID).
		Str("side", string(o.Side)).
		Int("shares", o.Shares).
		Float64("price", o.AvgFillPrice).
		Msg("simulated fill")
	return &o, nil
}

// CancelOrder implements MarketExchange. Simulated orders fill instantly,
// so there is never anything to cancel.
func (s *SimExchange) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return &APIError{StatusCode: 404, Message: "order not found"}
	}
	return nil
}

// GetOpenOrders implements MarketExchange; always empty for the sim.
func (s *SimExchange) GetOpenOrders(_ context.Context, _ string) ([]Order, error) {
	return nil, nil
}

// GetPositions implements MarketExchange.
func (s *SimExchange) GetPositions(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Shares != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

// GetTrades implements MarketExchange, newest last.
func (s *SimExchange) GetTrades(_ context.Context, tokenID string, limit int) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if tokenID == "" || t.TokenID == tokenID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var _ MarketExchange = (*SimExchange)(nil)
var _ MarketExchange = (*Client)(nil)
