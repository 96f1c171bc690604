// Package exchange provides the prediction-market venue client: an
// authenticated REST surface for orders and positions plus a websocket
// price stream.
package exchange

import (
	"context"
	"fmt"
	"time"
)

// OrderSide is which outcome token an order buys or sells.
type OrderSide string

const (
	OrderSideYes OrderSide = "yes"
	OrderSideNo  OrderSide = "no"
)

// OrderAction distinguishes opening from closing trades.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the venue-reported lifecycle state.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusResting  OrderStatus = "resting"
	OrderStatusExecuted OrderStatus = "executed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderRequest is a request to place an order. Prices are decimal dollars
// in [0.01, 0.99].
type OrderRequest struct {
	TokenID       string
	Side          OrderSide
	Action        OrderAction
	Type          OrderType
	Shares        int
	LimitPrice    float64
	ClientOrderID string
}

// Order is a placed order as reported by the venue.
type Order struct {
	OrderID       string
	ClientOrderID string
	TokenID       string
	Side          OrderSide
	Action        OrderAction
	Status        OrderStatus
	Shares        int
	FilledShares  int
	AvgFillPrice  float64
	LimitPrice    float64
	CreatedAt     time.Time
}

// Position is a held token balance.
type Position struct {
	TokenID      string
	Shares       int
	AvgCost      float64
	RealizedPnL  float64
	TotalCost    float64
}

// Trade is one fill.
type Trade struct {
	TradeID  string
	OrderID  string
	TokenID  string
	Side     OrderSide
	Shares   int
	Price    float64
	FilledAt time.Time
}

// PriceUpdate is one tick from the price stream.
type PriceUpdate struct {
	TokenID   string
	Price     float64
	Timestamp time.Time
}

// PriceHandler receives stream ticks.
type PriceHandler func(PriceUpdate)

// MarketExchange is the venue surface the executor trades through.
type MarketExchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context, tokenID string) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetTrades(ctx context.Context, tokenID string, limit int) ([]Trade, error)
}

// APIError is a non-2xx venue response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange api error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange api error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether an error is a venue 429.
func IsRateLimited(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode == 429
	}
	return false
}
