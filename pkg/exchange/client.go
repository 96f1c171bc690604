package exchange

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// ProdBaseURL is the production trading API base URL.
	ProdBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

	// DemoBaseURL is the demo/sandbox API base URL.
	DemoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"

	signPathPrefix = "/trade-api/v2"
)

// Client is the authenticated REST venue client. It implements
// MarketExchange.
type Client struct {
	log        zerolog.Logger
	baseURL    string
	apiKey     string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithDemo points the client at the sandbox environment.
func WithDemo() ClientOption {
	return func(c *Client) { c.baseURL = DemoBaseURL }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a venue client signing with the given key.
func NewClient(log zerolog.Logger, apiKey string, privateKey *rsa.PrivateKey, opts ...ClientOption) *Client {
	c := &Client{
		log:        log.With().Str("component", "exchange").Logger(),
		baseURL:    ProdBaseURL,
		apiKey:     apiKey,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// The signature covers the full venue path without the query string.
	signPath := signPathPrefix + path
	if u, perr := url.Parse(signPath); perr == nil {
		signPath = u.Path
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature, err := SignRequest(c.privateKey, timestamp, method, signPath)
	if err != nil {
		return fmt.Errorf("generate signature: %w", err)
	}
	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKey)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jerr := json.Unmarshal(respBody, &errResp); jerr == nil && errResp.Error.Message != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Code:       errResp.Error.Code,
				Message:    errResp.Error.Message,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

type wireOrder struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	Count          int    `json:"count"`
	RemainingCount int    `json:"remaining_count"`
	YesPrice       int    `json:"yes_price"` // cents
	NoPrice        int    `json:"no_price"`  // cents
	TakerFillCount int    `json:"taker_fill_count"`
	TakerFillCost  int    `json:"taker_fill_cost"` // cents
	CreatedTime    string `json:"created_time"`
}

func (w wireOrder) toOrder() Order {
	o := Order{
		OrderID:       w.OrderID,
		ClientOrderID: w.ClientOrderID,
		TokenID:       w.Ticker,
		Side:          OrderSide(w.Side),
		Action:        OrderAction(w.Action),
		Status:        OrderStatus(w.Status),
		Shares:        w.Count,
		FilledShares:  w.TakerFillCount,
	}
	if w.Side == string(OrderSideNo) {
		o.LimitPrice = float64(w.NoPrice) / 100
	} else {
		o.LimitPrice = float64(w.YesPrice) / 100
	}
	if w.TakerFillCount > 0 {
		o.AvgFillPrice = float64(w.TakerFillCost) / float64(w.TakerFillCount) / 100
	}
	if t, err := time.Parse(time.RFC3339, w.CreatedTime); err == nil {
		o.CreatedAt = t
	}
	return o
}

// PlaceOrder implements MarketExchange. Limit prices are converted to the
// venue's integer cents.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	cents := int(math.Round(req.LimitPrice * 100))
	body := map[string]any{
		"ticker":          req.TokenID,
		"action":          string(req.Action),
		"side":            string(req.Side),
		"type":            string(req.Type),
		"count":           req.Shares,
		"client_order_id": req.ClientOrderID,
	}
	if req.Type == OrderTypeLimit {
		if req.Side == OrderSideNo {
			body["no_price"] = cents
		} else {
			body["yes_price"] = cents
		}
	}

	var resp struct {
		Order wireOrder `json:"order"`
	}
	if err := c.request(ctx, http.MethodPost, "/portfolio/orders", body, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	o := resp.Order.toOrder()
	c.log.Info().
		Str("order_id", o.OrderID).
		Str("token", o.TokenID).
		Str("side", string(o.Side)).
		Int("shares", o.Shares).
		Float64("limit", o.LimitPrice).
		Msg("order placed")
	return &o, nil
}

// CancelOrder implements MarketExchange.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.request(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOpenOrders implements MarketExchange. An empty tokenID returns all
// resting orders.
func (c *Client) GetOpenOrders(ctx context.Context, tokenID string) ([]Order, error) {
	path := "/portfolio/orders?status=resting"
	if tokenID != "" {
		path += "&ticker=" + url.QueryEscape(tokenID)
	}
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	out := make([]Order, len(resp.Orders))
	for i, w := range resp.Orders {
		out[i] = w.toOrder()
	}
	return out, nil
}

// GetPositions implements MarketExchange.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var resp struct {
		MarketPositions []struct {
			Ticker        string `json:"ticker"`
			Position      int    `json:"position"`
			TotalTraded   int    `json:"total_traded"`   // cents
			RealizedPnL   int    `json:"realized_pnl"`   // cents
			MarketExposure int   `json:"market_exposure"` // cents
		} `json:"market_positions"`
	}
	if err := c.request(ctx, http.MethodGet, "/portfolio/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]Position, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		if p.Position == 0 {
			continue
		}
		pos := Position{
			TokenID:     p.Ticker,
			Shares:      p.Position,
			RealizedPnL: float64(p.RealizedPnL) / 100,
			TotalCost:   float64(p.MarketExposure) / 100,
		}
		if p.Position != 0 {
			pos.AvgCost = pos.TotalCost / math.Abs(float64(p.Position))
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetTrades implements MarketExchange.
func (c *Client) GetTrades(ctx context.Context, tokenID string, limit int) ([]Trade, error) {
	path := "/portfolio/fills"
	q := url.Values{}
	if tokenID != "" {
		q.Set("ticker", tokenID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Fills []struct {
			TradeID     string `json:"trade_id"`
			OrderID     string `json:"order_id"`
			Ticker      string `json:"ticker"`
			Side        string `json:"side"`
			Count       int    `json:"count"`
			YesPrice    int    `json:"yes_price"` // cents
			NoPrice     int    `json:"no_price"`  // cents
			CreatedTime string `json:"created_time"`
		} `json:"fills"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}

	out := make([]Trade, len(resp.Fills))
	for i, f := range resp.Fills {
		tr := Trade{
			TradeID: f.TradeID,
			OrderID: f.OrderID,
			TokenID: f.Ticker,
			Side:    OrderSide(f.Side),
			Shares:  f.Count,
		}
		if f.Side == string(OrderSideNo) {
			tr.Price = float64(f.NoPrice) / 100
		} else {
			tr.Price = float64(f.YesPrice) / 100
		}
		if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
			tr.FilledAt = t
		}
		out[i] = tr
	}
	return out, nil
}
