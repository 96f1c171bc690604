package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignRequest_VerifiesWithPublicKey(t *testing.T) {
	key := testKey(t)
	sig, err := SignRequest(key, "1700000000000", "POST", "/trade-api/v2/portfolio/orders")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	hashed := sha256.Sum256([]byte("1700000000000POST/trade-api/v2/portfolio/orders"))
	assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, hashed[:], raw, nil))
}

func TestClient_PlaceOrderSendsCentsAndAuthHeaders(t *testing.T) {
	key := testKey(t)
	var gotBody map[string]any
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]any{
				"order_id": "ord-1", "ticker": "tok-yes", "side": "yes",
				"action": "buy", "status": "executed", "count": 10,
				"yes_price": 56, "taker_fill_count": 10, "taker_fill_cost": 560,
			},
		})
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), "key-id", key, WithBaseURL(srv.URL))
	o, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID:    "tok-yes",
		Side:       OrderSideYes,
		Action:     ActionBuy,
		Type:       OrderTypeLimit,
		Shares:     10,
		LimitPrice: 0.56,
	})
	require.NoError(t, err)

	assert.Equal(t, "ord-1", o.OrderID)
	assert.Equal(t, 10, o.FilledShares)
	assert.InDelta(t, 0.56, o.AvgFillPrice, 1e-9)

	assert.Equal(t, float64(56), gotBody["yes_price"], "limit price must go out as integer cents")
	assert.Equal(t, "key-id", gotHeaders.Get("KALSHI-ACCESS-KEY"))
	assert.NotEmpty(t, gotHeaders.Get("KALSHI-ACCESS-TIMESTAMP"))
	assert.NotEmpty(t, gotHeaders.Get("KALSHI-ACCESS-SIGNATURE"))
}

func TestClient_ErrorResponseBecomesAPIError(t *testing.T) {
	key := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "rate_limited", "message": "slow down"},
		})
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), "key-id", key, WithBaseURL(srv.URL))
	_, err := c.GetPositions(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.True(t, IsRateLimited(apiErr))
}

func TestSim_FillUpdatesPositionRunningAverage(t *testing.T) {
	s := NewSimExchange(zerolog.Nop())
	ctx := context.Background()

	_, err := s.PlaceOrder(ctx, OrderRequest{
		TokenID: "tok-yes", Side: OrderSideYes, Action: ActionBuy,
		Type: OrderTypeLimit, Shares: 10, LimitPrice: 0.40,
	})
	require.NoError(t, err)
	_, err = s.PlaceOrder(ctx, OrderRequest{
		TokenID: "tok-yes", Side: OrderSideYes, Action: ActionBuy,
		Type: OrderTypeLimit, Shares: 10, LimitPrice: 0.60,
	})
	require.NoError(t, err)

	positions, err := s.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 20, positions[0].Shares)
	assert.InDelta(t, 0.50, positions[0].AvgCost, 1e-9)

	trades, err := s.GetTrades(ctx, "tok-yes", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestSim_RejectsBadOrders(t *testing.T) {
	s := NewSimExchange(zerolog.Nop())
	ctx := context.Background()

	_, err := s.PlaceOrder(ctx, OrderRequest{TokenID: "t", Shares: 0, Type: OrderTypeLimit, LimitPrice: 0.5})
	assert.Error(t, err)
	_, err = s.PlaceOrder(ctx, OrderRequest{TokenID: "t", Shares: 1, Type: OrderTypeLimit, LimitPrice: 1.2})
	assert.Error(t, err)
}
