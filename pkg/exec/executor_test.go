package exec

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/pkg/exchange"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
)

func testSignal() *strategy.EntrySignal {
	return &strategy.EntrySignal{
		MarketID:  "mkt-chi-60f",
		TokenID:   "tok-yes",
		Side:      strategy.SideYes,
		Price:     0.30,
		SizeUSDC:  30,
		Urgency:   strategy.UrgencyImmediate,
		CycleHour: 12,
		Strategy:  "speed",
		CreatedAt: time.Now(),
	}
}

func fixedPrice(p float64) PriceFunc {
	return func(string) (float64, bool) { return p, true }
}

func noPrice(string) (float64, bool) { return 0, false }

func newExecutor(prices PriceFunc) (*Executor, *exchange.SimExchange) {
	sim := exchange.NewSimExchange(zerolog.Nop())
	e := New(zerolog.Nop(), DefaultConfig(), sim, prices, nil, nil)
	return e, sim
}

func TestExecute_SubmitsLimitOrder(t *testing.T) {
	e, sim := newExecutor(fixedPrice(0.31))

	order, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)

	// 30 USDC at the live 0.31 price floors to 96 shares.
	assert.Equal(t, 96, order.Shares)
	assert.InDelta(t, 0.32, order.LimitPrice, 1e-9, "limit is current price plus one cent")

	positions, err := sim.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 96, positions[0].Shares)
}

func TestExecute_SlippageGuard(t *testing.T) {
	e, _ := newExecutor(fixedPrice(0.38))

	_, err := e.Execute(context.Background(), testSignal())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceSlippage)
	assert.False(t, e.InCooldown("mkt-chi-60f"), "a refused entry must not start the cooldown")
}

func TestExecute_ChaseGuardAnchorsOnAvgEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlippageTolerance = 0.20
	sim := exchange.NewSimExchange(zerolog.Nop())
	e := New(zerolog.Nop(), cfg, sim, fixedPrice(0.30), nil, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	// First fill establishes an average entry near 0.30.
	_, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)

	// Past cooldown the price has run up. The snapshot is fresh, so the
	// slippage guard stays quiet; chasing is judged against what we paid.
	e.prices = fixedPrice(0.45)
	e.now = func() time.Time { return base.Add(61 * time.Second) }
	sig := testSignal()
	sig.Price = 0.45
	_, err = e.Execute(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceChase)
}

func TestExecute_NoChaseWithoutHeldPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlippageTolerance = 0.20
	sim := exchange.NewSimExchange(zerolog.Nop())
	e := New(zerolog.Nop(), cfg, sim, fixedPrice(0.34), nil, nil)

	// No cached position: a worse-but-within-slippage price is a fill,
	// not a chase.
	_, err := e.Execute(context.Background(), testSignal())
	assert.NoError(t, err)
}

func TestExecute_CooldownBlocksReentry(t *testing.T) {
	e, _ := newExecutor(noPrice)
	base := time.Now()
	e.now = func() time.Time { return base }

	_, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)
	require.True(t, e.InCooldown("mkt-chi-60f"))

	_, err = e.Execute(context.Background(), testSignal())
	assert.ErrorIs(t, err, ErrCooldownActive)

	// Cooldown expires on its own.
	e.now = func() time.Time { return base.Add(61 * time.Second) }
	_, err = e.Execute(context.Background(), testSignal())
	assert.NoError(t, err)
}

func TestExecute_GuaranteedSizingAndLimit(t *testing.T) {
	e, _ := newExecutor(noPrice)

	sig := testSignal()
	sig.IsGuaranteed = true
	sig.SizeUSDC = 60

	order, err := e.Execute(context.Background(), sig)
	require.NoError(t, err)

	// 60 USDC doubled = 120 USDC at 0.30 -> 400 shares, capped by the
	// doubled 200 USDC max position: floor(200/0.30) = 666.
	assert.Equal(t, 400, order.Shares)
	assert.InDelta(t, 0.35, order.LimitPrice, 1e-9, "guaranteed entries pay up to five cents")
}

func TestExecute_LimitClampedAt99(t *testing.T) {
	e, _ := newExecutor(noPrice)
	sig := testSignal()
	sig.Price = 0.985
	sig.SizeUSDC = 10

	order, err := e.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.InDelta(t, 0.99, order.LimitPrice, 1e-9)
}

func TestExecute_PositionRunningAverage(t *testing.T) {
	e, _ := newExecutor(noPrice)
	base := time.Now()
	e.now = func() time.Time { return base }

	_, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)

	// A modest top-up the chase guard tolerates (diff 0.02 over the 0.31
	// entry, ratio well under 1.10).
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	second := testSignal()
	second.Price = 0.33
	_, err = e.Execute(context.Background(), second)
	require.NoError(t, err)

	pos, ok := e.Position("tok-yes")
	require.True(t, ok)
	assert.Greater(t, pos.Shares, 0)
	assert.Greater(t, pos.AvgPrice, 0.31, "second fill at a higher price must raise the average")
	assert.Less(t, pos.AvgPrice, 0.35)
}

func TestExecuteBatch_GuardFailuresDoNotStopBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchPacing = time.Millisecond
	sim := exchange.NewSimExchange(zerolog.Nop())
	e := New(zerolog.Nop(), cfg, sim, noPrice, nil, nil)

	a := testSignal()
	b := testSignal() // same market: blocked by a's cooldown
	c := testSignal()
	c.MarketID = "mkt-chi-65f"
	c.TokenID = "tok-yes-65"

	errs := e.ExecuteBatch(context.Background(), []*strategy.EntrySignal{a, b, c})
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrCooldownActive)
	assert.NoError(t, errs[2])
}

func TestExecute_CapturesOpportunity(t *testing.T) {
	opps := strategy.NewOpportunityTracker(time.Hour, 0)
	sim := exchange.NewSimExchange(zerolog.Nop())
	e := New(zerolog.Nop(), DefaultConfig(), sim, noPrice, nil, opps)

	_, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)
	assert.True(t, opps.Captured("mkt-chi-60f", 12, 0))
}

func TestSyncPositions_PreservesRecentLocalFills(t *testing.T) {
	e, _ := newExecutor(noPrice)
	base := time.Now()
	e.now = func() time.Time { return base }

	_, err := e.Execute(context.Background(), testSignal())
	require.NoError(t, err)

	// The sim venue reports the fill, but also prove the preservation path
	// with a token the venue has never heard of.
	e.mu.Lock()
	e.positions["tok-phantom"] = &CachedPosition{
		TokenID: "tok-phantom", Shares: 5, AvgPrice: 0.2, UpdatedAt: base,
	}
	e.mu.Unlock()

	require.NoError(t, e.SyncPositions(context.Background()))

	_, ok := e.Position("tok-yes")
	assert.True(t, ok, "venue-reported position survives sync")
	_, ok = e.Position("tok-phantom")
	assert.True(t, ok, "recent local fill survives a lagging venue snapshot")

	// After the cooldown horizon the phantom entry is dropped.
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, e.SyncPositions(context.Background()))
	_, ok = e.Position("tok-phantom")
	assert.False(t, ok)
}
