package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/internal/config"
	"github.com/brendanplayford/nwp-trader/internal/metrics"
	"github.com/brendanplayford/nwp-trader/internal/notify"
	"github.com/brendanplayford/nwp-trader/pkg/arbiter"
	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/exchange"
	"github.com/brendanplayford/nwp-trader/pkg/exec"
	"github.com/brendanplayford/nwp-trader/pkg/forecast"
	"github.com/brendanplayford/nwp-trader/pkg/latency"
	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/schedule"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// newTestApp assembles the pipeline around a sim exchange, without the
// detector, journal or HTTP listener.
func newTestApp(t *testing.T) (*App, *exchange.SimExchange) {
	t.Helper()
	log := zerolog.Nop()
	cfg := config.DefaultConfig()
	cfg.SimMode = true

	sim := exchange.NewSimExchange(log)
	a := &App{
		cfg:         cfg,
		log:         log,
		cities:      weather.AllCities(),
		cityMarkets: make(map[string][]string),
		ctx:         context.Background(),
	}
	a.bus = events.NewBus(log)
	a.tracker = latency.NewTracker(log, 16, time.Second)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.data = store.NewDataStore(log, store.Options{})
	a.runs = store.NewRunHistoryStore(cfg.RunDepth)
	a.manager = schedule.NewManager(log, nil)
	a.arb = arbiter.New(log, a.bus, a.runs)
	a.opps = strategy.NewOpportunityTracker(0, 0)
	a.speed = strategy.NewSpeedStrategy(log, strategy.DefaultSpeedConfig(), a.opps)
	a.conf = strategy.NewConfidenceStrategy(log, strategy.DefaultConfidenceConfig(),
		a.runs, forecast.NewCombiner(log), a.opps)
	a.venue = sim
	a.executor = exec.New(log, exec.DefaultConfig(), sim, a.tokenPrice, a.tracker, a.opps)
	a.notifier = notify.New(log, "", "")

	t.Cleanup(a.bus.Close)
	return a, sim
}

func testMarket() market.Market {
	return market.Market{
		ID:         "chi-high-60",
		City:       "chicago",
		Metric:     market.MetricTempHigh,
		Comparison: market.ComparisonAbove,
		Threshold:  60,
		Unit:       market.UnitF,
		TargetDate: time.Now().UTC().Truncate(24 * time.Hour),
		YesTokenID: "chi-yes",
		NoTokenID:  "chi-no",
		Active:     true,
	}
}

func forecastEvent(cycleHour int, tempF float64) events.Event {
	return events.Event{
		Type:    events.ForecastUpdated,
		TraceID: "trace-1",
		Payload: events.ForecastUpdatedPayload{
			CityID:     "chicago",
			Model:      weather.ModelHRRR,
			CycleHour:  cycleHour,
			Source:     weather.SourceFile,
			Confidence: weather.ConfidenceHigh,
			Forecast: weather.CityForecast{
				CityID: "chicago",
				TempF:  tempF,
				TempC:  weather.FToC(tempF),
			},
			UpdatedAt: time.Now(),
		},
	}
}

func waitForTrades(t *testing.T, sim *exchange.SimExchange, token string, n int) []exchange.Trade {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		trades, err := sim.GetTrades(context.Background(), token, 10)
		require.NoError(t, err)
		if len(trades) >= n {
			return trades
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d trades on %s", n, token)
	return nil
}

func TestForecastCrossingProducesSimOrder(t *testing.T) {
	a, sim := newTestApp(t)
	a.registerMarkets([]market.Market{testMarket()})

	now := time.Now()
	a.data.UpdatePrice("chi-yes", 0.45, now)
	a.data.UpdatePrice("chi-no", 0.55, now)

	// Baseline below the threshold, then a fresh run crossing above it.
	a.onForecastUpdated(forecastEvent(6, 58.0))
	a.onForecastUpdated(forecastEvent(12, 63.0))

	trades := waitForTrades(t, sim, "chi-yes", 1)
	tr := trades[0]
	assert.Equal(t, exchange.OrderSideYes, tr.Side)
	// 100 USDC * 1.25 immediate * (2 sigma / 3) = 83.3 USDC at 0.45.
	assert.Equal(t, 185, tr.Shares)
	assert.InDelta(t, 0.46, tr.Price, 1e-9)
}

func TestBaselineAloneDoesNotTrade(t *testing.T) {
	a, sim := newTestApp(t)
	a.registerMarkets([]market.Market{testMarket()})
	a.data.UpdatePrice("chi-yes", 0.45, time.Now())
	a.data.UpdatePrice("chi-no", 0.55, time.Now())

	a.onForecastUpdated(forecastEvent(6, 63.0))
	time.Sleep(100 * time.Millisecond)

	trades, err := sim.GetTrades(context.Background(), "chi-yes", 10)
	require.NoError(t, err)
	assert.Empty(t, trades, "first observation is a baseline, not a crossing")
}

func TestAPISourceSkipsSpeedPath(t *testing.T) {
	a, sim := newTestApp(t)
	a.registerMarkets([]market.Market{testMarket()})
	a.data.UpdatePrice("chi-yes", 0.45, time.Now())
	a.data.UpdatePrice("chi-no", 0.55, time.Now())

	below := forecastEvent(6, 58.0)
	a.onForecastUpdated(below)

	above := forecastEvent(12, 63.0)
	p := above.Payload.(events.ForecastUpdatedPayload)
	p.Source = weather.SourceAPI
	above.Payload = p
	a.onForecastUpdated(above)
	time.Sleep(100 * time.Millisecond)

	trades, err := sim.GetTrades(context.Background(), "chi-yes", 10)
	require.NoError(t, err)
	assert.Empty(t, trades, "api-sourced updates must not drive the fast path")
}

func TestRegisterMarketsFiltersUntrackedCities(t *testing.T) {
	a, _ := newTestApp(t)
	a.cities = []*weather.City{weather.GetCity("chicago")}

	m := testMarket()
	other := testMarket()
	other.ID = "lon-high-16"
	other.City = "london"
	a.registerMarkets([]market.Market{m, other})

	assert.Len(t, a.markets, 1)
	assert.Equal(t, []string{"chi-high-60"}, a.cityMarkets["chicago"])
	assert.Empty(t, a.cityMarkets["london"])
}

func TestTokenPrice(t *testing.T) {
	a, _ := newTestApp(t)
	a.registerMarkets([]market.Market{testMarket()})

	_, ok := a.tokenPrice("chi-yes")
	assert.False(t, ok, "no price observed yet")

	a.data.UpdatePrice("chi-yes", 0.41, time.Now())
	p, ok := a.tokenPrice("chi-yes")
	require.True(t, ok)
	assert.Equal(t, 0.41, p)

	_, ok = a.tokenPrice("unknown")
	assert.False(t, ok)
}
