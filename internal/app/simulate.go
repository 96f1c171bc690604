package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// ErrNotSimMode is returned when Simulate runs against a live venue.
var ErrNotSimMode = errors.New("app: simulate requires TRADER_SIM_MODE=true")

// Simulate drives a synthetic detection -> arbitration -> signal -> order
// pass against the in-memory exchange and reports the fills. It exercises
// the same bus wiring the live loop uses; only the file feed is synthetic.
func (a *App) Simulate(ctx context.Context) error {
	if !a.cfg.SimMode {
		return ErrNotSimMode
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(a.markets) == 0 {
		a.registerMarkets(a.syntheticCatalog())
		a.log.Info().Int("markets", len(a.markets)).Msg("seeded synthetic market catalog")
	}

	a.start(ctx)
	defer a.stop()

	now := time.Now()
	for _, m := range a.markets {
		a.data.UpdatePrice(m.YesTokenID, 0.45, now)
		a.data.UpdatePrice(m.NoTokenID, 0.55, now)
	}

	// Two model cycles: the first establishes the baseline, the second
	// crosses each market's threshold and should fire the fast path.
	a.emitSyntheticRun(6, -2.0)
	a.emitSyntheticRun(12, +3.0)

	// Submissions run off the handler goroutine; give them time to land.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(3 * time.Second):
	}

	return a.reportFills(ctx)
}

// emitSyntheticRun publishes one confirmed-file event per region primary
// model, with each city's temperature offset from its first market's
// threshold by deltaF.
func (a *App) emitSyntheticRun(cycleHour int, deltaF float64) {
	runDate := time.Now().UTC().Truncate(24 * time.Hour)
	byModel := make(map[weather.Model][]weather.CityForecast)

	for _, c := range a.cities {
		ids := a.cityMarkets[c.ID]
		if len(ids) == 0 {
			continue
		}
		ms := a.data.GetMarketState(ids[0])
		if ms == nil {
			continue
		}
		tempF := ms.Market.Threshold + deltaF
		model := strategy.HierarchyFor(c.Region).Primary
		byModel[model] = append(byModel[model], weather.CityForecast{
			CityID: c.ID,
			Lat:    c.Lat,
			Lon:    c.Lon,
			TempC:  weather.FToC(tempF),
			TempF:  tempF,
		})
	}

	for model, cityData := range byModel {
		a.bus.Emit(events.Event{
			Type:    events.FileConfirmed,
			TraceID: uuid.NewString(),
			Payload: events.FileConfirmedPayload{
				Model:     model,
				CycleHour: cycleHour,
				RunDate:   runDate,
				ValidTime: runDate.Add(time.Duration(cycleHour) * time.Hour),
				CityData:  cityData,
			},
		})
	}
}

// syntheticCatalog builds one high-temperature market per tracked city,
// settling today.
func (a *App) syntheticCatalog() []market.Market {
	target := time.Now().UTC().Truncate(24 * time.Hour)
	out := make([]market.Market, 0, len(a.cities))
	for _, c := range a.cities {
		out = append(out, market.Market{
			ID:         fmt.Sprintf("sim-%s-high-60", c.ID),
			City:       c.ID,
			Metric:     market.MetricTempHigh,
			Comparison: market.ComparisonAbove,
			Threshold:  60,
			Unit:       market.UnitF,
			TargetDate: target,
			YesTokenID: c.ID + "-high-yes",
			NoTokenID:  c.ID + "-high-no",
			Active:     true,
		})
	}
	return out
}

func (a *App) reportFills(ctx context.Context) error {
	filled := 0
	for _, m := range a.markets {
		for _, token := range []string{m.YesTokenID, m.NoTokenID} {
			trades, err := a.venue.GetTrades(ctx, token, 10)
			if err != nil {
				return fmt.Errorf("read sim trades: %w", err)
			}
			for _, tr := range trades {
				filled++
				a.log.Info().
					Str("market_id", m.ID).
					Str("token", tr.TokenID).
					Str("side", string(tr.Side)).
					Int("shares", tr.Shares).
					Float64("price", tr.Price).
					Msg("simulated fill")
			}
		}
	}
	if filled == 0 {
		a.log.Warn().Msg("simulation produced no fills")
	} else {
		a.log.Info().Int("fills", filled).Msg("simulation complete")
	}
	return nil
}
