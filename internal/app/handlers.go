package app

import (
	"time"

	"github.com/brendanplayford/nwp-trader/internal/journal"
	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/latency"
	"github.com/brendanplayford/nwp-trader/pkg/schedule"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

func (a *App) onWindowStart(ev events.Event) {
	p, ok := ev.Payload.(events.WindowStartPayload)
	if !ok {
		return
	}
	window, err := a.manager.DetectionWindow(p.Model, p.CycleHour, p.RunDate)
	if err != nil {
		a.log.Error().Err(err).Msg("window for fired event")
		return
	}
	file, err := a.manager.ExpectedFile(p.Model, p.CycleHour, p.RunDate)
	if err != nil {
		a.log.Error().Err(err).Msg("expected file for fired event")
		return
	}

	a.tracker.Start(ev.TraceID, latency.Meta{Model: p.Model, CycleHour: p.CycleHour})
	a.tracker.Record(ev.TraceID, latency.FieldModelPublish, p.ExpectedPublishTime)
	a.detector.StartDetection(a.ctx, ev.TraceID, file, window)
}

func (a *App) onFileDetected(ev events.Event) {
	p, ok := ev.Payload.(events.FileDetectedPayload)
	if !ok {
		return
	}
	a.metrics.FilesDetected.WithLabelValues(string(p.Model)).Inc()
	a.metrics.DetectionLatency.WithLabelValues(string(p.Model)).
		Observe(float64(p.DetectionLatencyMs) / 1000)

	if a.journal != nil {
		err := a.journal.RecordDetection(journal.Detection{
			TraceID:            ev.TraceID,
			Model:              string(p.Model),
			CycleHour:          p.CycleHour,
			RunDate:            p.RunDate,
			Bucket:             p.Bucket,
			Key:                p.Key,
			DetectedAt:         p.DetectedAt,
			DetectionLatencyMs: p.DetectionLatencyMs,
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("journal detection")
		}
	}
}

func (a *App) onFileConfirmed(ev events.Event) {
	if p, ok := ev.Payload.(events.FileConfirmedPayload); ok {
		a.metrics.FilesConfirmed.WithLabelValues(string(p.Model)).Inc()
	}
}

func (a *App) onAPIData(ev events.Event) {
	if _, ok := ev.Payload.(events.APIDataPayload); ok {
		a.metrics.APIFallbackPolls.Inc()
	}
}

func (a *App) onRateLimit(ev events.Event) {
	if p, ok := ev.Payload.(events.RateLimitPayload); ok {
		a.metrics.RateLimitHits.WithLabelValues(p.Provider).Inc()
	}
}

func (a *App) onDetectionTimeout(_ string, file schedule.ExpectedFile) {
	a.metrics.WindowsMissed.WithLabelValues(string(file.Model)).Inc()
	a.notifier.WindowMissed(string(file.Model), file.CycleHour)
}

func (a *App) onDetectionError(_ string, file schedule.ExpectedFile, err error) {
	a.notifier.Error("detector", string(file.Model)+": "+err.Error())
}

// onForecastUpdated is the strategy entry point: fold the arbitrated city
// value into every market for that city, then evaluate both strategies
// against the refreshed state.
func (a *App) onForecastUpdated(ev events.Event) {
	p, ok := ev.Payload.(events.ForecastUpdatedPayload)
	if !ok {
		return
	}
	a.metrics.ForecastUpdates.WithLabelValues(string(p.Source)).Inc()

	if a.journal != nil {
		err := a.journal.RecordForecastUpdate(journal.ForecastUpdate{
			TraceID:   ev.TraceID,
			City:      p.CityID,
			Model:     string(p.Model),
			CycleHour: p.CycleHour,
			Source:    string(p.Source),
			TempF:     p.Forecast.TempF,
			UpdatedAt: p.UpdatedAt,
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("journal forecast update")
		}
	}

	marketIDs := a.cityMarkets[p.CityID]
	if len(marketIDs) == 0 {
		return
	}
	city := weather.GetCity(p.CityID)
	now := time.Now()
	a.tracker.Record(ev.TraceID, latency.FieldStrategyStart, now)

	var sigs []*strategy.EntrySignal
	for _, id := range marketIDs {
		ms := a.data.GetMarketState(id)
		if ms == nil {
			continue
		}
		a.data.UpdateForecast(id, valueFor(ms.Market.Metric, p.Forecast), p.UpdatedAt, p.Source)
		ms = a.data.GetMarketState(id)

		if a.speed.SourceAllowed(p.Source) {
			if sig, reason := a.speed.Evaluate(ms, p.CycleHour, now); sig != nil {
				sig.TraceID = ev.TraceID
				sigs = append(sigs, sig)
				a.metrics.SignalsEmitted.WithLabelValues(sig.Strategy).Inc()
			} else {
				a.metrics.SignalsRejected.WithLabelValues(a.speed.Name(), reason).Inc()
			}
		}
		if city != nil {
			if sig, reason := a.conf.Evaluate(ms, city, p.Model, p.Source, p.CycleHour, now); sig != nil {
				sig.TraceID = ev.TraceID
				sigs = append(sigs, sig)
				a.metrics.SignalsEmitted.WithLabelValues(sig.Strategy).Inc()
			} else {
				a.metrics.SignalsRejected.WithLabelValues(a.conf.Name(), reason).Inc()
			}
		}
	}
	a.tracker.Record(ev.TraceID, latency.FieldStrategyEnd, time.Now())

	if len(sigs) > 0 {
		// Venue calls happen off the bus handler so a slow submission never
		// delays the next forecast update.
		go a.submit(sigs)
	}
}

// submit sends signals to the venue sequentially, journaling and alerting
// each accepted order. Guard rejections are expected traffic.
func (a *App) submit(sigs []*strategy.EntrySignal) {
	traces := make(map[string]bool)
	for i, sig := range sigs {
		if i > 0 {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}

		order, err := a.executor.Execute(a.ctx, sig)
		if err != nil {
			a.metrics.OrderErrors.Inc()
			a.log.Warn().Err(err).
				Str("market_id", sig.MarketID).
				Str("strategy", sig.Strategy).
				Msg("entry not submitted")
			continue
		}
		a.metrics.OrdersSubmitted.WithLabelValues(sig.Strategy).Inc()
		if sig.TraceID != "" {
			traces[sig.TraceID] = true
		}

		if a.journal != nil {
			jerr := a.journal.RecordOrder(journal.OrderRecord{
				TraceID:     sig.TraceID,
				OrderID:     order.OrderID,
				MarketID:    sig.MarketID,
				TokenID:     sig.TokenID,
				Strategy:    sig.Strategy,
				Side:        string(sig.Side),
				Shares:      order.Shares,
				LimitPrice:  order.LimitPrice,
				Guaranteed:  sig.IsGuaranteed,
				SubmittedAt: time.Now(),
			})
			if jerr != nil {
				a.log.Warn().Err(jerr).Msg("journal order")
			}
		}
		a.notifier.TradeAlert(sig.MarketID, sig.Strategy, string(sig.Side),
			order.Shares, order.LimitPrice, sig.IsGuaranteed)
	}

	for traceID := range traces {
		if trace := a.tracker.Complete(traceID); trace != nil && trace.TotalMs != nil {
			a.metrics.PipelineLatency.Observe(float64(*trace.TotalMs) / 1000)
		}
	}
}
