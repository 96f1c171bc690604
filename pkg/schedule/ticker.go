package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brendanplayford/nwp-trader/pkg/events"
)

// Ticker fires DETECTION_WINDOW_START on the bus at each window start. The
// loop is clock-driven; slow downstream handlers never delay the next check.
type Ticker struct {
	manager  *Manager
	bus      *events.Bus
	interval time.Duration

	fired map[string]struct{}
}

// NewTicker creates a window ticker. interval is how often upcoming windows
// are checked against the clock.
func NewTicker(manager *Manager, bus *events.Bus, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Ticker{
		manager:  manager,
		bus:      bus,
		interval: interval,
		fired:    make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, firing each window start exactly once.
func (t *Ticker) Run(ctx context.Context) {
	t.manager.log.Info().
		Dur("interval", t.interval).
		Int("models", len(t.manager.configs)).
		Msg("starting window ticker")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	now := t.manager.now()

	for _, model := range t.manager.Models() {
		cfg := t.manager.configs[model]
		for dayOff := -1; dayOff <= 0; dayOff++ {
			day := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, dayOff)
			for _, ch := range cfg.CycleHours {
				w, err := t.manager.DetectionWindow(model, ch, day)
				if err != nil {
					continue
				}
				if now.Before(w.WindowStart) {
					continue
				}
				if now.After(w.WindowStart.Add(w.MaxDuration)) {
					continue // window already elapsed, nothing to start
				}
				key := windowKey(w)
				if _, done := t.fired[key]; done {
					continue
				}
				t.fired[key] = struct{}{}
				t.fire(w)
			}
		}
	}

	t.prune(now)
}

func (t *Ticker) fire(w Window) {
	f, err := t.manager.ExpectedFile(w.Model, w.CycleHour, w.RunDate)
	if err != nil {
		t.manager.log.Error().Err(err).Msg("expected file for fired window")
		return
	}
	t.manager.log.Info().
		Str("model", string(w.Model)).
		Int("cycle", w.CycleHour).
		Time("window_start", w.WindowStart).
		Str("key", f.Key).
		Msg("detection window start")

	t.bus.Emit(events.Event{
		Type:    events.DetectionWindowStart,
		TraceID: uuid.NewString(),
		Payload: events.WindowStartPayload{
			Model:                w.Model,
			CycleHour:            w.CycleHour,
			RunDate:              w.RunDate,
			WindowStart:          w.WindowStart,
			ExpectedPublishTime:  w.ExpectedPublishTime,
			MaxDetectionDuration: w.MaxDuration,
			Bucket:               f.Bucket,
			Key:                  f.Key,
		},
	})
}

// prune drops fired-markers older than two days to bound the map.
func (t *Ticker) prune(now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -2).Format("20060102")
	for k := range t.fired {
		if k[:8] < cutoff {
			delete(t.fired, k)
		}
	}
}

func windowKey(w Window) string {
	return fmt.Sprintf("%s-%s-%02d", w.RunDate.Format("20060102"), w.Model, w.CycleHour)
}
