// Package apifallback polls a public forecast API while a detection window
// is open, so a missed or slow file still produces a (lower-confidence)
// forecast update.
package apifallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

const (
	defaultPollInterval = 20 * time.Second
	defaultMaxDuration  = 5 * time.Minute
)

type sessionKey struct {
	model     weather.Model
	cycleHour int
}

// Fallback runs one polling session per open detection window. A session
// ends when the window's file is confirmed, the session budget elapses, or
// the fallback is stopped.
type Fallback struct {
	log      zerolog.Logger
	bus      *events.Bus
	provider Provider
	cities   []*weather.City

	pollInterval time.Duration
	maxDuration  time.Duration
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker

	mu       sync.Mutex
	sessions map[sessionKey]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []events.UnsubscribeFunc
}

// Option configures a Fallback.
type Option func(*Fallback)

// WithPollInterval sets the in-session poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(f *Fallback) { f.pollInterval = d }
}

// WithMaxDuration caps how long one session may poll.
func WithMaxDuration(d time.Duration) Option {
	return func(f *Fallback) { f.maxDuration = d }
}

// WithLimiter overrides the shared provider rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fallback) { f.limiter = l }
}

// New creates a Fallback polling the given provider for the given cities.
func New(log zerolog.Logger, bus *events.Bus, provider Provider, cities []*weather.City, opts ...Option) *Fallback {
	f := &Fallback{
		log:          log.With().Str("component", "apifallback").Logger(),
		bus:          bus,
		provider:     provider,
		cities:       cities,
		pollInterval: defaultPollInterval,
		maxDuration:  defaultMaxDuration,
		// Open-Meteo free tier allows well under 1 rps sustained.
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		sessions: make(map[sessionKey]context.CancelFunc),
	}
	for _, o := range opts {
		o(f)
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "apifallback-" + provider.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider breaker state change")
		},
	})
	return f
}

// Start subscribes to window lifecycle events.
func (f *Fallback) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.unsubs = append(f.unsubs,
		f.bus.Subscribe(events.DetectionWindowStart, f.onWindowStart),
		f.bus.Subscribe(events.FileConfirmed, f.onFileConfirmed),
	)
}

// Stop cancels all sessions and waits for them to exit.
func (f *Fallback) Stop() {
	for _, u := range f.unsubs {
		u()
	}
	f.unsubs = nil
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Fallback) onWindowStart(ev events.Event) {
	p, ok := ev.Payload.(events.WindowStartPayload)
	if !ok {
		return
	}
	key := sessionKey{model: p.Model, cycleHour: p.CycleHour}

	f.mu.Lock()
	if _, active := f.sessions[key]; active {
		f.mu.Unlock()
		return
	}
	sctx, cancel := context.WithTimeout(f.ctx, f.maxDuration)
	f.sessions[key] = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(sctx, key, p.RunDate, ev.TraceID)
}

func (f *Fallback) onFileConfirmed(ev events.Event) {
	p, ok := ev.Payload.(events.FileConfirmedPayload)
	if !ok {
		return
	}
	f.endSession(sessionKey{model: p.Model, cycleHour: p.CycleHour})
}

func (f *Fallback) endSession(key sessionKey) {
	f.mu.Lock()
	cancel, ok := f.sessions[key]
	if ok {
		delete(f.sessions, key)
	}
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

func (f *Fallback) run(ctx context.Context, key sessionKey, runDate time.Time, traceID string) {
	defer f.wg.Done()
	defer f.endSession(key)

	f.log.Info().
		Str("model", string(key.model)).
		Int("cycle", key.cycleHour).
		Msg("fallback session started")

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	// First poll immediately; the window opened because data is due.
	f.fetchOnce(ctx, key, runDate, traceID)
	for {
		select {
		case <-ctx.Done():
			f.log.Debug().
				Str("model", string(key.model)).
				Int("cycle", key.cycleHour).
				Msg("fallback session ended")
			return
		case <-ticker.C:
			f.fetchOnce(ctx, key, runDate, traceID)
		}
	}
}

func (f *Fallback) fetchOnce(ctx context.Context, key sessionKey, runDate time.Time, traceID string) {
	if err := f.limiter.Wait(ctx); err != nil {
		return
	}

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.provider.Fetch(ctx, f.cities)
	})
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			f.bus.Emit(events.Event{
				Type:    events.RateLimitHit,
				TraceID: traceID,
				Payload: events.RateLimitPayload{
					Provider:   rl.Provider,
					RetryAfter: rl.RetryAfter,
					At:         time.Now(),
				},
			})
		}
		if !errors.Is(err, context.Canceled) {
			f.log.Warn().Err(fmt.Errorf("fallback fetch: %w", err)).
				Str("model", string(key.model)).
				Msg("provider fetch failed")
		}
		return
	}

	data, _ := out.([]weather.CityForecast)
	if len(data) == 0 {
		return
	}
	f.bus.Emit(events.Event{
		Type:    events.APIDataReceived,
		TraceID: traceID,
		Payload: events.APIDataPayload{
			Provider:  f.provider.Name(),
			Model:     key.model,
			CycleHour: key.cycleHour,
			RunDate:   runDate,
			CityData:  data,
			FetchedAt: time.Now(),
		},
	})
}

// ActiveSessions returns the number of polling sessions in flight.
func (f *Fallback) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
