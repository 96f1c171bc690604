package apifallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	err   error
	data  []weather.CityForecast
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(_ context.Context, _ []*weather.City) ([]weather.CityForecast, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.data, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var testRunDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func windowStart(model weather.Model, cycle int) events.Event {
	return events.Event{
		Type:    events.DetectionWindowStart,
		TraceID: "t-win",
		Payload: events.WindowStartPayload{Model: model, CycleHour: cycle, RunDate: testRunDate},
	}
}

func setupFallback(t *testing.T, p Provider, opts ...Option) (*events.Bus, *Fallback) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)

	cities := []*weather.City{weather.GetCity("chicago")}
	base := []Option{
		WithPollInterval(10 * time.Millisecond),
		WithMaxDuration(time.Second),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
	}
	f := New(zerolog.Nop(), bus, p, cities, append(base, opts...)...)
	f.Start(context.Background())
	t.Cleanup(f.Stop)
	return bus, f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWindowStartOpensSession(t *testing.T) {
	p := &fakeProvider{data: []weather.CityForecast{{CityID: "chicago", TempC: 18}}}
	bus, f := setupFallback(t, p)

	var mu sync.Mutex
	var got []events.APIDataPayload
	bus.Subscribe(events.APIDataReceived, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if pl, ok := ev.Payload.(events.APIDataPayload); ok {
			got = append(got, pl)
		}
	})

	bus.Emit(windowStart(weather.ModelHRRR, 12))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, "expected api data on the bus")
	assert.Equal(t, 1, f.ActiveSessions())

	mu.Lock()
	require.NotEmpty(t, got)
	assert.Equal(t, "fake", got[0].Provider)
	assert.Equal(t, weather.ModelHRRR, got[0].Model)
	assert.Equal(t, 12, got[0].CycleHour)
	assert.Equal(t, testRunDate, got[0].RunDate)
	mu.Unlock()
}

func TestFileConfirmedEndsSession(t *testing.T) {
	p := &fakeProvider{data: []weather.CityForecast{{CityID: "chicago", TempC: 18}}}
	bus, f := setupFallback(t, p)

	bus.Emit(windowStart(weather.ModelHRRR, 12))
	waitFor(t, func() bool { return f.ActiveSessions() == 1 }, "session never opened")

	bus.Emit(events.Event{
		Type:    events.FileConfirmed,
		Payload: events.FileConfirmedPayload{Model: weather.ModelHRRR, CycleHour: 12},
	})

	waitFor(t, func() bool { return f.ActiveSessions() == 0 }, "session should end on file confirmation")

	settled := p.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, p.callCount(), settled+1, "polling must stop after the session ends")
}

func TestDuplicateWindowStartIgnored(t *testing.T) {
	p := &fakeProvider{data: []weather.CityForecast{{CityID: "chicago", TempC: 18}}}
	bus, f := setupFallback(t, p)

	bus.Emit(windowStart(weather.ModelHRRR, 12))
	bus.Emit(windowStart(weather.ModelHRRR, 12))

	waitFor(t, func() bool { return f.ActiveSessions() >= 1 }, "session never opened")
	assert.Equal(t, 1, f.ActiveSessions())
}

func TestSessionExpiresAfterMaxDuration(t *testing.T) {
	p := &fakeProvider{data: []weather.CityForecast{{CityID: "chicago", TempC: 18}}}
	bus, f := setupFallback(t, p, WithMaxDuration(50*time.Millisecond))

	bus.Emit(windowStart(weather.ModelGFS, 6))
	waitFor(t, func() bool { return f.ActiveSessions() == 1 }, "session never opened")
	waitFor(t, func() bool { return f.ActiveSessions() == 0 }, "session should expire on its budget")
}

func TestRateLimitEmitsEvent(t *testing.T) {
	p := &fakeProvider{err: &RateLimitedError{Provider: "fake", RetryAfter: 30 * time.Second}}
	bus, _ := setupFallback(t, p)

	var mu sync.Mutex
	var hits []events.RateLimitPayload
	bus.Subscribe(events.RateLimitHit, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if pl, ok := ev.Payload.(events.RateLimitPayload); ok {
			hits = append(hits, pl)
		}
	})

	bus.Emit(windowStart(weather.ModelHRRR, 12))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) > 0
	}, "expected a rate-limit event")

	mu.Lock()
	assert.Equal(t, "fake", hits[0].Provider)
	assert.Equal(t, 30*time.Second, hits[0].RetryAfter)
	mu.Unlock()
}
