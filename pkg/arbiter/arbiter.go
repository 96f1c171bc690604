// Package arbiter decides which forecast source wins when binary model
// files and API fallback data race for the same model cycle.
package arbiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// windowKey identifies one model cycle window.
type windowKey struct {
	cycleHour int
	runDate   time.Time
}

// cityState tracks, per city, the last propagated update and the cycle
// window a file has already won.
type cityState struct {
	lastSource weather.Source
	lastModel  weather.Model
	lastTime   time.Time

	fileWon map[windowKey]weather.Model
}

// Stats are the arbiter's running accept/reject counters.
type Stats struct {
	FileAccepted int64
	FileRejected int64
	APIAccepted  int64
	APIRejected  int64
}

// Arbiter subscribes to file confirmations and API fallback data and
// emits arbitrated per-city forecast updates. Binary file data always
// outranks API data for the same cycle, and the first model to confirm a
// file wins its window.
type Arbiter struct {
	log      zerolog.Logger
	bus      *events.Bus
	runs     *store.RunHistoryStore
	now      func() time.Time
	onReject func(weather.Source)

	mu     sync.Mutex
	cities map[string]*cityState
	stats  Stats

	unsubs []events.UnsubscribeFunc
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithRejectionHook installs a callback invoked, outside the arbiter's
// lock, for every dropped update. Used to feed the rejection counters.
func WithRejectionHook(fn func(weather.Source)) Option {
	return func(a *Arbiter) { a.onReject = fn }
}

// New creates an Arbiter. The run history store may be nil if run-to-run
// tracking is handled elsewhere.
func New(log zerolog.Logger, bus *events.Bus, runs *store.RunHistoryStore, opts ...Option) *Arbiter {
	a := &Arbiter{
		log:    log.With().Str("component", "arbiter").Logger(),
		bus:    bus,
		runs:   runs,
		now:    time.Now,
		cities: make(map[string]*cityState),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start subscribes the arbiter to the bus.
func (a *Arbiter) Start() {
	a.unsubs = append(a.unsubs,
		a.bus.Subscribe(events.FileConfirmed, a.onFileConfirmed),
		a.bus.Subscribe(events.APIDataReceived, a.onAPIData),
	)
}

// Stop removes the bus subscriptions.
func (a *Arbiter) Stop() {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
}

func (a *Arbiter) onFileConfirmed(ev events.Event) {
	p, ok := ev.Payload.(events.FileConfirmedPayload)
	if !ok {
		return
	}
	key := windowKey{cycleHour: p.CycleHour, runDate: p.RunDate.UTC().Truncate(24 * time.Hour)}

	for _, cf := range p.CityData {
		// Run history keeps every model's run, winner or loser: stability
		// and cross-model agreement need both sides of a race. Losing the
		// window only suppresses the downstream update.
		a.recordRun(cf, p.Model, p.CycleHour, key.runDate)
		if a.acceptFile(cf.CityID, p.Model, key) {
			a.emit(ev.TraceID, cf, p.Model, p.CycleHour, weather.SourceFile)
		} else if a.onReject != nil {
			a.onReject(weather.SourceFile)
		}
	}
}

func (a *Arbiter) onAPIData(ev events.Event) {
	p, ok := ev.Payload.(events.APIDataPayload)
	if !ok {
		return
	}
	// Key on the window's run date, not the wall clock: a window straddling
	// UTC midnight must not let late API data escape to a fresh key.
	runDate := p.RunDate
	if runDate.IsZero() {
		runDate = a.now()
	}
	key := windowKey{cycleHour: p.CycleHour, runDate: runDate.UTC().Truncate(24 * time.Hour)}

	for _, cf := range p.CityData {
		if a.acceptAPI(cf.CityID, p.Model, key) {
			a.emit(ev.TraceID, cf, p.Model, p.CycleHour, weather.SourceAPI)
		} else if a.onReject != nil {
			a.onReject(weather.SourceAPI)
		}
	}
}

// acceptFile applies the first-file-wins rule: a second model confirming
// the same cycle window is rejected, but file data is never displaced by
// anything that arrived via the API.
func (a *Arbiter) acceptFile(cityID string, model weather.Model, key windowKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.city(cityID)
	if winner, won := st.fileWon[key]; won {
		a.stats.FileRejected++
		a.log.Debug().
			Str("city", cityID).
			Str("model", string(model)).
			Str("winner", string(winner)).
			Int("cycle", key.cycleHour).
			Msg("file rejected, window already won")
		return false
	}
	st.fileWon[key] = model
	st.lastSource = weather.SourceFile
	st.lastModel = model
	st.lastTime = a.now()
	a.stats.FileAccepted++
	return true
}

// acceptAPI propagates API data only when no file has confirmed the same
// cycle window yet.
func (a *Arbiter) acceptAPI(cityID string, model weather.Model, key windowKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.city(cityID)
	if winner, won := st.fileWon[key]; won {
		a.stats.APIRejected++
		a.log.Debug().
			Str("city", cityID).
			Str("model", string(model)).
			Str("winner", string(winner)).
			Int("cycle", key.cycleHour).
			Msg("api data rejected, file already confirmed")
		return false
	}
	st.lastSource = weather.SourceAPI
	st.lastModel = model
	st.lastTime = a.now()
	a.stats.APIAccepted++
	return true
}

func (a *Arbiter) city(id string) *cityState {
	st, ok := a.cities[id]
	if !ok {
		st = &cityState{fileWon: make(map[windowKey]weather.Model)}
		a.cities[id] = st
	}
	return st
}

func (a *Arbiter) recordRun(cf weather.CityForecast, model weather.Model, cycleHour int, runDate time.Time) {
	if a.runs == nil {
		return
	}
	a.runs.AddRun(store.RunRecord{
		Model:          model,
		CycleHour:      cycleHour,
		RunDate:        runDate,
		CityID:         cf.CityID,
		MaxTempC:       cf.TempC,
		PrecipFlag:     cf.TotalPrecipMm > 0,
		PrecipAmountMm: cf.TotalPrecipMm,
		Timestamp:      a.now(),
		Source:         weather.SourceFile,
	})
}

func (a *Arbiter) emit(traceID string, cf weather.CityForecast, model weather.Model, cycleHour int, src weather.Source) {
	conf := weather.ConfidenceLow
	if src == weather.SourceFile {
		conf = weather.ConfidenceHigh
	}
	a.bus.Emit(events.Event{
		Type:    events.ForecastUpdated,
		TraceID: traceID,
		At:      a.now(),
		Payload: events.ForecastUpdatedPayload{
			CityID:     cf.CityID,
			Model:      model,
			CycleHour:  cycleHour,
			Source:     src,
			Confidence: conf,
			Forecast:   cf,
			UpdatedAt:  a.now(),
		},
	})
}

// LastUpdate returns the source, model and time of the most recent
// propagated update for a city.
func (a *Arbiter) LastUpdate(cityID string) (weather.Source, weather.Model, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.cities[cityID]
	if !ok || st.lastTime.IsZero() {
		return "", "", time.Time{}, false
	}
	return st.lastSource, st.lastModel, st.lastTime, true
}

// GetStats returns a snapshot of the accept/reject counters.
func (a *Arbiter) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
