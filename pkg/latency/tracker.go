// Package latency records per-trace timestamps across the pipeline and
// derives stage latencies and percentile statistics.
package latency

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// Field names one recordable timestamp within a trace.
type Field string

const (
	FieldModelPublish  Field = "modelPublish"
	FieldFileDetected  Field = "fileDetected"
	FieldParseStart    Field = "parseStart"
	FieldParseEnd      Field = "parseEnd"
	FieldEventEmit     Field = "eventEmit"
	FieldStrategyStart Field = "strategyStart"
	FieldStrategyEnd   Field = "strategyEnd"
	FieldOrderSubmit   Field = "orderSubmit"
	FieldOrderConfirm  Field = "orderConfirm"
)

// Meta carries optional trace context for logging and stats grouping.
type Meta struct {
	Model     weather.Model
	CycleHour int
	MarketID  string
}

// Trace is one end-to-end timing record. Each field is recorded at most
// once; derived latencies are computed only when both endpoints are present.
type Trace struct {
	ID         string
	Meta       Meta
	StartedAt  time.Time
	Timestamps map[Field]time.Time

	// Derived latencies, nil when an endpoint is missing.
	DetectionMs *int64 // fileDetected - modelPublish
	ParseMs     *int64 // parseEnd - parseStart
	EventMs     *int64 // eventEmit - parseEnd
	StrategyMs  *int64 // strategyEnd - strategyStart
	ExecutionMs *int64 // orderConfirm - orderSubmit
	TotalMs     *int64 // orderConfirm - fileDetected
}

type stagePair struct {
	end, start Field
	assign     func(*Trace, *int64)
}

var stages = []stagePair{
	{FieldFileDetected, FieldModelPublish, func(t *Trace, v *int64) { t.DetectionMs = v }},
	{FieldParseEnd, FieldParseStart, func(t *Trace, v *int64) { t.ParseMs = v }},
	{FieldEventEmit, FieldParseEnd, func(t *Trace, v *int64) { t.EventMs = v }},
	{FieldStrategyEnd, FieldStrategyStart, func(t *Trace, v *int64) { t.StrategyMs = v }},
	{FieldOrderConfirm, FieldOrderSubmit, func(t *Trace, v *int64) { t.ExecutionMs = v }},
	{FieldOrderConfirm, FieldFileDetected, func(t *Trace, v *int64) { t.TotalMs = v }},
}

// Stats summarizes completed traces.
type Stats struct {
	Count        int
	AvgMs        float64
	P50Ms        int64
	P95Ms        int64
	P99Ms        int64
	PerStageAvgs map[string]float64
}

// Tracker owns the active-trace map and a bounded completed-trace ring.
type Tracker struct {
	log           zerolog.Logger
	slowThreshold time.Duration
	ringSize      int

	mu        sync.Mutex
	active    map[string]*Trace
	completed []*Trace
	head      int
}

// NewTracker creates a tracker. ringSize bounds retained completed traces;
// traces whose total latency exceeds slowThreshold are logged loudly.
func NewTracker(log zerolog.Logger, ringSize int, slowThreshold time.Duration) *Tracker {
	if ringSize < 1 {
		ringSize = 256
	}
	return &Tracker{
		log:           log.With().Str("component", "latency").Logger(),
		slowThreshold: slowThreshold,
		ringSize:      ringSize,
		active:        make(map[string]*Trace),
	}
}

// Start opens a trace. Starting an already-active trace ID is a no-op.
func (tr *Tracker) Start(traceID string, meta Meta) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.active[traceID]; ok {
		return
	}
	tr.active[traceID] = &Trace{
		ID:         traceID,
		Meta:       meta,
		StartedAt:  time.Now(),
		Timestamps: make(map[Field]time.Time),
	}
}

// Record stores a timestamp on an active trace. The first write wins;
// repeated records of the same field are ignored. A zero time means "now".
func (tr *Tracker) Record(traceID string, field Field, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.active[traceID]
	if !ok {
		return
	}
	if _, dup := t.Timestamps[field]; dup {
		return
	}
	t.Timestamps[field] = at
}

// Complete finalizes a trace, computes derived latencies, moves it to the
// completed ring and returns it. Returns nil for unknown trace IDs.
func (tr *Tracker) Complete(traceID string) *Trace {
	tr.mu.Lock()
	t, ok := tr.active[traceID]
	if !ok {
		tr.mu.Unlock()
		return nil
	}
	delete(tr.active, traceID)
	derive(t)
	if len(tr.completed) < tr.ringSize {
		tr.completed = append(tr.completed, t)
	} else {
		tr.completed[tr.head] = t
		tr.head = (tr.head + 1) % tr.ringSize
	}
	tr.mu.Unlock()

	if t.TotalMs != nil && tr.slowThreshold > 0 && *t.TotalMs > tr.slowThreshold.Milliseconds() {
		tr.log.Warn().
			Str("trace_id", t.ID).
			Str("model", string(t.Meta.Model)).
			Int64("total_ms", *t.TotalMs).
			Dur("threshold", tr.slowThreshold).
			Msg("slow trace")
	}
	return t
}

func derive(t *Trace) {
	for _, s := range stages {
		end, okEnd := t.Timestamps[s.end]
		start, okStart := t.Timestamps[s.start]
		if !okEnd || !okStart {
			continue
		}
		ms := end.Sub(start).Milliseconds()
		s.assign(t, &ms)
	}
}

// ActiveCount returns the number of in-flight traces.
func (tr *Tracker) ActiveCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.active)
}

// Stats computes percentile statistics over the completed-trace ring using
// total latency, plus per-stage averages.
func (tr *Tracker) Stats() Stats {
	tr.mu.Lock()
	snapshot := make([]*Trace, len(tr.completed))
	copy(snapshot, tr.completed)
	tr.mu.Unlock()

	s := Stats{PerStageAvgs: make(map[string]float64)}

	var totals []int64
	stageSums := make(map[string]float64)
	stageCounts := make(map[string]int)

	addStage := func(name string, v *int64) {
		if v == nil {
			return
		}
		stageSums[name] += float64(*v)
		stageCounts[name]++
	}

	for _, t := range snapshot {
		if t.TotalMs != nil {
			totals = append(totals, *t.TotalMs)
		}
		addStage("detection", t.DetectionMs)
		addStage("parse", t.ParseMs)
		addStage("event", t.EventMs)
		addStage("strategy", t.StrategyMs)
		addStage("execution", t.ExecutionMs)
	}

	for name, sum := range stageSums {
		s.PerStageAvgs[name] = sum / float64(stageCounts[name])
	}

	s.Count = len(totals)
	if s.Count == 0 {
		return s
	}

	sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
	var sum int64
	for _, v := range totals {
		sum += v
	}
	s.AvgMs = float64(sum) / float64(s.Count)
	s.P50Ms = percentile(totals, 0.50)
	s.P95Ms = percentile(totals, 0.95)
	s.P99Ms = percentile(totals, 0.99)
	return s
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
