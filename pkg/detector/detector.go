// Package detector polls public object-store buckets for fresh NWP files,
// performs smart range downloads and hands buffers to the extractor.
package detector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/grib"
	"github.com/brendanplayford/nwp-trader/pkg/latency"
	"github.com/brendanplayford/nwp-trader/pkg/schedule"
)

const (
	defaultPollInterval = 150 * time.Millisecond
	idxRetries          = 3
	idxRetryBackoff     = 150 * time.Millisecond
	maxIdleConns        = 25
)

// Result carries a confirmed extraction back to local listeners.
type Result struct {
	TraceID string
	File    schedule.ExpectedFile
	Window  schedule.Window
	Parsed  *grib.Result
}

// Callbacks receive local detection lifecycle notifications in addition to
// the bus events.
type Callbacks struct {
	OnDetected  func(traceID string, file schedule.ExpectedFile, detectedAt time.Time)
	OnConfirmed func(Result)
	OnTimeout   func(traceID string, file schedule.ExpectedFile)
	OnError     func(traceID string, file schedule.ExpectedFile, err error)
}

// Detector runs one polling loop per active detection window.
type Detector struct {
	log       zerolog.Logger
	bus       *events.Bus
	tracker   *latency.Tracker
	extractor grib.Extractor
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker

	pollInterval time.Duration
	callbacks    Callbacks

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures the detector.
type Option func(*Detector)

// WithPollInterval overrides the default 150ms existence-check cadence.
func WithPollInterval(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.pollInterval = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(det *Detector) { det.client = c }
}

// WithCallbacks registers local lifecycle callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(det *Detector) { det.callbacks = cb }
}

// New creates a detector. The HTTP transport keeps a bounded keep-alive
// pool so range downloads reuse warm TLS connections.
func New(log zerolog.Logger, bus *events.Bus, tracker *latency.Tracker, extractor grib.Extractor, opts ...Option) *Detector {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		MaxConnsPerHost:     maxIdleConns,
		IdleConnTimeout:     120 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	d := &Detector{
		log:          log.With().Str("component", "detector").Logger(),
		bus:          bus,
		tracker:      tracker,
		extractor:    extractor,
		client:       &http.Client{Transport: transport, Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
		active:       make(map[string]context.CancelFunc),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "object-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WarmUp issues a throwaway HEAD so the first real poll does not pay TLS
// cold-start latency.
func (d *Detector) WarmUp(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Debug().Err(err).Msg("warm-up head failed")
		return
	}
	resp.Body.Close()
	d.log.Debug().Str("url", url).Msg("connection pool warmed")
}

// StartDetection begins polling for a file and returns immediately.
// Starting an already-active key is a no-op.
func (d *Detector) StartDetection(ctx context.Context, traceID string, file schedule.ExpectedFile, window schedule.Window) {
	d.mu.Lock()
	if _, running := d.active[file.Key]; running {
		d.mu.Unlock()
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	d.active[file.Key] = cancel
	d.mu.Unlock()

	d.log.Info().
		Str("model", string(file.Model)).
		Int("cycle", file.CycleHour).
		Str("key", file.Key).
		Dur("poll_interval", d.pollInterval).
		Msg("starting detection")

	go d.poll(dctx, traceID, file, window)
}

// StopDetection cancels one in-flight detection.
func (d *Detector) StopDetection(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.active[key]; ok {
		cancel()
		delete(d.active, key)
	}
}

// StopAll cancels every in-flight detection.
func (d *Detector) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.active {
		cancel()
		delete(d.active, key)
	}
}

// ActiveCount returns the number of running detections.
func (d *Detector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Detector) poll(ctx context.Context, traceID string, file schedule.ExpectedFile, window schedule.Window) {
	defer d.StopDetection(file.Key)

	window.Advance(schedule.StatusDetecting)
	deadline := window.WindowStart.Add(window.MaxDuration)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			window.Advance(schedule.StatusMissed)
			d.log.Warn().
				Str("model", string(file.Model)).
				Int("cycle", file.CycleHour).
				Str("key", file.Key).
				Msg("detection window missed")
			if d.callbacks.OnTimeout != nil {
				d.callbacks.OnTimeout(traceID, file)
			}
			return
		}

		size, exists, err := d.head(ctx, file.FullURL)
		if err != nil {
			// Transport error: log and retry next poll.
			d.log.Debug().Err(err).Str("key", file.Key).Msg("existence check error")
			continue
		}
		if !exists {
			continue
		}

		detectedAt := time.Now()
		window.Advance(schedule.StatusDetected)
		latencyMs := detectedAt.Sub(window.WindowStart).Milliseconds()
		d.tracker.Record(traceID, latency.FieldFileDetected, detectedAt)

		d.log.Info().
			Str("model", string(file.Model)).
			Int("cycle", file.CycleHour).
			Str("key", file.Key).
			Int64("detection_latency_ms", latencyMs).
			Int64("size", size).
			Msg("file detected")

		if d.callbacks.OnDetected != nil {
			d.callbacks.OnDetected(traceID, file, detectedAt)
		}
		d.bus.Emit(events.Event{
			Type:    events.FileDetected,
			TraceID: traceID,
			Payload: events.FileDetectedPayload{
				Model:              file.Model,
				CycleHour:          file.CycleHour,
				RunDate:            window.RunDate,
				Bucket:             file.Bucket,
				Key:                file.Key,
				DetectedAt:         detectedAt,
				DetectionLatencyMs: latencyMs,
			},
		})

		d.confirm(ctx, traceID, file, window, size)
		return
	}
}

func (d *Detector) confirm(ctx context.Context, traceID string, file schedule.ExpectedFile, window schedule.Window, size int64) {
	buf, err := d.download(ctx, file, size)
	if err != nil {
		d.fail(traceID, file, fmt.Errorf("download: %w", err))
		return
	}

	d.tracker.Record(traceID, latency.FieldParseStart, time.Now())
	parsed, err := d.extractor.Extract(ctx, buf, grib.Request{
		Model:        file.Model,
		CycleHour:    file.CycleHour,
		ForecastHour: file.ForecastHour,
		RunDate:      window.RunDate,
	})
	d.tracker.Record(traceID, latency.FieldParseEnd, time.Now())
	if err != nil {
		// Parse errors are fatal for this trace; the window stays usable
		// for the next forecast hour.
		d.fail(traceID, file, err)
		return
	}

	window.Advance(schedule.StatusConfirmed)
	d.log.Info().
		Str("model", string(file.Model)).
		Int("cycle", file.CycleHour).
		Int("cities", len(parsed.CityData)).
		Int64("parse_ms", parsed.ParseTimeMs).
		Msg("file confirmed")

	d.tracker.Record(traceID, latency.FieldEventEmit, time.Now())
	d.bus.Emit(events.Event{
		Type:    events.FileConfirmed,
		TraceID: traceID,
		Payload: events.FileConfirmedPayload{
			Model:        parsed.Model,
			CycleHour:    parsed.CycleHour,
			RunDate:      window.RunDate,
			ForecastHour: parsed.ForecastHour,
			ValidTime:    parsed.ValidTime,
			CityData:     parsed.CityData,
			FileSize:     parsed.FileSize,
			ParseTimeMs:  parsed.ParseTimeMs,
		},
	})

	if d.callbacks.OnConfirmed != nil {
		d.callbacks.OnConfirmed(Result{
			TraceID: traceID,
			File:    file,
			Window:  window,
			Parsed:  parsed,
		})
	}
}

func (d *Detector) fail(traceID string, file schedule.ExpectedFile, err error) {
	d.log.Error().Err(err).
		Str("model", string(file.Model)).
		Str("key", file.Key).
		Msg("detection failed after file appeared")
	if d.callbacks.OnError != nil {
		d.callbacks.OnError(traceID, file, err)
	}
}

// head checks object existence through the circuit breaker. NotFound is the
// normal pre-publication answer, not an error.
type headResult struct {
	size   int64
	exists bool
}

func (d *Detector) head(ctx context.Context, url string) (size int64, exists bool, err error) {
	res, err := d.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			// Existence is the status code; a chunked response reports
			// ContentLength -1 and the size is simply unknown.
			return headResult{size: resp.ContentLength, exists: true}, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
			// S3 reports missing keys as 403 when listing is disabled.
			return headResult{}, nil
		default:
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return 0, false, err
	}
	h := res.(headResult)
	return h.size, h.exists, nil
}
