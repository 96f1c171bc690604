// Package events provides the typed fan-out event bus that connects the
// detection, arbitration, state and strategy layers.
package events

import (
	"time"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// Type identifies an event on the bus.
type Type string

const (
	ForecastTrigger      Type = "FORECAST_TRIGGER"
	FetchModeEnter       Type = "FETCH_MODE_ENTER"
	FetchModeExit        Type = "FETCH_MODE_EXIT"
	ProviderFetch        Type = "PROVIDER_FETCH"
	ForecastChanged      Type = "FORECAST_CHANGED"
	FileDetected         Type = "FILE_DETECTED"
	FileConfirmed        Type = "FILE_CONFIRMED"
	DetectionWindowStart Type = "DETECTION_WINDOW_START"
	APIDataReceived      Type = "API_DATA_RECEIVED"
	ForecastChange       Type = "FORECAST_CHANGE"
	ForecastUpdated      Type = "FORECAST_UPDATED"
	ForecastBatchUpdated Type = "FORECAST_BATCH_UPDATED"
	RateLimitHit         Type = "RATE_LIMIT_HIT"
	EarlyTriggerMode     Type = "EARLY_TRIGGER_MODE"
)

// Event is the envelope carried on the bus.
type Event struct {
	Type    Type
	TraceID string
	At      time.Time
	Payload any
}

// WindowStartPayload announces that a detection window has opened.
type WindowStartPayload struct {
	Model                weather.Model
	CycleHour            int
	RunDate              time.Time
	WindowStart          time.Time
	ExpectedPublishTime  time.Time
	MaxDetectionDuration time.Duration
	Bucket               string
	Key                  string
}

// FileDetectedPayload announces a fresh object-store file.
type FileDetectedPayload struct {
	Model              weather.Model
	CycleHour          int
	RunDate            time.Time
	Bucket             string
	Key                string
	DetectedAt         time.Time
	DetectionLatencyMs int64
}

// FileConfirmedPayload carries the parsed per-city scalars for a run.
type FileConfirmedPayload struct {
	Model        weather.Model
	CycleHour    int
	RunDate      time.Time
	ForecastHour int
	ValidTime    time.Time
	CityData     []weather.CityForecast
	FileSize     int64
	ParseTimeMs  int64
}

// APIDataPayload carries forecast values from the fallback weather API.
// RunDate is the run date of the detection window the session was opened
// for, so the arbiter keys API data on the same cycle window as the file.
type APIDataPayload struct {
	Provider  string
	Model     weather.Model
	CycleHour int
	RunDate   time.Time
	CityData  []weather.CityForecast
	FetchedAt time.Time
}

// ForecastUpdatedPayload is the arbitrated, per-city downstream update.
type ForecastUpdatedPayload struct {
	CityID     string
	Model      weather.Model
	CycleHour  int
	Source     weather.Source
	Confidence weather.Confidence
	Forecast   weather.CityForecast
	UpdatedAt  time.Time
}

// RateLimitPayload reports a provider that returned a rate-limit response.
type RateLimitPayload struct {
	Provider   string
	RetryAfter time.Duration
	At         time.Time
}
