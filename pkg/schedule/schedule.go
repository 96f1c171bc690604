// Package schedule computes per-model run schedules and detection windows
// for NWP object-store publications.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// ConfigError indicates a request for an unknown or misconfigured model.
// It is fatal at startup and must never occur at steady state.
type ConfigError struct {
	Model weather.Model
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("schedule: model %s: %s", e.Model, e.Msg)
}

// ModelConfig is the static publication schedule for one model.
type ModelConfig struct {
	Model      weather.Model `yaml:"model"`
	CycleHours []int         `yaml:"cycle_hours"`

	// PublishDelay is the expected delay between cycle hour and the file
	// appearing in the bucket.
	PublishDelay time.Duration `yaml:"publish_delay"`

	// WindowBuffer is how long before the expected publish time polling
	// starts.
	WindowBuffer time.Duration `yaml:"window_buffer"`

	// MaxDuration bounds how long a detection window stays open.
	MaxDuration time.Duration `yaml:"max_duration"`

	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	KeyTemplate  string `yaml:"key_template"` // Go time-free template, see buildKey
	ForecastHour int    `yaml:"forecast_hour"`
}

// UnmarshalYAML accepts duration strings ("50m", "1h30m") for the delay
// fields.
func (m *ModelConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Model        weather.Model `yaml:"model"`
		CycleHours   []int         `yaml:"cycle_hours"`
		PublishDelay string        `yaml:"publish_delay"`
		WindowBuffer string        `yaml:"window_buffer"`
		MaxDuration  string        `yaml:"max_duration"`
		Bucket       string        `yaml:"bucket"`
		Region       string        `yaml:"region"`
		KeyTemplate  string        `yaml:"key_template"`
		ForecastHour int           `yaml:"forecast_hour"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		return time.ParseDuration(s)
	}
	var err error
	if m.PublishDelay, err = parse(raw.PublishDelay); err != nil {
		return fmt.Errorf("publish_delay: %w", err)
	}
	if m.WindowBuffer, err = parse(raw.WindowBuffer); err != nil {
		return fmt.Errorf("window_buffer: %w", err)
	}
	if m.MaxDuration, err = parse(raw.MaxDuration); err != nil {
		return fmt.Errorf("max_duration: %w", err)
	}
	m.Model = raw.Model
	m.CycleHours = raw.CycleHours
	m.Bucket = raw.Bucket
	m.Region = raw.Region
	m.KeyTemplate = raw.KeyTemplate
	m.ForecastHour = raw.ForecastHour
	return nil
}

// DefaultModelConfigs returns the built-in schedule for all supported models.
func DefaultModelConfigs() map[weather.Model]ModelConfig {
	hourly := make([]int, 24)
	for i := range hourly {
		hourly[i] = i
	}
	sixHourly := []int{0, 6, 12, 18}

	return map[weather.Model]ModelConfig{
		weather.ModelHRRR: {
			Model:        weather.ModelHRRR,
			CycleHours:   hourly,
			PublishDelay: 55 * time.Minute,
			WindowBuffer: 5 * time.Minute,
			MaxDuration:  45 * time.Minute,
			Bucket:       "noaa-hrrr-bdp-pds",
			Region:       "us-east-1",
			KeyTemplate:  "hrrr.%s/conus/hrrr.t%02dz.wrfsfcf%02d.grib2",
			ForecastHour: 6,
		},
		weather.ModelRAP: {
			Model:        weather.ModelRAP,
			CycleHours:   hourly,
			PublishDelay: 50 * time.Minute,
			WindowBuffer: 5 * time.Minute,
			MaxDuration:  45 * time.Minute,
			Bucket:       "noaa-rap-pds",
			Region:       "us-east-1",
			KeyTemplate:  "rap.%s/rap.t%02dz.awp130pgrb.f%02d.grib2",
			ForecastHour: 6,
		},
		weather.ModelGFS: {
			Model:        weather.ModelGFS,
			CycleHours:   sixHourly,
			PublishDelay: 230 * time.Minute,
			WindowBuffer: 10 * time.Minute,
			MaxDuration:  45 * time.Minute,
			Bucket:       "noaa-gfs-bdp-pds",
			Region:       "us-east-1",
			KeyTemplate:  "gfs.%s/%02d/atmos/gfs.t%02dz.pgrb2.0p25.f%03d",
			ForecastHour: 24,
		},
		weather.ModelECMWF: {
			Model:        weather.ModelECMWF,
			CycleHours:   sixHourly,
			PublishDelay: 470 * time.Minute,
			WindowBuffer: 15 * time.Minute,
			MaxDuration:  60 * time.Minute,
			Bucket:       "ecmwf-forecasts",
			Region:       "eu-central-1",
			KeyTemplate:  "%s/%02dz/ifs/0p25/oper/%s%02d0000-%dh-oper-fc.grib2",
			ForecastHour: 24,
		},
	}
}

// ExpectedFile describes the deterministic object-store location of a run.
type ExpectedFile struct {
	Bucket       string
	Key          string
	FullURL      string
	Region       string
	Model        weather.Model
	CycleHour    int
	ForecastHour int
}

// WindowStatus is the lifecycle of a detection window. Transitions are
// monotone in declaration order.
type WindowStatus int

const (
	StatusPending WindowStatus = iota
	StatusDetecting
	StatusDetected
	StatusConfirmed
	StatusMissed
)

func (s WindowStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDetecting:
		return "DETECTING"
	case StatusDetected:
		return "DETECTED"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusMissed:
		return "MISSED"
	}
	return "UNKNOWN"
}

// Window is one detection window for a (model, cycle) run.
type Window struct {
	Model               weather.Model
	CycleHour           int
	RunDate             time.Time
	WindowStart         time.Time
	ExpectedPublishTime time.Time
	MaxDuration         time.Duration
	Status              WindowStatus
}

// Advance moves the window status forward. Backward transitions are ignored
// so the lifecycle stays monotone.
func (w *Window) Advance(to WindowStatus) bool {
	if to <= w.Status {
		return false
	}
	w.Status = to
	return true
}

// Run couples a window with its expected file, for ticker consumers.
type Run struct {
	Window Window
	File   ExpectedFile
}

// Manager computes schedules and fires window-start notifications.
type Manager struct {
	log     zerolog.Logger
	configs map[weather.Model]ModelConfig
	now     func() time.Time
}

// NewManager creates a schedule manager with the given model configs.
// Pass nil to use the defaults.
func NewManager(log zerolog.Logger, configs map[weather.Model]ModelConfig) *Manager {
	if configs == nil {
		configs = DefaultModelConfigs()
	}
	return &Manager{
		log:     log.With().Str("component", "schedule").Logger(),
		configs: configs,
		now:     time.Now,
	}
}

// Config returns the config for a model.
func (m *Manager) Config(model weather.Model) (ModelConfig, error) {
	cfg, ok := m.configs[model]
	if !ok {
		return ModelConfig{}, &ConfigError{Model: model, Msg: "unknown model"}
	}
	return cfg, nil
}

// Models returns the configured model set in stable order.
func (m *Manager) Models() []weather.Model {
	out := make([]weather.Model, 0, len(m.configs))
	for model := range m.configs {
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpectedFile builds the deterministic bucket key for a run. Past dates are
// valid (manual triggers replay old runs).
func (m *Manager) ExpectedFile(model weather.Model, cycleHour int, runDate time.Time) (ExpectedFile, error) {
	cfg, ok := m.configs[model]
	if !ok {
		return ExpectedFile{}, &ConfigError{Model: model, Msg: "unknown model"}
	}
	if !containsInt(cfg.CycleHours, cycleHour) {
		return ExpectedFile{}, &ConfigError{
			Model: model,
			Msg:   fmt.Sprintf("cycle hour %d not in schedule", cycleHour),
		}
	}

	key := buildKey(cfg, cycleHour, runDate)
	return ExpectedFile{
		Bucket:       cfg.Bucket,
		Key:          key,
		FullURL:      fmt.Sprintf("https://%s.s3.amazonaws.com/%s", cfg.Bucket, key),
		Region:       cfg.Region,
		Model:        model,
		CycleHour:    cycleHour,
		ForecastHour: cfg.ForecastHour,
	}, nil
}

func buildKey(cfg ModelConfig, cycleHour int, runDate time.Time) string {
	date := runDate.UTC().Format("20060102")
	switch cfg.Model {
	case weather.ModelGFS:
		return fmt.Sprintf(cfg.KeyTemplate, date, cycleHour, cycleHour, cfg.ForecastHour)
	case weather.ModelECMWF:
		return fmt.Sprintf(cfg.KeyTemplate, date, cycleHour, date, cycleHour, cfg.ForecastHour)
	default:
		return fmt.Sprintf(cfg.KeyTemplate, date, cycleHour, cfg.ForecastHour)
	}
}

// DetectionWindow computes the polling window for a run. Cycle times are
// anchored to the run date in UTC, so year and month rollovers fall out of
// time arithmetic.
func (m *Manager) DetectionWindow(model weather.Model, cycleHour int, runDate time.Time) (Window, error) {
	cfg, ok := m.configs[model]
	if !ok {
		return Window{}, &ConfigError{Model: model, Msg: "unknown model"}
	}

	day := runDate.UTC().Truncate(24 * time.Hour)
	cycleTime := day.Add(time.Duration(cycleHour) * time.Hour)
	publish := cycleTime.Add(cfg.PublishDelay)

	return Window{
		Model:               model,
		CycleHour:           cycleHour,
		RunDate:             day,
		WindowStart:         publish.Add(-cfg.WindowBuffer),
		ExpectedPublishTime: publish,
		MaxDuration:         cfg.MaxDuration,
		Status:              StatusPending,
	}, nil
}

// UpcomingRuns returns the next n runs across all models in chronological
// order of window start.
func (m *Manager) UpcomingRuns(n int) []Run {
	now := m.now()
	var runs []Run

	for _, model := range m.Models() {
		cfg := m.configs[model]
		// Look across yesterday, today and tomorrow to cover windows that
		// straddle midnight UTC.
		for dayOff := -1; dayOff <= 1; dayOff++ {
			day := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, dayOff)
			for _, ch := range cfg.CycleHours {
				w, err := m.DetectionWindow(model, ch, day)
				if err != nil {
					continue
				}
				if w.WindowStart.Before(now) {
					continue
				}
				f, err := m.ExpectedFile(model, ch, day)
				if err != nil {
					continue
				}
				runs = append(runs, Run{Window: w, File: f})
			}
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Window.WindowStart.Before(runs[j].Window.WindowStart)
	})
	if n > 0 && len(runs) > n {
		runs = runs[:n]
	}
	return runs
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
