// Package config provides configuration handling for the trading pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brendanplayford/nwp-trader/pkg/schedule"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

var (
	// ErrMissingAPIKey is returned when the venue API key is not configured.
	ErrMissingAPIKey = errors.New("config: TRADER_API_KEY environment variable not set")

	// ErrMissingPrivateKey is returned when the signing key is not configured.
	ErrMissingPrivateKey = errors.New("config: TRADER_PRIVATE_KEY environment variable not set")
)

// Config holds the application configuration.
type Config struct {
	// Venue credentials and endpoints.
	APIKey        string
	PrivateKeyPEM string
	BaseURL       string // optional REST override
	StreamURL     string // optional websocket override
	Demo          bool
	SimMode       bool // in-memory venue, no credentials needed

	// Detection.
	PollInterval    time.Duration
	Wgrib2Path      string
	ModelConfigFile string // optional YAML with per-model overrides
	MarketsFile     string // YAML market catalog
	Cities          []string

	// Strategy and execution.
	MaxPositionUSDC      float64
	MinEdge              float64
	ConfidenceGate       float64
	StabilityBandC       float64
	RunDepth             int
	Cooldown             time.Duration
	SlippageTolerance    float64
	GuaranteedMultiplier float64
	SignificantChangeF   float64 // forecast move (°F) that re-opens a captured opportunity
	KellyGuaranteed      float64
	KellyHigh            float64
	KellyMedium          float64
	KellyLow             float64

	// Ensemble combiner.
	CertaintySigma   float64
	BiasCorrection   bool
	HorizonWeighting bool
	SpreadMultiplier float64

	// Latency tracking.
	SlowTraceThreshold time.Duration
	LatencyWindowSize  int

	// API fallback.
	FallbackEnabled      bool
	FallbackProvider     string // "open-meteo" or "nws"
	FallbackPollInterval time.Duration

	// Ambient.
	LogLevel          string
	LogJSON           bool
	DataDir           string
	MetricsAddr       string
	SlackWebhookURL   string
	DiscordWebhookURL string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:         150 * time.Millisecond,
		Wgrib2Path:           "wgrib2",
		MarketsFile:          "markets.yaml",
		MaxPositionUSDC:      100,
		MinEdge:              0.02,
		ConfidenceGate:       0.50,
		StabilityBandC:       0.3,
		RunDepth:             5,
		Cooldown:             60 * time.Second,
		SlippageTolerance:    0.05,
		GuaranteedMultiplier: 2.0,
		SignificantChangeF:   1.0,
		KellyGuaranteed:      0.25,
		KellyHigh:            0.15,
		KellyMedium:          0.08,
		KellyLow:             0.04,
		CertaintySigma:       3.0,
		BiasCorrection:       true,
		HorizonWeighting:     true,
		SpreadMultiplier:     0.5,
		SlowTraceThreshold:   2 * time.Second,
		LatencyWindowSize:    256,
		FallbackEnabled:      true,
		FallbackProvider:     "open-meteo",
		FallbackPollInterval: 20 * time.Second,
		LogLevel:             "info",
		LogJSON:              true,
		DataDir:              "data",
		MetricsAddr:          ":9090",
	}
}

// Load reads .env (if present) and applies environment overrides on top of
// the defaults.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.APIKey = os.Getenv("TRADER_API_KEY")
	cfg.PrivateKeyPEM = os.Getenv("TRADER_PRIVATE_KEY")
	cfg.BaseURL = os.Getenv("TRADER_BASE_URL")
	cfg.StreamURL = os.Getenv("TRADER_WS_URL")
	cfg.Demo = envBool("TRADER_DEMO", cfg.Demo)
	cfg.SimMode = envBool("TRADER_SIM_MODE", cfg.SimMode)

	cfg.PollInterval = envDurationMs("DETECTOR_POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.Wgrib2Path = envStr("WGRIB2_PATH", cfg.Wgrib2Path)
	cfg.ModelConfigFile = os.Getenv("MODEL_CONFIG_FILE")
	cfg.MarketsFile = envStr("MARKETS_FILE", cfg.MarketsFile)
	if s := os.Getenv("TRADER_CITIES"); s != "" {
		cfg.Cities = splitList(s)
	}

	cfg.MaxPositionUSDC = envFloat("MAX_POSITION_USDC", cfg.MaxPositionUSDC)
	cfg.MinEdge = envFloat("MIN_EDGE", cfg.MinEdge)
	cfg.ConfidenceGate = envFloat("CONFIDENCE_GATE", cfg.ConfidenceGate)
	cfg.StabilityBandC = envFloat("STABILITY_BAND_C", cfg.StabilityBandC)
	cfg.RunDepth = envInt("RUN_HISTORY_DEPTH", cfg.RunDepth)
	cfg.Cooldown = envDurationSec("COOLDOWN_SECONDS", cfg.Cooldown)
	cfg.SlippageTolerance = envFloat("SLIPPAGE_TOLERANCE", cfg.SlippageTolerance)
	cfg.GuaranteedMultiplier = envFloat("GUARANTEED_POSITION_MULTIPLIER", cfg.GuaranteedMultiplier)
	cfg.SignificantChangeF = envFloat("SIGNIFICANT_FORECAST_CHANGE_F", cfg.SignificantChangeF)
	cfg.KellyGuaranteed = envFloat("KELLY_FRACTION_GUARANTEED", cfg.KellyGuaranteed)
	cfg.KellyHigh = envFloat("KELLY_FRACTION_HIGH", cfg.KellyHigh)
	cfg.KellyMedium = envFloat("KELLY_FRACTION_MEDIUM", cfg.KellyMedium)
	cfg.KellyLow = envFloat("KELLY_FRACTION_LOW", cfg.KellyLow)

	cfg.CertaintySigma = envFloat("CERTAINTY_SIGMA_THRESHOLD", cfg.CertaintySigma)
	cfg.BiasCorrection = envBool("MODEL_BIAS_CORRECTION_ENABLED", cfg.BiasCorrection)
	cfg.HorizonWeighting = envBool("MODEL_HORIZON_WEIGHTING_ENABLED", cfg.HorizonWeighting)
	cfg.SpreadMultiplier = envFloat("MODEL_ENSEMBLE_SPREAD_MULTIPLIER", cfg.SpreadMultiplier)

	cfg.SlowTraceThreshold = envDurationMs("LATENCY_SLOW_TRACE_THRESHOLD_MS", cfg.SlowTraceThreshold)
	cfg.LatencyWindowSize = envInt("LATENCY_STATS_WINDOW_SIZE", cfg.LatencyWindowSize)

	cfg.FallbackEnabled = envBool("API_FALLBACK_ENABLED", cfg.FallbackEnabled)
	cfg.FallbackProvider = envStr("API_FALLBACK_PROVIDER", cfg.FallbackProvider)
	cfg.FallbackPollInterval = envDurationSec("API_FALLBACK_POLL_SECONDS", cfg.FallbackPollInterval)

	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("LOG_JSON", cfg.LogJSON)
	cfg.DataDir = envStr("DATA_DIR", cfg.DataDir)
	cfg.MetricsAddr = envStr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.SlackWebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	cfg.DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")

	return cfg, nil
}

// Validate checks that required configuration is present. Sim mode needs no
// credentials.
func (c *Config) Validate() error {
	if c.SimMode {
		return nil
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.PrivateKeyPEM == "" {
		return ErrMissingPrivateKey
	}
	return nil
}

// ModelConfigs returns the model schedule set, with YAML overrides from
// ModelConfigFile applied over the built-in defaults.
func (c *Config) ModelConfigs() (map[weather.Model]schedule.ModelConfig, error) {
	base := schedule.DefaultModelConfigs()
	if c.ModelConfigFile == "" {
		return base, nil
	}

	data, err := os.ReadFile(c.ModelConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read model config %s: %w", c.ModelConfigFile, err)
	}
	var overrides []schedule.ModelConfig
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse model config %s: %w", c.ModelConfigFile, err)
	}

	for _, ov := range overrides {
		base[ov.Model] = ov
	}
	return base, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationMs(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

func envDurationSec(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
