package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanplayford/nwp-trader/pkg/schedule"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.RunDepth)
	assert.Equal(t, 60*time.Second, cfg.Cooldown)
	assert.True(t, cfg.FallbackEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DETECTOR_POLL_INTERVAL_MS", "250")
	t.Setenv("MAX_POSITION_USDC", "42.5")
	t.Setenv("COOLDOWN_SECONDS", "90")
	t.Setenv("TRADER_SIM_MODE", "true")
	t.Setenv("TRADER_CITIES", "chicago, london ,")
	t.Setenv("KELLY_FRACTION_GUARANTEED", "0.5")
	t.Setenv("MODEL_BIAS_CORRECTION_ENABLED", "false")
	t.Setenv("CERTAINTY_SIGMA_THRESHOLD", "2.5")
	t.Setenv("LATENCY_SLOW_TRACE_THRESHOLD_MS", "1500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 42.5, cfg.MaxPositionUSDC)
	assert.Equal(t, 90*time.Second, cfg.Cooldown)
	assert.True(t, cfg.SimMode)
	assert.Equal(t, []string{"chicago", "london"}, cfg.Cities)
	assert.Equal(t, 0.5, cfg.KellyGuaranteed)
	assert.False(t, cfg.BiasCorrection)
	assert.Equal(t, 2.5, cfg.CertaintySigma)
	assert.Equal(t, 1500*time.Millisecond, cfg.SlowTraceThreshold)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAPIKey)

	cfg.APIKey = "key"
	assert.ErrorIs(t, cfg.Validate(), ErrMissingPrivateKey)

	cfg.PrivateKeyPEM = "pem"
	assert.NoError(t, cfg.Validate())

	sim := DefaultConfig()
	sim.SimMode = true
	assert.NoError(t, sim.Validate(), "sim mode needs no credentials")
}

func TestModelConfigs_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- model: HRRR
  region: us-east-1
  bucket: my-mirror-bucket
  key_template: "hrrr.%s/conus/hrrr.t%02dz.wrfsfcf%02d.grib2"
  cycle_hours: [0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23]
  publish_delay: 50m
  window_buffer: 5m
  max_duration: 30m
  forecast_hour: 6
`), 0o644))

	cfg := DefaultConfig()
	cfg.ModelConfigFile = path
	configs, err := cfg.ModelConfigs()
	require.NoError(t, err)

	hrrr, ok := configs[weather.ModelHRRR]
	require.True(t, ok, "HRRR must still be present")
	assert.Equal(t, "my-mirror-bucket", hrrr.Bucket, "override replaces the default bucket")
	assert.Equal(t, 50*time.Minute, hrrr.PublishDelay, "duration strings decode")
	assert.Len(t, configs, len(schedule.DefaultModelConfigs()), "override must not add entries")
}
