// Package forecast converts model forecast values into outcome
// probabilities with per-model bias correction and horizon-aware weighting.
package forecast

import (
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// HorizonBucket groups forecast horizons for bias lookup.
type HorizonBucket string

const (
	HorizonShort  HorizonBucket = "short"  // <= 24h
	HorizonMedium HorizonBucket = "medium" // 24-72h
	HorizonLong   HorizonBucket = "long"   // > 72h
)

// BucketFor classifies a horizon in hours.
func BucketFor(hours float64) HorizonBucket {
	switch {
	case hours <= 24:
		return HorizonShort
	case hours <= 72:
		return HorizonMedium
	default:
		return HorizonLong
	}
}

// VarFamily is the forecast variable family being combined.
type VarFamily string

const (
	VarTemperature   VarFamily = "temperature"
	VarPrecipitation VarFamily = "precipitation"
)

// ModelProfile holds the static calibration for one model. Temperature
// bias is additive in °F (corrected = value - bias); precipitation bias is
// multiplicative (corrected = value / (1 + bias)).
type ModelProfile struct {
	TempBias       map[HorizonBucket]float64 `yaml:"temp_bias"`
	PrecipBias     map[HorizonBucket]float64 `yaml:"precip_bias"`
	OptimalHorizon float64                   `yaml:"optimal_horizon"` // hours
	DecayRate      float64                   `yaml:"decay_rate"`
	Skill          map[VarFamily]float64     `yaml:"skill"` // 0..1
}

// DefaultProfiles returns the built-in calibration set: HRRR runs a small
// warm bias at short range, GFS a larger cold bias, ECMWF has the lowest
// variance, RAP smooths extremes.
func DefaultProfiles() map[weather.Model]ModelProfile {
	return map[weather.Model]ModelProfile{
		weather.ModelHRRR: {
			TempBias:       map[HorizonBucket]float64{HorizonShort: 0.5, HorizonMedium: 0.8, HorizonLong: 1.0},
			PrecipBias:     map[HorizonBucket]float64{HorizonShort: 0.10, HorizonMedium: 0.15, HorizonLong: 0.20},
			OptimalHorizon: 12,
			DecayRate:      0.004,
			Skill:          map[VarFamily]float64{VarTemperature: 0.90, VarPrecipitation: 0.80},
		},
		weather.ModelRAP: {
			TempBias:       map[HorizonBucket]float64{HorizonShort: 0.3, HorizonMedium: 0.6, HorizonLong: 0.9},
			PrecipBias:     map[HorizonBucket]float64{HorizonShort: 0.20, HorizonMedium: 0.25, HorizonLong: 0.30},
			OptimalHorizon: 9,
			DecayRate:      0.005,
			Skill:          map[VarFamily]float64{VarTemperature: 0.82, VarPrecipitation: 0.70},
		},
		weather.ModelGFS: {
			TempBias:       map[HorizonBucket]float64{HorizonShort: -1.2, HorizonMedium: -1.5, HorizonLong: -1.8},
			PrecipBias:     map[HorizonBucket]float64{HorizonShort: 0.15, HorizonMedium: 0.20, HorizonLong: 0.30},
			OptimalHorizon: 48,
			DecayRate:      0.002,
			Skill:          map[VarFamily]float64{VarTemperature: 0.78, VarPrecipitation: 0.68},
		},
		weather.ModelECMWF: {
			TempBias:       map[HorizonBucket]float64{HorizonShort: -0.3, HorizonMedium: -0.4, HorizonLong: -0.6},
			PrecipBias:     map[HorizonBucket]float64{HorizonShort: 0.05, HorizonMedium: 0.10, HorizonLong: 0.15},
			OptimalHorizon: 60,
			DecayRate:      0.0015,
			Skill:          map[VarFamily]float64{VarTemperature: 0.92, VarPrecipitation: 0.85},
		},
	}
}

// CorrectBias applies the model's bias correction for the variable family
// at the given horizon. Unknown models pass through unchanged.
func CorrectBias(profiles map[weather.Model]ModelProfile, m weather.Model, family VarFamily, value, horizonHours float64) float64 {
	p, ok := profiles[m]
	if !ok {
		return value
	}
	bucket := BucketFor(horizonHours)
	if family == VarTemperature {
		return value - p.TempBias[bucket]
	}
	bias := p.PrecipBias[bucket]
	if bias <= -1 {
		return value
	}
	return value / (1 + bias)
}

// BaseVariance is the per-family forecast variance floor at a horizon:
// sigma grows linearly with days out (temperature short-range sigma is
// about 1.5°F).
func BaseVariance(family VarFamily, horizonHours float64) float64 {
	days := horizonHours / 24
	if days < 0 {
		days = 0
	}
	var sigma float64
	switch family {
	case VarPrecipitation:
		sigma = 2.0 + 1.0*days
	default:
		sigma = 1.5 + 0.8*days
	}
	return sigma * sigma
}
