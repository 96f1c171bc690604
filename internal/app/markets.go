package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// marketSpec is one catalog entry as listed in the markets YAML file.
type marketSpec struct {
	ID           string  `yaml:"id"`
	City         string  `yaml:"city"`
	Metric       string  `yaml:"metric"`
	Comparison   string  `yaml:"comparison"`
	Threshold    float64 `yaml:"threshold"`
	MinThreshold float64 `yaml:"min_threshold"`
	MaxThreshold float64 `yaml:"max_threshold"`
	Unit         string  `yaml:"unit"`
	TargetDate   string  `yaml:"target_date"` // YYYY-MM-DD, UTC
	YesTokenID   string  `yaml:"yes_token"`
	NoTokenID    string  `yaml:"no_token"`
}

// LoadMarkets reads the market catalog. Thresholds are normalized to
// canonical units when the markets enter the data store, not here.
func LoadMarkets(path string) ([]market.Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market catalog %s: %w", path, err)
	}
	var specs []marketSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse market catalog %s: %w", path, err)
	}

	out := make([]market.Market, 0, len(specs))
	for i, sp := range specs {
		m, err := sp.toMarket()
		if err != nil {
			return nil, fmt.Errorf("market catalog entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (sp marketSpec) toMarket() (market.Market, error) {
	if sp.ID == "" {
		return market.Market{}, fmt.Errorf("missing id")
	}
	if weather.GetCity(sp.City) == nil {
		return market.Market{}, fmt.Errorf("%s: unknown city %q", sp.ID, sp.City)
	}
	if sp.YesTokenID == "" || sp.NoTokenID == "" {
		return market.Market{}, fmt.Errorf("%s: missing token ids", sp.ID)
	}
	target, err := time.ParseInLocation("2006-01-02", sp.TargetDate, time.UTC)
	if err != nil {
		return market.Market{}, fmt.Errorf("%s: parse target_date: %w", sp.ID, err)
	}

	metric := market.MetricType(sp.Metric)
	switch metric {
	case market.MetricTempHigh, market.MetricTempLow, market.MetricTempThreshold,
		market.MetricTempRange, market.MetricPrecipitation, market.MetricSnowfall:
	default:
		return market.Market{}, fmt.Errorf("%s: unknown metric %q", sp.ID, sp.Metric)
	}

	cmp := market.Comparison(sp.Comparison)
	switch cmp {
	case market.ComparisonAbove, market.ComparisonBelow, market.ComparisonRange:
	default:
		return market.Market{}, fmt.Errorf("%s: unknown comparison %q", sp.ID, sp.Comparison)
	}

	unit := market.Unit(sp.Unit)
	if unit == "" {
		if metric.IsTemperature() {
			unit = market.UnitF
		} else {
			unit = market.UnitMm
		}
	}

	return market.Market{
		ID:           sp.ID,
		City:         sp.City,
		Metric:       metric,
		Comparison:   cmp,
		Threshold:    sp.Threshold,
		MinThreshold: sp.MinThreshold,
		MaxThreshold: sp.MaxThreshold,
		Unit:         unit,
		TargetDate:   target,
		YesTokenID:   sp.YesTokenID,
		NoTokenID:    sp.NoTokenID,
		Active:       true,
	}, nil
}

// valueFor maps an arbitrated city forecast onto the canonical settlement
// value for a market's metric family (°F, or millimetres of precipitation).
func valueFor(metric market.MetricType, cf weather.CityForecast) float64 {
	if metric.IsTemperature() {
		return cf.TempF
	}
	return cf.TotalPrecipMm
}
