package apifallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

const nwsBaseURL = "https://api.weather.gov"

// nwsGridPoint pins a city to its pre-resolved NWS forecast office grid, so
// a fetch needs one request instead of a points lookup plus a forecast call.
type nwsGridPoint struct {
	office string
	gridX  int
	gridY  int
}

// nwsGrids covers the US cities in the registry. NWS has no coverage outside
// the US; European cities are skipped.
var nwsGrids = map[string]nwsGridPoint{
	"nyc":          {office: "OKX", gridX: 33, gridY: 37},
	"chicago":      {office: "LOT", gridX: 65, gridY: 76},
	"miami":        {office: "MFL", gridX: 109, gridY: 50},
	"austin":       {office: "EWX", gridX: 156, gridY: 91},
	"denver":       {office: "BOU", gridX: 62, gridY: 60},
	"la":           {office: "LOX", gridX: 154, gridY: 44},
	"seattle":      {office: "SEW", gridX: 124, gridY: 67},
	"philadelphia": {office: "PHI", gridX: 49, gridY: 75},
}

// NWSProvider reads the National Weather Service hourly gridpoint forecast.
// Unlike Open-Meteo there is no batch endpoint, so cities fetch one by one.
type NWSProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

// NewNWSProvider creates a provider with the given client, or a
// 15-second-timeout default. NWS rejects requests without a User-Agent.
func NewNWSProvider(client *http.Client) *NWSProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &NWSProvider{
		client:    client,
		baseURL:   nwsBaseURL,
		userAgent: "nwp-trader (weather-markets@brendanplayford.dev)",
	}
}

// Name implements Provider.
func (p *NWSProvider) Name() string { return "nws" }

type nwsForecastResponse struct {
	Properties struct {
		Periods []struct {
			Number          int     `json:"number"`
			StartTime       string  `json:"startTime"`
			Temperature     float64 `json:"temperature"`
			TemperatureUnit string  `json:"temperatureUnit"`
			WindSpeed       string  `json:"windSpeed"`
		} `json:"periods"`
	} `json:"properties"`
}

// Fetch implements Provider. Cities without NWS coverage are skipped; an
// error is returned only when no city could be fetched.
func (p *NWSProvider) Fetch(ctx context.Context, cities []*weather.City) ([]weather.CityForecast, error) {
	var out []weather.CityForecast
	var lastErr error

	for _, c := range cities {
		grid, ok := nwsGrids[c.ID]
		if !ok {
			continue
		}
		cf, err := p.fetchCity(ctx, c, grid)
		if err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				return out, rl
			}
			lastErr = err
			continue
		}
		out = append(out, cf)
	}

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (p *NWSProvider) fetchCity(ctx context.Context, c *weather.City, grid nwsGridPoint) (weather.CityForecast, error) {
	url := fmt.Sprintf("%s/gridpoints/%s/%d,%d/forecast/hourly",
		p.baseURL, grid.office, grid.gridX, grid.gridY)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return weather.CityForecast{}, fmt.Errorf("build nws request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return weather.CityForecast{}, fmt.Errorf("fetch nws forecast for %s: %w", c.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retry := 60 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if d, perr := time.ParseDuration(s + "s"); perr == nil {
				retry = d
			}
		}
		return weather.CityForecast{}, &RateLimitedError{Provider: p.Name(), RetryAfter: retry}
	}
	if resp.StatusCode != http.StatusOK {
		return weather.CityForecast{}, fmt.Errorf("nws returned status %d for %s", resp.StatusCode, c.ID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return weather.CityForecast{}, fmt.Errorf("read nws response: %w", err)
	}
	var fr nwsForecastResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return weather.CityForecast{}, fmt.Errorf("parse nws response: %w", err)
	}
	if len(fr.Properties.Periods) == 0 {
		return weather.CityForecast{}, fmt.Errorf("nws returned no periods for %s", c.ID)
	}

	period := fr.Properties.Periods[0]
	tempF := period.Temperature
	if period.TemperatureUnit == "C" {
		tempF = weather.CToF(period.Temperature)
	}
	return weather.CityForecast{
		CityID: c.ID,
		Lat:    c.Lat,
		Lon:    c.Lon,
		TempF:  tempF,
		TempC:  weather.FToC(tempF),
	}, nil
}
