package apifallback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// RateLimitedError reports a provider 429 with its advertised retry delay.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// Provider fetches fallback forecasts for a batch of cities.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, cities []*weather.City) ([]weather.CityForecast, error)
}

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

// OpenMeteoProvider reads the free Open-Meteo forecast API. A single
// request carries every city as comma-separated coordinates.
type OpenMeteoProvider struct {
	client  *http.Client
	baseURL string
}

// NewOpenMeteoProvider creates a provider with the given client, or a
// 10-second-timeout default.
func NewOpenMeteoProvider(client *http.Client) *OpenMeteoProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OpenMeteoProvider{client: client, baseURL: openMeteoBaseURL}
}

// Name implements Provider.
func (p *OpenMeteoProvider) Name() string { return "open-meteo" }

type openMeteoResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Current   struct {
		Temperature2m     float64 `json:"temperature_2m"`
		WindSpeed10m      float64 `json:"wind_speed_10m"`
		WindDirection10m  float64 `json:"wind_direction_10m"`
		Precipitation     float64 `json:"precipitation"`
	} `json:"current"`
}

// Fetch implements Provider. The response order matches the coordinate
// order of the request, which is how results map back to cities.
func (p *OpenMeteoProvider) Fetch(ctx context.Context, cities []*weather.City) ([]weather.CityForecast, error) {
	if len(cities) == 0 {
		return nil, nil
	}

	lats := make([]string, len(cities))
	lons := make([]string, len(cities))
	for i, c := range cities {
		lats[i] = fmt.Sprintf("%.4f", c.Lat)
		lons[i] = fmt.Sprintf("%.4f", c.Lon)
	}
	url := fmt.Sprintf(
		"%s?latitude=%s&longitude=%s&current=temperature_2m,wind_speed_10m,wind_direction_10m,precipitation&wind_speed_unit=ms",
		p.baseURL, strings.Join(lats, ","), strings.Join(lons, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build open-meteo request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch open-meteo forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retry := 60 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if d, perr := time.ParseDuration(s + "s"); perr == nil {
				retry = d
			}
		}
		return nil, &RateLimitedError{Provider: p.Name(), RetryAfter: retry}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open-meteo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read open-meteo response: %w", err)
	}

	// The API returns a bare object for one location and an array for many.
	var results []openMeteoResponse
	if len(cities) == 1 {
		var single openMeteoResponse
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("parse open-meteo response: %w", err)
		}
		results = []openMeteoResponse{single}
	} else if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("parse open-meteo response: %w", err)
	}
	if len(results) != len(cities) {
		return nil, fmt.Errorf("open-meteo returned %d results for %d cities", len(results), len(cities))
	}

	out := make([]weather.CityForecast, len(cities))
	for i, r := range results {
		c := cities[i]
		out[i] = weather.CityForecast{
			CityID:        c.ID,
			Lat:           c.Lat,
			Lon:           c.Lon,
			TempC:         r.Current.Temperature2m,
			TempF:         weather.CToF(r.Current.Temperature2m),
			WindSpeedMps:  r.Current.WindSpeed10m,
			WindSpeedMph:  weather.MpsToMph(r.Current.WindSpeed10m),
			WindDirection: r.Current.WindDirection10m,
			TotalPrecipMm: r.Current.Precipitation,
			TotalPrecipIn: weather.MmToIn(r.Current.Precipitation),
		}
	}
	return out, nil
}
