// Package weather provides city registry and forecast scalar types shared by
// the detection, arbitration and strategy layers.
package weather

import "time"

// Region determines which model hierarchy governs a city.
type Region string

const (
	RegionUS     Region = "US"
	RegionEurope Region = "EUROPE"
	RegionGlobal Region = "GLOBAL"
)

// Model identifies a numerical weather prediction model.
type Model string

const (
	ModelHRRR  Model = "HRRR"
	ModelRAP   Model = "RAP"
	ModelGFS   Model = "GFS"
	ModelECMWF Model = "ECMWF"
)

// Source identifies where a forecast value came from. FILE is the
// authoritative binary model output; API is the lower-confidence fallback.
type Source string

const (
	SourceFile Source = "FILE"
	SourceAPI  Source = "API"
)

// Confidence tags a forecast update for downstream consumers.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
)

// City represents a tradable city with its grid-point coordinates.
type City struct {
	ID       string  // Short code (e.g., "chicago")
	Name     string  // Display name
	Timezone string  // IANA timezone
	Lat      float64 // Latitude
	Lon      float64 // Longitude (-180..180)
	Region   Region
}

// Cities is the registry of all supported cities.
var Cities = map[string]*City{
	"nyc": {
		ID: "nyc", Name: "New York City", Timezone: "America/New_York",
		Lat: 40.7790, Lon: -73.9692, Region: RegionUS,
	},
	"chicago": {
		ID: "chicago", Name: "Chicago", Timezone: "America/Chicago",
		Lat: 41.9742, Lon: -87.9073, Region: RegionUS,
	},
	"miami": {
		ID: "miami", Name: "Miami", Timezone: "America/New_York",
		Lat: 25.7959, Lon: -80.2870, Region: RegionUS,
	},
	"austin": {
		ID: "austin", Name: "Austin", Timezone: "America/Chicago",
		Lat: 30.1945, Lon: -97.6699, Region: RegionUS,
	},
	"denver": {
		ID: "denver", Name: "Denver", Timezone: "America/Denver",
		Lat: 39.8466, Lon: -104.6562, Region: RegionUS,
	},
	"la": {
		ID: "la", Name: "Los Angeles", Timezone: "America/Los_Angeles",
		Lat: 33.9425, Lon: -118.4081, Region: RegionUS,
	},
	"seattle": {
		ID: "seattle", Name: "Seattle", Timezone: "America/Los_Angeles",
		Lat: 47.4447, Lon: -122.3144, Region: RegionUS,
	},
	"philadelphia": {
		ID: "philadelphia", Name: "Philadelphia", Timezone: "America/New_York",
		Lat: 39.8683, Lon: -75.2311, Region: RegionUS,
	},
	"london": {
		ID: "london", Name: "London", Timezone: "Europe/London",
		Lat: 51.4775, Lon: -0.4614, Region: RegionEurope,
	},
	"paris": {
		ID: "paris", Name: "Paris", Timezone: "Europe/Paris",
		Lat: 49.0097, Lon: 2.5479, Region: RegionEurope,
	},
}

// GetCity looks up a city by ID. Returns nil if unknown.
func GetCity(id string) *City {
	return Cities[id]
}

// AllCities returns the registry as a slice in no particular order.
func AllCities() []*City {
	out := make([]*City, 0, len(Cities))
	for _, c := range Cities {
		out = append(out, c)
	}
	return out
}

// Location resolves the city's IANA timezone, falling back to UTC.
func (c *City) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CityForecast holds the per-city scalars extracted from one model run.
type CityForecast struct {
	CityID         string
	Lat            float64
	Lon            float64
	TempC          float64
	TempF          float64
	WindSpeedMps   float64
	WindSpeedMph   float64
	WindDirection  float64 // Meteorological degrees, 0..360
	TotalPrecipMm  float64
	TotalPrecipIn  float64
	PrecipRateMmHr float64
}

// CToF converts Celsius to Fahrenheit.
func CToF(c float64) float64 { return c*9.0/5.0 + 32.0 }

// FToC converts Fahrenheit to Celsius.
func FToC(f float64) float64 { return (f - 32.0) * 5.0 / 9.0 }

// MmToIn converts millimetres to inches.
func MmToIn(mm float64) float64 { return mm / 25.4 }

// MpsToMph converts metres per second to miles per hour.
func MpsToMph(mps float64) float64 { return mps * 2.23694 }
