// Package grib extracts per-city scalars from binary NWP records via a
// native decoder subprocess.
package grib

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// ParseError indicates the decoder produced unusable output for a buffer.
// It is fatal for the trace that carried the buffer; the detection window
// stays open for the next forecast hour.
type ParseError struct {
	Model weather.Model
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("grib: %s: %s", e.Model, e.Msg)
}

// Variables extracted from each record set.
const (
	VarTMP   = "TMP"
	VarUGRD  = "UGRD"
	VarVGRD  = "VGRD"
	VarAPCP  = "APCP"
	VarPRATE = "PRATE"
)

// matchExpr selects the records the trading core cares about.
const matchExpr = ":(TMP:2 m above ground|UGRD:10 m above ground|VGRD:10 m above ground|APCP:surface|PRATE:surface):"

// Request identifies the run a buffer belongs to.
type Request struct {
	Model        weather.Model
	CycleHour    int
	ForecastHour int
	RunDate      time.Time
}

// Result is the extraction output for one buffer.
type Result struct {
	Model        weather.Model
	CycleHour    int
	ForecastHour int
	ValidTime    time.Time
	CityData     []weather.CityForecast
	FileSize     int64
	ParseTimeMs  int64
}

// Extractor decodes city-point scalars from a binary NWP buffer.
type Extractor interface {
	Extract(ctx context.Context, buf []byte, req Request) (*Result, error)
}

// WgribExtractor shells out to wgrib2. All city lat/lon pairs are passed in
// a single invocation per buffer; spawning one process per city would be
// dominated by process startup.
type WgribExtractor struct {
	log    zerolog.Logger
	binary string
	cities []*weather.City

	// fallbackConcurrency bounds per-variable invocations when the batched
	// call is unavailable.
	fallbackConcurrency int
}

// NewWgribExtractor creates an extractor for the given city set.
func NewWgribExtractor(log zerolog.Logger, binary string, cities []*weather.City) *WgribExtractor {
	if binary == "" {
		binary = "wgrib2"
	}
	return &WgribExtractor{
		log:                 log.With().Str("component", "grib").Logger(),
		binary:              binary,
		cities:              cities,
		fallbackConcurrency: 3,
	}
}

// ValidTime computes cycleDate @ cycleHour UTC + forecastHour.
func ValidTime(runDate time.Time, cycleHour, forecastHour int) time.Time {
	day := runDate.UTC().Truncate(24 * time.Hour)
	return day.Add(time.Duration(cycleHour)*time.Hour + time.Duration(forecastHour)*time.Hour)
}

// Extract decodes the buffer. The batched invocation is tried first; on
// failure each variable is decoded in its own bounded invocation.
func (e *WgribExtractor) Extract(ctx context.Context, buf []byte, req Request) (*Result, error) {
	start := time.Now()

	tmp, err := os.CreateTemp("", "nwp-*.grib2")
	if err != nil {
		return nil, fmt.Errorf("grib: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("grib: write temp: %w", err)
	}
	tmp.Close()

	points, err := e.runBatch(ctx, tmp.Name())
	if err != nil {
		e.log.Warn().Err(err).Msg("batch extraction unavailable, falling back to per-variable")
		points, err = e.runPerVariable(ctx, tmp.Name())
		if err != nil {
			return nil, err
		}
	}

	cityData := e.assemble(points)
	if len(cityData) == 0 {
		return nil, &ParseError{Model: req.Model, Msg: "no city had a temperature record"}
	}

	return &Result{
		Model:        req.Model,
		CycleHour:    req.CycleHour,
		ForecastHour: req.ForecastHour,
		ValidTime:    ValidTime(req.RunDate, req.CycleHour, req.ForecastHour),
		CityData:     cityData,
		FileSize:     int64(len(buf)),
		ParseTimeMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (e *WgribExtractor) lonArgs() []string {
	var args []string
	for _, c := range e.cities {
		lon := c.Lon
		if lon < 0 {
			lon += 360 // wgrib2 grids are 0..360
		}
		args = append(args, "-lon", fmt.Sprintf("%.4f", lon), fmt.Sprintf("%.4f", c.Lat))
	}
	return args
}

func (e *WgribExtractor) runBatch(ctx context.Context, path string) (map[string][]float64, error) {
	args := append([]string{path, "-match", matchExpr}, e.lonArgs()...)
	out, err := exec.CommandContext(ctx, e.binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("grib: wgrib2 batch: %w", err)
	}
	return ParseInventory(string(out), len(e.cities))
}

func (e *WgribExtractor) runPerVariable(ctx context.Context, path string) (map[string][]float64, error) {
	matches := map[string]string{
		VarTMP:   ":TMP:2 m above ground:",
		VarUGRD:  ":UGRD:10 m above ground:",
		VarVGRD:  ":VGRD:10 m above ground:",
		VarAPCP:  ":APCP:surface:",
		VarPRATE: ":PRATE:surface:",
	}

	type varResult struct {
		v    string
		vals []float64
	}
	results := make(chan varResult, len(matches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fallbackConcurrency)
	for v, m := range matches {
		g.Go(func() error {
			args := append([]string{path, "-match", m}, e.lonArgs()...)
			out, err := exec.CommandContext(gctx, e.binary, args...).Output()
			if err != nil {
				// Missing variables (e.g. no PRATE in this file) are fine.
				return nil
			}
			parsed, err := ParseInventory(string(out), len(e.cities))
			if err != nil {
				return nil
			}
			if vals, ok := parsed[v]; ok {
				results <- varResult{v: v, vals: vals}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	points := make(map[string][]float64)
	for r := range results {
		points[r.v] = r.vals
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("grib: all per-variable invocations failed")
	}
	return points, nil
}

// assemble maps per-variable point values onto cities. A city is emitted
// only when its temperature is present; wind and precip default to zero.
func (e *WgribExtractor) assemble(points map[string][]float64) []weather.CityForecast {
	var out []weather.CityForecast
	temps := points[VarTMP]

	at := func(vals []float64, i int) float64 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}

	for i, c := range e.cities {
		if i >= len(temps) {
			break
		}
		tempK := temps[i]
		if math.IsNaN(tempK) || tempK == 0 {
			continue
		}
		tempC := tempK - 273.15

		u := at(points[VarUGRD], i)
		v := at(points[VarVGRD], i)
		speed, dir := WindFromUV(u, v)

		precipMm := at(points[VarAPCP], i)
		rate := at(points[VarPRATE], i) * 3600 // kg/m²/s -> mm/hr

		out = append(out, weather.CityForecast{
			CityID:         c.ID,
			Lat:            c.Lat,
			Lon:            c.Lon,
			TempC:          round1(tempC),
			TempF:          round1(weather.CToF(tempC)),
			WindSpeedMps:   round1(speed),
			WindSpeedMph:   round1(weather.MpsToMph(speed)),
			WindDirection:  math.Round(dir),
			TotalPrecipMm:  round2(precipMm),
			TotalPrecipIn:  round2(weather.MmToIn(precipMm)),
			PrecipRateMmHr: round2(rate),
		})
	}
	return out
}

// WindFromUV converts u/v components to speed (m/s) and meteorological
// direction in degrees.
func WindFromUV(u, v float64) (speed, dir float64) {
	speed = math.Sqrt(u*u + v*v)
	dir = math.Mod(math.Atan2(v, u)*180/math.Pi+360, 360)
	return speed, dir
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
