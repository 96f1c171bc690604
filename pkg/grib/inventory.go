package grib

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseInventory parses wgrib2 point-extraction output. Each record line
// looks like
//
//	1:0:d=2026031012:TMP:2 m above ground:6 hour fcst:lon=272.0927,lat=41.9742,val=281.3:lon=...,lat=...,val=...
//
// with one lon/lat/val triple per requested point, in request order. The
// result maps variable name to per-point values aligned with the requested
// city order.
func ParseInventory(out string, nPoints int) (map[string][]float64, error) {
	points := make(map[string][]float64)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		varName := fields[3]

		var vals []float64
		for _, f := range fields {
			if !strings.HasPrefix(f, "lon=") {
				continue
			}
			v, ok := parseVal(f)
			if !ok {
				continue
			}
			vals = append(vals, v)
		}
		if len(vals) == 0 {
			continue
		}
		if len(vals) != nPoints {
			return nil, fmt.Errorf("grib: record %s has %d points, want %d", varName, len(vals), nPoints)
		}
		// First record of a variable wins; APCP can repeat across
		// accumulation intervals and the earliest matches the detection
		// forecast hour.
		if _, dup := points[varName]; !dup {
			points[varName] = vals
		}
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("grib: no point records in inventory")
	}
	return points, nil
}

func parseVal(segment string) (float64, bool) {
	for _, part := range strings.Split(segment, ",") {
		if rest, ok := strings.CutPrefix(part, "val="); ok {
			v, err := strconv.ParseFloat(rest, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}
