package detector

import (
	"fmt"
	"strconv"
	"strings"
)

// IdxRecord is one line of a GRIB ".idx" sidecar:
//
//	recNum:startByte:date:var:level:forecast:
type IdxRecord struct {
	Num       int
	StartByte int64
	Date      string
	Var       string
	Level     string
	Forecast  string
}

// requiredRecords are the variable/level pairs the extractor needs.
var requiredRecords = map[string][]string{
	"TMP":   {"2 m above ground"},
	"UGRD":  {"10 m above ground"},
	"VGRD":  {"10 m above ground"},
	"APCP":  {"surface"},
	"PRATE": {"surface"},
}

// Required reports whether a record belongs to the extraction set.
func (r IdxRecord) Required() bool {
	levels, ok := requiredRecords[r.Var]
	if !ok {
		return false
	}
	for _, l := range levels {
		if r.Level == l {
			return true
		}
	}
	return false
}

// ParseIdx parses sidecar text. Unparseable lines are skipped; an empty
// result is an error.
func ParseIdx(text string) ([]IdxRecord, error) {
	var records []IdxRecord
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		start, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		records = append(records, IdxRecord{
			Num:       num,
			StartByte: start,
			Date:      fields[2],
			Var:       fields[3],
			Level:     fields[4],
			Forecast:  fields[5],
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("detector: empty idx sidecar")
	}
	return records, nil
}

// ByteRange is an inclusive byte range within the object.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// RangePlan couples a selected record with the byte range holding it.
type RangePlan struct {
	Record IdxRecord
	Range  ByteRange
}

// PlanRanges selects the required records and derives their byte ranges.
// A record ends one byte before the next record starts; the last record
// runs to fileSize-1. Records are assumed in file order.
func PlanRanges(records []IdxRecord, fileSize int64) []RangePlan {
	var plans []RangePlan
	for i, r := range records {
		if !r.Required() {
			continue
		}
		end := fileSize - 1
		if i+1 < len(records) {
			end = records[i+1].StartByte - 1
		}
		if end < r.StartByte {
			continue
		}
		plans = append(plans, RangePlan{
			Record: r,
			Range:  ByteRange{Start: r.StartByte, End: end},
		})
	}
	return plans
}
