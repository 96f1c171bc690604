package grib

import (
	"math"
	"testing"
	"time"
)

func TestParseInventory(t *testing.T) {
	out := "1:0:d=2026031012:TMP:2 m above ground:6 hour fcst:" +
		"lon=272.092700,lat=41.974200,val=281.35:lon=280.456000,lat=25.795900,val=299.15\n" +
		"2:52000:d=2026031012:UGRD:10 m above ground:6 hour fcst:" +
		"lon=272.092700,lat=41.974200,val=3.0:lon=280.456000,lat=25.795900,val=-2.5\n" +
		"3:98000:d=2026031012:VGRD:10 m above ground:6 hour fcst:" +
		"lon=272.092700,lat=41.974200,val=4.0:lon=280.456000,lat=25.795900,val=1.5\n"

	points, err := ParseInventory(out, 2)
	if err != nil {
		t.Fatalf("ParseInventory failed: %v", err)
	}

	if got := points[VarTMP][0]; got != 281.35 {
		t.Errorf("TMP[0] = %v, want 281.35", got)
	}
	if got := points[VarUGRD][1]; got != -2.5 {
		t.Errorf("UGRD[1] = %v, want -2.5", got)
	}
	if got := points[VarVGRD][0]; got != 4.0 {
		t.Errorf("VGRD[0] = %v, want 4.0", got)
	}
}

func TestParseInventory_DuplicateVariableFirstWins(t *testing.T) {
	out := "5:100:d=2026031012:APCP:surface:0-5 hour acc fcst:lon=272.0,lat=41.9,val=1.2\n" +
		"6:200:d=2026031012:APCP:surface:5-6 hour acc fcst:lon=272.0,lat=41.9,val=0.4\n"

	points, err := ParseInventory(out, 1)
	if err != nil {
		t.Fatalf("ParseInventory failed: %v", err)
	}
	if got := points[VarAPCP][0]; got != 1.2 {
		t.Errorf("APCP[0] = %v, want 1.2 (first record wins)", got)
	}
}

func TestParseInventory_PointCountMismatch(t *testing.T) {
	out := "1:0:d=2026031012:TMP:2 m above ground:6 hour fcst:lon=272.0,lat=41.9,val=281.3\n"
	if _, err := ParseInventory(out, 2); err == nil {
		t.Fatal("want error for point count mismatch")
	}
}

func TestParseInventory_Empty(t *testing.T) {
	if _, err := ParseInventory("", 1); err == nil {
		t.Fatal("want error for empty inventory")
	}
}

func TestWindFromUV(t *testing.T) {
	tests := []struct {
		name      string
		u, v      float64
		wantSpeed float64
		wantDir   float64
	}{
		{"easterly u only", 5, 0, 5, 0},
		{"northerly v only", 0, 5, 5, 90},
		{"3-4-5 triangle", 3, 4, 5, 53},
		{"negative components", -3, -4, 5, 233},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speed, dir := WindFromUV(tt.u, tt.v)
			if math.Abs(speed-tt.wantSpeed) > 0.01 {
				t.Errorf("speed = %v, want %v", speed, tt.wantSpeed)
			}
			if math.Abs(dir-tt.wantDir) > 1 {
				t.Errorf("dir = %v, want %v", dir, tt.wantDir)
			}
		})
	}
}

func TestValidTime(t *testing.T) {
	runDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := ValidTime(runDate, 12, 6)
	want := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ValidTime = %v, want %v", got, want)
	}

	// Rolls into the next day.
	got = ValidTime(runDate, 18, 24)
	want = time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ValidTime = %v, want %v", got, want)
	}
}
