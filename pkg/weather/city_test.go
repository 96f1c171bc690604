package weather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCity(t *testing.T) {
	c := GetCity("chicago")
	require.NotNil(t, c)
	assert.Equal(t, "Chicago", c.Name)
	assert.Equal(t, RegionUS, c.Region)

	assert.Nil(t, GetCity("atlantis"))
}

func TestAllCities(t *testing.T) {
	assert.Len(t, AllCities(), len(Cities))
}

func TestLocation(t *testing.T) {
	loc := GetCity("london").Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Europe/London", loc.String())

	bad := &City{ID: "x", Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, bad.Location())
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, 32.0, CToF(0), 1e-9)
	assert.InDelta(t, 212.0, CToF(100), 1e-9)
	assert.InDelta(t, 0.0, FToC(32), 1e-9)
	assert.InDelta(t, 20.0, FToC(CToF(20)), 1e-9)
	assert.InDelta(t, 1.0, MmToIn(25.4), 1e-9)
	assert.InDelta(t, 22.3694, MpsToMph(10), 1e-3)
}
