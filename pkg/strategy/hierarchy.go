package strategy

import (
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// Hierarchy orders the models trusted for a region, primary first.
type Hierarchy struct {
	Primary   weather.Model
	Secondary weather.Model
	Tertiary  weather.Model
}

// Models returns the non-empty entries in trust order.
func (h Hierarchy) Models() []weather.Model {
	out := make([]weather.Model, 0, 3)
	for _, m := range []weather.Model{h.Primary, h.Secondary, h.Tertiary} {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Contains reports whether the hierarchy trusts a model at all.
func (h Hierarchy) Contains(m weather.Model) bool {
	return m == h.Primary || m == h.Secondary || m == h.Tertiary
}

var hierarchies = map[weather.Region]Hierarchy{
	weather.RegionUS:     {Primary: weather.ModelHRRR, Secondary: weather.ModelRAP, Tertiary: weather.ModelGFS},
	weather.RegionEurope: {Primary: weather.ModelECMWF, Secondary: weather.ModelGFS},
	weather.RegionGlobal: {Primary: weather.ModelGFS},
}

// HierarchyFor returns the model hierarchy governing a region. Unknown
// regions fall back to the global hierarchy.
func HierarchyFor(r weather.Region) Hierarchy {
	if h, ok := hierarchies[r]; ok {
		return h
	}
	return hierarchies[weather.RegionGlobal]
}

// IsPrimary reports whether a model may initiate trades for a region.
// Non-primary models only confirm.
func IsPrimary(r weather.Region, m weather.Model) bool {
	return HierarchyFor(r).Primary == m
}
