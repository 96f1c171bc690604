package store

import (
	"sync"
	"time"

	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// RunRecord is one model run's extract for a city.
type RunRecord struct {
	Model          weather.Model
	CycleHour      int
	RunDate        time.Time
	CityID         string
	MaxTempC       float64
	PrecipFlag     bool
	PrecipAmountMm float64
	Timestamp      time.Time
	Source         weather.Source
}

// DefaultRunDepth is how many runs are retained per (city, model).
const DefaultRunDepth = 5

// RunHistoryStore keeps the last K runs per (city, model) for run-to-run
// stability analysis. Buffers are newest-first; duplicate
// (cycleHour, runDate) inserts are silently ignored.
type RunHistoryStore struct {
	depth int

	mu   sync.RWMutex
	runs map[runKey][]RunRecord
}

type runKey struct {
	cityID string
	model  weather.Model
}

// NewRunHistoryStore creates a store retaining depth runs per buffer.
func NewRunHistoryStore(depth int) *RunHistoryStore {
	if depth < 1 {
		depth = DefaultRunDepth
	}
	return &RunHistoryStore{
		depth: depth,
		runs:  make(map[runKey][]RunRecord),
	}
}

// AddRun inserts a record. Returns false when an identical
// (cycleHour, runDate) run was already present.
func (s *RunHistoryStore) AddRun(r RunRecord) bool {
	key := runKey{cityID: r.CityID, model: r.Model}
	day := r.RunDate.UTC().Truncate(24 * time.Hour)
	r.RunDate = day

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.runs[key]
	for _, existing := range buf {
		if existing.CycleHour == r.CycleHour && existing.RunDate.Equal(day) {
			return false
		}
	}

	// Ordered insert by (runDate, cycleHour) descending, so a cycle that
	// confirms late still lands in its slot rather than at the head.
	idx := 0
	for idx < len(buf) {
		b := buf[idx]
		if day.After(b.RunDate) || (day.Equal(b.RunDate) && r.CycleHour > b.CycleHour) {
			break
		}
		idx++
	}
	buf = append(buf, RunRecord{})
	copy(buf[idx+1:], buf[idx:])
	buf[idx] = r
	if len(buf) > s.depth {
		buf = buf[:s.depth]
	}
	s.runs[key] = buf
	return true
}

// GetLastRuns returns up to k runs for a (city, model), newest first, as a
// shallow copy.
func (s *RunHistoryStore) GetLastRuns(cityID string, model weather.Model, k int) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.runs[runKey{cityID: cityID, model: model}]
	if k <= 0 || k > len(buf) {
		k = len(buf)
	}
	return append([]RunRecord(nil), buf[:k]...)
}

// IsFirstRun reports whether the buffer has at most one record.
func (s *RunHistoryStore) IsFirstRun(cityID string, model weather.Model) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs[runKey{cityID: cityID, model: model}]) <= 1
}

// Count returns the buffer size for a (city, model).
func (s *RunHistoryStore) Count(cityID string, model weather.Model) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs[runKey{cityID: cityID, model: model}])
}
