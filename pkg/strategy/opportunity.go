package strategy

import (
	"math"
	"sync"
	"time"
)

// DefaultSignificantChange is how far (market units, °F for temperature)
// the forecast must move before a captured opportunity re-opens.
const DefaultSignificantChange = 1.0

// OpportunityTracker remembers which (market, cycle) opportunities have
// already produced a trade, and at what forecast value, so a re-emitted
// update cannot double-enter. A forecast that has since moved by at least
// the significant-change threshold re-opens the opportunity.
type OpportunityTracker struct {
	mu                sync.Mutex
	captured          map[oppKey]capturedAt
	ttl               time.Duration
	significantChange float64
}

type oppKey struct {
	marketID  string
	cycleHour int
}

type capturedAt struct {
	value float64
	side  Side
	at    time.Time
}

// NewOpportunityTracker creates a tracker whose entries expire after ttl
// (12h covers every model's cycle spacing with room to spare) and re-open
// when the forecast moves by significantChange or more.
func NewOpportunityTracker(ttl time.Duration, significantChange float64) *OpportunityTracker {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if significantChange <= 0 {
		significantChange = DefaultSignificantChange
	}
	return &OpportunityTracker{
		captured:          make(map[oppKey]capturedAt),
		ttl:               ttl,
		significantChange: significantChange,
	}
}

// Capture marks a (market, cycle) opportunity as taken at the given
// forecast value and side. Returns false when it was already captured at a
// value the forecast has not significantly moved from.
func (t *OpportunityTracker) Capture(marketID string, cycleHour int, value float64, side Side) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	key := oppKey{marketID: marketID, cycleHour: cycleHour}
	if cur, dup := t.captured[key]; dup && math.Abs(value-cur.value) < t.significantChange {
		return false
	}
	t.captured[key] = capturedAt{value: value, side: side, at: time.Now()}
	return true
}

// Captured reports whether a (market, cycle) opportunity is still closed
// at the given forecast value. A significant move since capture re-opens
// the opportunity.
func (t *OpportunityTracker) Captured(marketID string, cycleHour int, value float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	cur, ok := t.captured[oppKey{marketID: marketID, cycleHour: cycleHour}]
	return ok && math.Abs(value-cur.value) < t.significantChange
}

func (t *OpportunityTracker) prune() {
	cutoff := time.Now().Add(-t.ttl)
	for k, c := range t.captured {
		if c.at.Before(cutoff) {
			delete(t.captured, k)
		}
	}
}
