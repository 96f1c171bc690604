// Package strategy turns arbitrated forecast updates into entry signals
// for the order executor.
package strategy

import (
	"math"
	"sync"
	"time"
)

// Side is which outcome token a signal buys.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Urgency tells the executor how aggressively to chase the entry.
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyNormal    Urgency = "NORMAL"
)

// EntrySignal is a fully sized trade request.
type EntrySignal struct {
	MarketID      string
	TokenID       string
	Side          Side
	Price         float64 // book price snapshot at signal time
	ForecastValue float64 // forecast value the signal acted on, market units
	SizeUSDC      float64
	Kelly         float64
	Urgency       Urgency
	IsGuaranteed  bool
	Confidence    float64
	CycleHour     int
	Reason        string
	Strategy      string
	TraceID       string
	CreatedAt     time.Time
}

// RejectionStats counts, per reason, signals that were considered and
// dropped. The counters feed the periodic strategy log line.
type RejectionStats struct {
	mu      sync.Mutex
	reasons map[string]int64
}

// NewRejectionStats creates an empty counter set.
func NewRejectionStats() *RejectionStats {
	return &RejectionStats{reasons: make(map[string]int64)}
}

// Bump increments a rejection reason.
func (r *RejectionStats) Bump(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[reason]++
}

// Snapshot returns a copy of the counters.
func (r *RejectionStats) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.reasons))
	for k, v := range r.reasons {
		out[k] = v
	}
	return out
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
