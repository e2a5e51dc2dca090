package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxAge bounds how long outcomes are retained.
const DefaultMaxAge = 5 * time.Minute

// Counts summarises outcomes within a window. Requests includes denials; Errors excludes them.
type Counts struct {
	Requests  int `json:"requests"`
	Successes int `json:"successes"`
	Errors    int `json:"errors"`
	Denied    int `json:"denied"`
}

// ErrorPct is the share of errors among served (non-denied) requests, 0 when none were served.
func (c Counts) ErrorPct() float64 {
	served := c.Successes + c.Errors
	if served == 0 {
		return 0
	}
	return float64(c.Errors) * 100 / float64(served)
}

// DeniedPct is the share of denials among all requests, 0 when there were none.
func (c Counts) DeniedPct() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Denied) * 100 / float64(c.Requests)
}

// Tracker maintains sliding windows of API outcome timestamps. It is the single source for the
// health endpoint's overload (denials) and degraded (server-side error rate) checks.
type Tracker struct {
	clock  clockwork.Clock
	maxAge time.Duration

	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// New creates a Tracker. A nil clock uses the real clock; maxAge <= 0 uses DefaultMaxAge.
func New(clock clockwork.Clock, maxAge time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{clock: clock, maxAge: maxAge}
}

// RecordSuccess records a request that was answered.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a request that failed server-side (upstream, storage, timeout).
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Snapshot returns outcome counts within the trailing window.
func (t *Tracker) Snapshot(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	c := Counts{
		Successes: countInWindow(t.successTimes, cutoff),
		Errors:    countInWindow(t.errorTimes, cutoff),
		Denied:    countInWindow(t.deniedTimes, cutoff),
	}
	c.Requests = c.Successes + c.Errors + c.Denied
	return c
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Slices are append-ordered, so pruning stops at
// the first retained entry. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
