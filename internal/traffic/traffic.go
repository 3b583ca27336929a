// Package traffic keeps sliding windows of upstream call outcomes for health reporting.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept regardless of the queried window.
const retention = 30 * time.Minute

// Tracker maintains sliding windows of success and error timestamps.
// The zero value is ready to use.
type Tracker struct {
	mu           sync.Mutex
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns a Tracker using clock; nil means time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	return &Tracker{now: clock}
}

// RecordSuccess records a successful upstream call.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a failed upstream call.
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// Record records err == nil as success, anything else as error.
func (t *Tracker) Record(err error) {
	if err != nil {
		t.RecordError()
		return
	}
	t.RecordSuccess()
}

// ErrorRate returns (errorCount, totalCount) within window ending now.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	errors = countSince(t.errorTimes, cutoff)
	total = errors + countSince(t.successTimes, cutoff)
	return errors, total
}

// Degraded reports whether the error percentage in window is at least pct.
// An empty window is never degraded.
func (t *Tracker) Degraded(window time.Duration, pct int) bool {
	if pct <= 0 || window <= 0 {
		return false
	}
	errs, total := t.ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	t.successTimes = pruneBefore(t.successTimes, cutoff)
	t.errorTimes = pruneBefore(t.errorTimes, cutoff)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(times) && times[i].Before(cutoff); i++ {
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}
