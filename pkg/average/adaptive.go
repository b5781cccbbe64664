package average

import (
	"sync"
	"time"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

// Adaptive accepts windows of any length. It remembers the largest window
// ever requested and drops samples that no such window can reach again.
// Before the first query only the sample cap bounds memory.
type Adaptive struct {
	mu      sync.Mutex
	buf     buffer
	largest time.Duration
	clock   clock.Clock
}

// NewAdaptive creates an adaptive window.
func NewAdaptive(opts ...Option) *Adaptive {
	o := buildOptions(opts)
	return &Adaptive{
		buf:   buffer{maxSamples: o.maxSamples},
		clock: o.clock,
	}
}

// Register appends a sample and evicts what the largest window can no longer see.
func (a *Adaptive) Register(ts time.Time, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.buf.push(ts, value) {
		return
	}
	if a.largest > 0 {
		a.buf.evictBefore(a.buf.q.Back().Timestamp.Add(-a.largest))
	}
}

// Compute averages the samples of the last d.
func (a *Adaptive) Compute(d time.Duration) (float64, error) {
	return a.ComputeAt(a.clock.Now(), d)
}

// ComputeAt averages the samples stamped in [now-d, now] and widens the
// eviction horizon to d if it is the largest window seen so far.
func (a *Adaptive) ComputeAt(now time.Time, d time.Duration) (float64, error) {
	if d < 0 {
		return 0, ErrNegativeDuration
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if d > a.largest {
		a.largest = d
	}
	mean, err := a.buf.mean(now.Add(-d), now)

	if a.largest > 0 {
		a.buf.evictBefore(now.Add(-a.largest))
	}
	return mean, err
}

// Stats reports the retained samples.
func (a *Adaptive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.stats()
}

// Largest returns the largest window requested so far.
func (a *Adaptive) Largest() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.largest
}
