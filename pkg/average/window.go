package average

import (
	"sync"
	"time"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

// Window keeps the samples of the last Retention and averages any window.
// Windows longer than the retention average whatever is still retained.
type Window struct {
	mu        sync.Mutex
	buf       buffer
	retention time.Duration
	clock     clock.Clock
}

// NewWindow creates a bounded-horizon window. A retention of zero or less
// disables the horizon; only the sample cap applies then.
func NewWindow(retention time.Duration, opts ...Option) *Window {
	o := buildOptions(opts)
	return &Window{
		buf:       buffer{maxSamples: o.maxSamples},
		retention: retention,
		clock:     o.clock,
	}
}

// Register appends a sample and evicts what fell out of the horizon.
func (w *Window) Register(ts time.Time, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.buf.push(ts, value) {
		return
	}
	if w.retention > 0 {
		w.buf.evictBefore(w.buf.q.Back().Timestamp.Add(-w.retention))
	}
}

// Compute averages the samples of the last d.
func (w *Window) Compute(d time.Duration) (float64, error) {
	return w.ComputeAt(w.clock.Now(), d)
}

// ComputeAt averages the samples stamped in [now-d, now].
func (w *Window) ComputeAt(now time.Time, d time.Duration) (float64, error) {
	if d < 0 {
		return 0, ErrNegativeDuration
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.mean(now.Add(-d), now)
}

// Stats reports the retained samples.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.stats()
}

// Retention returns the configured horizon.
func (w *Window) Retention() time.Duration {
	return w.retention
}
