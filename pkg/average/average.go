package average

import (
	"errors"
	"time"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

var (
	// ErrEmptyWindow is returned when no sample falls inside the requested window.
	ErrEmptyWindow = errors.New("no samples in averaging window")

	// ErrNegativeDuration is returned when a window duration is below zero.
	ErrNegativeDuration = errors.New("averaging window must not be negative")
)

// DefaultMaxSamples bounds every buffer that is not given an explicit cap.
// At 5 Hz this is a little over an hour of samples.
const DefaultMaxSamples = 1 << 14

// Sample is one timestamped observation of a quantity.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Strategy ingests samples of one quantity and answers moving-average queries.
// Register and Compute may be called concurrently.
type Strategy interface {
	// Register appends a sample taken at ts.
	Register(ts time.Time, value float64)

	// Compute returns the mean of the samples in [now-d, now], where now is
	// read from the strategy's clock.
	Compute(d time.Duration) (float64, error)

	// ComputeAt is Compute with an explicit evaluation time.
	ComputeAt(now time.Time, d time.Duration) (float64, error)

	// Stats reports what is currently retained.
	Stats() Stats
}

// Factory builds a fresh Strategy for one quantity.
type Factory func() Strategy

// Stats describes the retained samples of a strategy.
type Stats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

type options struct {
	clock      clock.Clock
	maxSamples int
}

// Option configures a strategy.
type Option func(*options)

// WithClock sets the clock used by Compute. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMaxSamples caps the number of retained samples. Oldest samples are
// dropped first. Zero or negative keeps DefaultMaxSamples.
func WithMaxSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSamples = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:      clock.Real,
		maxSamples: DefaultMaxSamples,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WindowFactory returns a Factory of bounded-horizon windows.
func WindowFactory(retention time.Duration, opts ...Option) Factory {
	return func() Strategy {
		return NewWindow(retention, opts...)
	}
}

// AdaptiveFactory returns a Factory of adaptive windows.
func AdaptiveFactory(opts ...Option) Factory {
	return func() Strategy {
		return NewAdaptive(opts...)
	}
}
