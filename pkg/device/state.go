package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nicktill/tinyhelm/pkg/average"
)

// DefaultRetention is the averaging horizon of quantities that do not
// declare their own strategy.
const DefaultRetention = 10 * time.Minute

// Reading is the latest value of a quantity.
type Reading struct {
	Quantity  string    `json:"quantity"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// quantityState pairs the latest reading with the averaging strategy.
// mu is held exclusively across both updates so readers never see one
// advanced without the other.
type quantityState struct {
	mu       sync.RWMutex
	latest   Reading
	sampled  bool
	count    uint64
	strategy average.Strategy
}

// State owns the quantities of one mounted device. The quantity set is fixed
// at construction, so the map itself needs no lock; each quantity has its own.
type State struct {
	dev        Device
	kind       string
	names      []string
	quantities map[string]*quantityState
}

type stateOptions struct {
	defaultAverage average.Factory
}

// StateOption configures a State.
type StateOption func(*stateOptions)

// WithDefaultAverage sets the strategy used by quantities that declare none.
func WithDefaultAverage(f average.Factory) StateOption {
	return func(o *stateOptions) {
		if f != nil {
			o.defaultAverage = f
		}
	}
}

// NewState validates the device's declared quantities and builds their stores.
func NewState(dev Device, opts ...StateOption) (*State, error) {
	o := stateOptions{
		defaultAverage: average.WindowFactory(DefaultRetention),
	}
	for _, opt := range opts {
		opt(&o)
	}

	declared := dev.Quantities()
	if len(declared) == 0 {
		return nil, fmt.Errorf("%w: device declares no quantities", ErrInvalidQuantity)
	}

	s := &State{
		dev:        dev,
		kind:       KindOf(dev),
		names:      make([]string, 0, len(declared)),
		quantities: make(map[string]*quantityState, len(declared)),
	}
	for _, q := range declared {
		if q.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidQuantity)
		}
		if _, dup := s.quantities[q.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidQuantity, q.Name)
		}

		factory := q.Average
		if factory == nil {
			factory = o.defaultAverage
		}
		s.names = append(s.names, q.Name)
		s.quantities[q.Name] = &quantityState{strategy: factory()}
	}
	return s, nil
}

// Kind returns the device kind.
func (s *State) Kind() string {
	return s.kind
}

// Quantities returns the declared quantity names in declaration order.
func (s *State) Quantities() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *State) lookup(name string) (*quantityState, error) {
	q, ok := s.quantities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuantity, name)
	}
	return q, nil
}

// RegisterSample records value as the latest reading of name and feeds it
// to the quantity's averaging strategy. NaN and infinite values are rejected
// with ErrInvalidSample and leave the quantity untouched.
func (s *State) RegisterSample(name string, value float64, ts time.Time) error {
	q, err := s.lookup(name)
	if err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %q reported %v", ErrInvalidSample, name, value)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.latest = Reading{Quantity: name, Value: value, Timestamp: ts}
	q.sampled = true
	q.count++
	q.strategy.Register(ts, value)
	return nil
}

// ReadLatest returns the latest reading of name.
func (s *State) ReadLatest(name string) (Reading, error) {
	q, err := s.lookup(name)
	if err != nil {
		return Reading{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.sampled {
		return Reading{}, fmt.Errorf("%w: %q", ErrNoReading, name)
	}
	return q.latest, nil
}

// ReadAverage returns the moving average of name over the last d.
func (s *State) ReadAverage(name string, d time.Duration) (float64, error) {
	q, err := s.lookup(name)
	if err != nil {
		return 0, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	mean, err := q.strategy.Compute(d)
	if err != nil {
		return 0, fmt.Errorf("average %q over %v: %w", name, d, err)
	}
	return mean, nil
}

// Count returns how many samples were registered for name.
func (s *State) Count(name string) (uint64, error) {
	q, err := s.lookup(name)
	if err != nil {
		return 0, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.count, nil
}

// WindowStats reports what the averaging strategy of name retains.
func (s *State) WindowStats(name string) (average.Stats, error) {
	q, err := s.lookup(name)
	if err != nil {
		return average.Stats{}, err
	}
	return q.strategy.Stats(), nil
}

// Snapshot returns the latest reading of every quantity sampled so far.
func (s *State) Snapshot() []Reading {
	out := make([]Reading, 0, len(s.names))
	for _, name := range s.names {
		q := s.quantities[name]
		q.mu.RLock()
		if q.sampled {
			out = append(out, q.latest)
		}
		q.mu.RUnlock()
	}
	return out
}

// Poll is the sampling step run once per scheduler tick. Every declared
// quantity is sampled once; a quantity whose sample fails keeps its previous
// reading and the failure is joined into the returned error.
func (s *State) Poll(ctx context.Context, now time.Time) error {
	var errs []error
	for _, name := range s.names {
		value, err := s.sample(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("sample %q: %w", name, err))
			continue
		}
		if err := s.RegisterSample(name, value, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *State) sample(ctx context.Context, name string) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device panicked: %v", r)
		}
	}()
	return s.dev.Sample(ctx, name)
}

// SendCommand forwards cmd to the device.
func (s *State) SendCommand(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	return s.dev.HandleCommand(ctx, cmd)
}
