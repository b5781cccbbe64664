// Package scheduler drives the periodic sampling of every mounted device.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

var (
	// ErrDuplicateID is returned when adding an id that is already scheduled.
	ErrDuplicateID = errors.New("device already scheduled")

	// ErrNotRegistered is returned when removing an id that is not scheduled.
	ErrNotRegistered = errors.New("device not scheduled")

	// ErrAlreadyRunning is returned when Run or Start is called twice.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// maxLogBackoff caps how long repeated failures of one device stay silent.
const maxLogBackoff = 5 * time.Minute

// Pollable is one device's sampling step.
type Pollable interface {
	Poll(ctx context.Context, now time.Time) error
}

// Reporter receives the outcome of every poll.
type Reporter interface {
	RecordSuccess(id string, took time.Duration)
	RecordFailure(id string, err error)
	RecordOverrun(id string)
}

// TickReport summarizes one tick.
type TickReport struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Polled  int       `json:"polled"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
}

// target is one scheduled device. busy prevents overlapping polls; mu is held
// for the duration of a poll so Remove can wait for it.
type target struct {
	id   string
	p    Pollable
	busy atomic.Bool

	mu         sync.Mutex
	removed    bool
	failures   int
	lastLogged time.Time
}

// Scheduler polls every registered device once per period.
type Scheduler struct {
	period   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	reporter Reporter

	mu      sync.Mutex
	targets map[string]*target
	seq     uint64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	inflight sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithReporter sets the receiver of poll outcomes.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

// New creates a stopped scheduler ticking at freq.
func New(freq Frequency, opts ...Option) (*Scheduler, error) {
	period, err := freq.Period()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		period:   period,
		clock:    clock.Real,
		logger:   slog.Default(),
		reporter: nopReporter{},
		targets:  make(map[string]*target),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Period returns the time between ticks.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Len returns the number of scheduled devices.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// Add schedules p under id. A device added during a tick joins the next one.
func (s *Scheduler) Add(id string, p Pollable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.targets[id] = &target{id: id, p: p}
	return nil
}

// Remove unschedules id. If the device is being polled, Remove waits for that
// poll to finish; once Remove returns the device is never polled again.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	t, ok := s.targets[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(s.targets, id)
	s.mu.Unlock()

	t.mu.Lock()
	t.removed = true
	t.mu.Unlock()
	return nil
}

// Tick runs one tick synchronously and returns once every poll it started
// has finished. It must not be called concurrently with Stop.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	return s.tick(ctx).wait()
}

// Run ticks at start+n*period until ctx is done, then waits for in-flight
// polls and returns nil. Ticks missed because the process stalled are
// skipped rather than fired back to back.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.inflight.Wait()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("Polling scheduler stopped")
	}()

	start := s.clock.Now()
	s.logger.Info("Polling scheduler started", "period", s.period, "devices", s.Len())

	for n := int64(1); ; n++ {
		next := start.Add(time.Duration(n) * s.period)
		now := s.clock.Now()
		// A tick less than one period late fires immediately; only ticks a
		// whole period or more in the past are dropped.
		if late := now.Sub(next); late >= s.period {
			missed := int64(late / s.period)
			n += missed
			next = start.Add(time.Duration(n) * s.period)
			s.logger.Warn("Polling scheduler fell behind, skipping ticks", "skipped", missed)
		}

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}

		s.tick(ctx)
	}
}

// Start runs the scheduler in the background until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.logger.Error("Polling scheduler failed to start", "error", err)
		}
	}()
	return nil
}

// Stop halts future ticks and waits for in-flight polls. It is a no-op if the
// scheduler was not started with Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// tickRun collects the outcome of the polls started by one tick.
type tickRun struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	report TickReport
}

func (r *tickRun) count(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case polled:
		r.report.Polled++
	case failed:
		r.report.Failed++
	case skipped:
		r.report.Skipped++
	}
}

func (r *tickRun) wait() TickReport {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

type outcome int

const (
	polled outcome = iota
	failed
	skipped
)

// tick dispatches one poll per registered device, each in its own goroutine.
// Polls get a context that outlives shutdown so they always run to completion.
func (s *Scheduler) tick(ctx context.Context) *tickRun {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	targets := make([]*target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	run := &tickRun{report: TickReport{Seq: seq, At: now}}
	pollCtx := context.WithoutCancel(ctx)

	for _, t := range targets {
		if !t.busy.CompareAndSwap(false, true) {
			s.reporter.RecordOverrun(t.id)
			s.logger.Debug("Previous poll still running, skipping device", "device", t.id, "tick", seq)
			run.count(skipped)
			continue
		}

		run.wg.Add(1)
		s.inflight.Add(1)
		go func(t *target) {
			defer s.inflight.Done()
			defer run.wg.Done()
			defer t.busy.Store(false)
			run.count(s.poll(pollCtx, t, seq, now))
		}(t)
	}
	return run
}

func (s *Scheduler) poll(ctx context.Context, t *target, seq uint64, now time.Time) outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return skipped
	}

	start := s.clock.Now()
	err := safePoll(ctx, t.p, now)
	if err != nil {
		s.reporter.RecordFailure(t.id, err)
		s.logFailure(t, seq, err)
		return failed
	}

	s.reporter.RecordSuccess(t.id, s.clock.Now().Sub(start))
	if t.failures > 0 {
		s.logger.Info("Device recovered", "device", t.id, "failed_polls", t.failures)
		t.failures = 0
		t.lastLogged = time.Time{}
	}
	return polled
}

// logFailure logs with exponential backoff (1s, 2s, 4s, ... capped at
// maxLogBackoff) so a dead sensor polled at 5 Hz does not flood the log.
func (s *Scheduler) logFailure(t *target, seq uint64, err error) {
	t.failures++
	now := s.clock.Now()

	backoff := time.Duration(1<<uint(min(t.failures-1, 9))) * time.Second
	if backoff > maxLogBackoff {
		backoff = maxLogBackoff
	}
	if !t.lastLogged.IsZero() && now.Sub(t.lastLogged) < backoff {
		return
	}
	t.lastLogged = now
	s.logger.Warn("Device poll failed",
		"device", t.id,
		"tick", seq,
		"consecutive_failures", t.failures,
		"error", err,
	)
}

func safePoll(ctx context.Context, p Pollable, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()
	return p.Poll(ctx, now)
}

type nopReporter struct{}

func (nopReporter) RecordSuccess(string, time.Duration) {}
func (nopReporter) RecordFailure(string, error)         {}
func (nopReporter) RecordOverrun(string)                {}
