// Package panel is the entry point for everything that talks to mounted
// devices. Callers hold opaque handles; the panel resolves them to device
// state and keeps the polling scheduler in step with its registry.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyhelm/pkg/clock"
	"github.com/nicktill/tinyhelm/pkg/device"
	"github.com/nicktill/tinyhelm/pkg/scheduler"
)

// ErrUnknownHandle is returned for a handle that was never issued or whose
// device has been removed.
var ErrUnknownHandle = errors.New("unknown device handle")

// Handle identifies a mounted device. Handles are never reused.
type Handle string

func (h Handle) String() string {
	return string(h)
}

// Scheduler is the part of the polling scheduler the panel drives.
type Scheduler interface {
	Add(id string, p scheduler.Pollable) error
	Remove(id string) error
}

// Info describes a mounted device.
type Info struct {
	Handle     Handle    `json:"handle"`
	Kind       string    `json:"kind"`
	Quantities []string  `json:"quantities"`
	Added      time.Time `json:"added"`
}

// TaggedReading is a reading together with the device it came from.
type TaggedReading struct {
	Handle Handle `json:"handle"`
	Kind   string `json:"kind"`
	device.Reading
}

// mounted is one registry entry. removing is guarded by Panel.mu and marks
// an entry whose RemoveDevice is waiting on the scheduler.
type mounted struct {
	state    *device.State
	info     Info
	removing bool
}

// Panel routes requests to mounted devices by handle.
type Panel struct {
	sched     Scheduler
	logger    *slog.Logger
	clock     clock.Clock
	stateOpts []device.StateOption

	mu      sync.RWMutex
	devices map[Handle]*mounted
}

// Option configures a Panel.
type Option func(*Panel)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Panel) {
		p.logger = l
	}
}

// WithClock sets the clock used to stamp mount times.
func WithClock(c clock.Clock) Option {
	return func(p *Panel) {
		p.clock = c
	}
}

// WithStateOptions passes options to every device.State the panel builds.
func WithStateOptions(opts ...device.StateOption) Option {
	return func(p *Panel) {
		p.stateOpts = append(p.stateOpts, opts...)
	}
}

// New creates an empty panel that schedules its devices on sched.
func New(sched Scheduler, opts ...Option) *Panel {
	p := &Panel{
		sched:   sched,
		logger:  slog.Default(),
		clock:   clock.Real,
		devices: make(map[Handle]*mounted),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddDevice creates a device, validates its quantities and mounts it. The
// device is polled from the next scheduler tick on.
func (p *Panel) AddDevice(ctx context.Context, factory device.Factory) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dev, err := factory()
	if err != nil {
		return "", fmt.Errorf("create device: %w", err)
	}
	st, err := device.NewState(dev, p.stateOpts...)
	if err != nil {
		return "", fmt.Errorf("mount device: %w", err)
	}

	h := Handle(uuid.NewString())
	m := &mounted{
		state: st,
		info: Info{
			Handle:     h,
			Kind:       st.Kind(),
			Quantities: st.Quantities(),
			Added:      p.clock.Now(),
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.devices[h] = m
	if err := p.sched.Add(string(h), st); err != nil {
		delete(p.devices, h)
		return "", fmt.Errorf("schedule device: %w", err)
	}

	p.logger.Info("Device mounted", "handle", h, "kind", m.info.Kind, "quantities", len(m.info.Quantities))
	return h, nil
}

// RemoveDevice unmounts h. It waits for an in-flight poll of the device, so
// once it returns the device is never sampled again. The registry lock is not
// held during that wait; other devices stay readable while a slow poll
// finishes.
func (p *Panel) RemoveDevice(h Handle) error {
	p.mu.Lock()
	m, ok := p.devices[h]
	if !ok || m.removing {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	m.removing = true
	p.mu.Unlock()

	if err := p.sched.Remove(string(h)); err != nil && !errors.Is(err, scheduler.ErrNotRegistered) {
		p.mu.Lock()
		m.removing = false
		p.mu.Unlock()
		return fmt.Errorf("unschedule device: %w", err)
	}

	p.mu.Lock()
	delete(p.devices, h)
	p.mu.Unlock()

	p.logger.Info("Device removed", "handle", h, "kind", m.info.Kind)
	return nil
}

func (p *Panel) lookup(h Handle) (*mounted, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.devices[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return m, nil
}

// ReadLatest returns the latest reading of quantity on h.
func (p *Panel) ReadLatest(h Handle, quantity string) (device.Reading, error) {
	m, err := p.lookup(h)
	if err != nil {
		return device.Reading{}, err
	}
	return m.state.ReadLatest(quantity)
}

// ReadAverage returns the moving average of quantity on h over the last d.
func (p *Panel) ReadAverage(h Handle, quantity string, d time.Duration) (float64, error) {
	m, err := p.lookup(h)
	if err != nil {
		return 0, err
	}
	return m.state.ReadAverage(quantity, d)
}

// Count returns how many samples of quantity h has registered.
func (p *Panel) Count(h Handle, quantity string) (uint64, error) {
	m, err := p.lookup(h)
	if err != nil {
		return 0, err
	}
	return m.state.Count(quantity)
}

// SendCommand forwards cmd to the device behind h.
func (p *Panel) SendCommand(ctx context.Context, h Handle, cmd device.Command) error {
	m, err := p.lookup(h)
	if err != nil {
		return err
	}
	if err := m.state.SendCommand(ctx, cmd); err != nil {
		return err
	}
	p.logger.Debug("Command delivered", "handle", h, "command", cmd.String())
	return nil
}

// Info describes the device behind h.
func (p *Panel) Info(h Handle) (Info, error) {
	m, err := p.lookup(h)
	if err != nil {
		return Info{}, err
	}
	info := m.info
	info.Quantities = append([]string(nil), m.info.Quantities...)
	return info, nil
}

// Readings returns the latest reading of every sampled quantity of h.
func (p *Panel) Readings(h Handle) ([]device.Reading, error) {
	m, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	return m.state.Snapshot(), nil
}

// List describes every mounted device, oldest first.
func (p *Panel) List() []Info {
	p.mu.RLock()
	out := make([]Info, 0, len(p.devices))
	for _, m := range p.devices {
		out = append(out, m.info)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Added.Equal(out[j].Added) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].Added.Before(out[j].Added)
	})
	return out
}

// Len returns the number of mounted devices.
func (p *Panel) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.devices)
}

// Snapshot returns the latest readings of every mounted device.
func (p *Panel) Snapshot() []TaggedReading {
	p.mu.RLock()
	devices := make([]*mounted, 0, len(p.devices))
	for _, m := range p.devices {
		devices = append(devices, m)
	}
	p.mu.RUnlock()

	var out []TaggedReading
	for _, m := range devices {
		for _, r := range m.state.Snapshot() {
			out = append(out, TaggedReading{Handle: m.info.Handle, Kind: m.info.Kind, Reading: r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Handle != out[j].Handle {
			return out[i].Handle < out[j].Handle
		}
		return out[i].Quantity < out[j].Quantity
	})
	return out
}
