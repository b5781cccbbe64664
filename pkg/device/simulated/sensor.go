// Package simulated provides boat devices driven by seeded random walks.
// They stand in for real NMEA hardware during development and tests.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/nicktill/tinyhelm/pkg/device"
)

// ErrPoweredOff is returned by Sample while a sensor is switched off.
var ErrPoweredOff = errors.New("sensor powered off")

// walk is a bounded random walk. Wrapping walks (headings) roll over
// instead of clamping.
type walk struct {
	value float64
	min   float64
	max   float64
	step  float64
	wrap  bool
}

func (w *walk) next(rng *rand.Rand) float64 {
	w.value += (rng.Float64()*2 - 1) * w.step
	span := w.max - w.min
	switch {
	case w.wrap && w.value >= w.max:
		w.value -= span
	case w.wrap && w.value < w.min:
		w.value += span
	case w.value > w.max:
		w.value = w.max
	case w.value < w.min:
		w.value = w.min
	}
	return w.value
}

// Sensor is a read-only instrument with a power switch.
type Sensor struct {
	mu      sync.Mutex
	kind    string
	powered bool
	rng     *rand.Rand
	names   []string
	walks   map[string]*walk
}

func newSensor(kind string, seed int64) *Sensor {
	return &Sensor{
		kind:    kind,
		powered: true,
		rng:     rand.New(rand.NewSource(seed)),
		walks:   make(map[string]*walk),
	}
}

func (s *Sensor) with(name string, w walk) *Sensor {
	s.names = append(s.names, name)
	s.walks[name] = &w
	return s
}

// Kind returns the sensor kind, e.g. "gps".
func (s *Sensor) Kind() string {
	return s.kind
}

// Quantities declares one quantity per walk, averaged with the State default.
func (s *Sensor) Quantities() []device.Quantity {
	out := make([]device.Quantity, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, device.Quantity{Name: n})
	}
	return out
}

// Sample advances the walk of quantity and returns its value.
func (s *Sensor) Sample(_ context.Context, quantity string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.powered {
		return 0, ErrPoweredOff
	}
	w, ok := s.walks[quantity]
	if !ok {
		return 0, fmt.Errorf("%w: %q", device.ErrUnknownQuantity, quantity)
	}
	return w.next(s.rng), nil
}

// HandleCommand accepts "power on" and "power off".
func (s *Sensor) HandleCommand(_ context.Context, cmd device.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.Join(fields(cmd), " ") {
	case "power on":
		s.powered = true
	case "power off":
		s.powered = false
	default:
		return fmt.Errorf("%w: %s does not understand %q", device.ErrInvalidCommand, s.kind, cmd.String())
	}
	return nil
}

// Powered reports whether the sensor is switched on.
func (s *Sensor) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

func fields(cmd device.Command) []string {
	return strings.Fields(strings.ToLower(cmd.String()))
}

// NewGPS reports latitude and longitude in decimal degrees, starting off Trieste.
func NewGPS(seed int64) *Sensor {
	return newSensor("gps", seed).
		with("latitude", walk{value: 45.6495, min: -90, max: 90, step: 0.0001}).
		with("longitude", walk{value: 13.7768, min: -180, max: 180, step: 0.0001})
}

// NewCompass reports the heading in compass degrees, 0 for north.
func NewCompass(seed int64) *Sensor {
	return newSensor("compass", seed).
		with("heading", walk{value: 90, min: 0, max: 360, step: 2, wrap: true})
}

// NewSpeedLog reports the speed through water in knots.
func NewSpeedLog(seed int64) *Sensor {
	return newSensor("speedlog", seed).
		with("speed", walk{value: 5, min: 0, max: 15, step: 0.2})
}

// NewAnemometer reports apparent wind speed in knots and direction in degrees.
func NewAnemometer(seed int64) *Sensor {
	return newSensor("anemometer", seed).
		with("wind_speed", walk{value: 12, min: 0, max: 60, step: 1}).
		with("wind_direction", walk{value: 45, min: 0, max: 360, step: 5, wrap: true})
}

// NewInclinometer reports pitch (negative: bow up) and roll (negative: port) in degrees.
func NewInclinometer(seed int64) *Sensor {
	return newSensor("inclinometer", seed).
		with("pitch", walk{value: 0, min: -20, max: 20, step: 0.5}).
		with("roll", walk{value: 0, min: -45, max: 45, step: 1})
}

// NewDepthSounder reports the depth below the keel in metres.
func NewDepthSounder(seed int64) *Sensor {
	return newSensor("depthsounder", seed).
		with("depth", walk{value: 18, min: 0.5, max: 300, step: 0.3})
}

// NewRudder reports the rudder angle in degrees (negative: blade to port).
func NewRudder(seed int64) *Sensor {
	return newSensor("rudder", seed).
		with("angle", walk{value: 0, min: -35, max: 35, step: 1})
}
