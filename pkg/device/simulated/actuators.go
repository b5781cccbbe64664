package simulated

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/nicktill/tinyhelm/pkg/device"
)

// Autopilot holds a compass course when engaged.
type Autopilot struct {
	mu      sync.Mutex
	engaged bool
	course  float64
}

// NewAutopilot creates a disengaged autopilot.
func NewAutopilot() *Autopilot {
	return &Autopilot{}
}

// Kind returns "autopilot".
func (a *Autopilot) Kind() string {
	return "autopilot"
}

// Quantities declares engaged (0 or 1) and the target course.
func (a *Autopilot) Quantities() []device.Quantity {
	return []device.Quantity{{Name: "engaged"}, {Name: "course"}}
}

// Sample reports the autopilot state.
func (a *Autopilot) Sample(_ context.Context, quantity string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch quantity {
	case "engaged":
		return boolValue(a.engaged), nil
	case "course":
		return a.course, nil
	}
	return 0, fmt.Errorf("%w: %q", device.ErrUnknownQuantity, quantity)
}

// HandleCommand accepts "engage <degrees>" and "disengage".
func (a *Autopilot) HandleCommand(_ context.Context, cmd device.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := fields(cmd)
	switch {
	case len(f) == 2 && f[0] == "engage":
		course, err := strconv.ParseFloat(f[1], 64)
		if err != nil || course < 0 || course >= 360 {
			return fmt.Errorf("%w: course must be in [0, 360), got %q", device.ErrInvalidCommand, f[1])
		}
		a.engaged = true
		a.course = course
	case len(f) == 1 && f[0] == "disengage":
		if !a.engaged {
			return fmt.Errorf("%w: autopilot is not engaged", device.ErrInvalidCommand)
		}
		a.engaged = false
	default:
		return fmt.Errorf("%w: autopilot does not understand %q", device.ErrInvalidCommand, cmd.String())
	}
	return nil
}

// MaxRPM is the engine's rev limit.
const MaxRPM = 4000

// Engine runs forward or in reverse at a commanded rpm.
type Engine struct {
	mu        sync.Mutex
	rng       *rand.Rand
	running   bool
	direction float64
	target    float64
	rpm       float64
}

// NewEngine creates a stopped engine in forward gear.
func NewEngine(seed int64) *Engine {
	return &Engine{
		rng:       rand.New(rand.NewSource(seed)),
		direction: 1,
	}
}

// Kind returns "engine".
func (e *Engine) Kind() string {
	return "engine"
}

// Quantities declares running (0 or 1), rpm and direction (1 forward, -1 reverse).
func (e *Engine) Quantities() []device.Quantity {
	return []device.Quantity{{Name: "running"}, {Name: "rpm"}, {Name: "direction"}}
}

// Sample reports the engine state. Rpm converges on the target with some jitter.
func (e *Engine) Sample(_ context.Context, quantity string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch quantity {
	case "running":
		return boolValue(e.running), nil
	case "direction":
		return e.direction, nil
	case "rpm":
		target := 0.0
		if e.running {
			target = e.target
		}
		e.rpm += (target - e.rpm) / 2
		if e.running && e.rpm > 0 {
			e.rpm = math.Max(0, e.rpm+(e.rng.Float64()*2-1)*10)
		}
		return math.Round(e.rpm), nil
	}
	return 0, fmt.Errorf("%w: %q", device.ErrUnknownQuantity, quantity)
}

// HandleCommand accepts "start", "stop", "rpm <n>", "forward" and "reverse".
// Gear changes require the engine to be idle.
func (e *Engine) HandleCommand(_ context.Context, cmd device.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := fields(cmd)
	if len(f) == 0 {
		return fmt.Errorf("%w: empty command", device.ErrInvalidCommand)
	}

	switch f[0] {
	case "start":
		if e.running {
			return fmt.Errorf("%w: engine already running", device.ErrInvalidCommand)
		}
		e.running = true
		e.target = 800
	case "stop":
		if !e.running {
			return fmt.Errorf("%w: engine not running", device.ErrInvalidCommand)
		}
		e.running = false
		e.target = 0
	case "rpm":
		if len(f) != 2 {
			return fmt.Errorf("%w: usage: rpm <n>", device.ErrInvalidCommand)
		}
		rpm, err := strconv.ParseFloat(f[1], 64)
		if err != nil || rpm < 0 || rpm > MaxRPM {
			return fmt.Errorf("%w: rpm must be in [0, %d], got %q", device.ErrInvalidCommand, MaxRPM, f[1])
		}
		if !e.running {
			return fmt.Errorf("%w: engine not running", device.ErrInvalidCommand)
		}
		e.target = rpm
	case "forward", "reverse":
		if e.running && e.target > 1000 {
			return fmt.Errorf("%w: reduce rpm below 1000 before changing gear", device.ErrInvalidCommand)
		}
		e.direction = 1
		if f[0] == "reverse" {
			e.direction = -1
		}
	default:
		return fmt.Errorf("%w: engine does not understand %q", device.ErrInvalidCommand, cmd.String())
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
