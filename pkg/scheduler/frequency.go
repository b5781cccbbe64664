package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFrequency is returned for frequencies that do not yield a positive period.
var ErrInvalidFrequency = errors.New("invalid polling frequency")

// Unit is the time unit pulses are counted in.
type Unit string

const (
	Millisecond Unit = "millisecond"
	Second      Unit = "second"
	Minute      Unit = "minute"
)

// Duration returns the length of one unit.
func (u Unit) Duration() (time.Duration, error) {
	switch u {
	case Millisecond:
		return time.Millisecond, nil
	case Second:
		return time.Second, nil
	case Minute:
		return time.Minute, nil
	}
	return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidFrequency, string(u))
}

// ParseUnit accepts the unit names and their usual abbreviations.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ms", "millisecond", "milliseconds":
		return Millisecond, nil
	case "s", "sec", "second", "seconds":
		return Second, nil
	case "m", "min", "minute", "minutes":
		return Minute, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidFrequency, s)
}

// Frequency is a number of polling pulses per unit of time, e.g. 5 per second.
type Frequency struct {
	Pulses int
	Unit   Unit
}

// Hz is shorthand for n pulses per second.
func Hz(n int) Frequency {
	return Frequency{Pulses: n, Unit: Second}
}

// Period returns the time between two pulses.
func (f Frequency) Period() (time.Duration, error) {
	if f.Pulses <= 0 {
		return 0, fmt.Errorf("%w: pulses must be positive, got %d", ErrInvalidFrequency, f.Pulses)
	}
	unit, err := f.Unit.Duration()
	if err != nil {
		return 0, err
	}
	period := unit / time.Duration(f.Pulses)
	if period <= 0 {
		return 0, fmt.Errorf("%w: %s is too fast", ErrInvalidFrequency, f)
	}
	return period, nil
}

func (f Frequency) String() string {
	return fmt.Sprintf("%d/%s", f.Pulses, f.Unit)
}

// ParseFrequency parses "<pulses>/<unit>" (e.g. "5/second", "30/min") or
// "<n>hz".
func ParseFrequency(s string) (Frequency, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if n, ok := strings.CutSuffix(s, "hz"); ok {
		pulses, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return Frequency{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
		}
		f := Hz(pulses)
		if _, err := f.Period(); err != nil {
			return Frequency{}, err
		}
		return f, nil
	}

	n, u, ok := strings.Cut(s, "/")
	if !ok {
		return Frequency{}, fmt.Errorf("%w: want <pulses>/<unit>, got %q", ErrInvalidFrequency, s)
	}
	pulses, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil {
		return Frequency{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	unit, err := ParseUnit(u)
	if err != nil {
		return Frequency{}, err
	}

	f := Frequency{Pulses: pulses, Unit: unit}
	if _, err := f.Period(); err != nil {
		return Frequency{}, err
	}
	return f, nil
}
