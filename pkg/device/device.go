// Package device defines the capability boundary of a boat device and the
// per-device quantity store fed by the polling scheduler.
package device

import (
	"context"
	"errors"

	"github.com/nicktill/tinyhelm/pkg/average"
)

var (
	// ErrUnknownQuantity is returned for a quantity the device does not declare.
	ErrUnknownQuantity = errors.New("unknown quantity")

	// ErrInvalidQuantity is returned when a device declares an empty or duplicate quantity.
	ErrInvalidQuantity = errors.New("invalid quantity declaration")

	// ErrNoReading is returned when a declared quantity has not been sampled yet.
	ErrNoReading = errors.New("no reading yet")

	// ErrInvalidSample is returned when a sample value is NaN or infinite.
	ErrInvalidSample = errors.New("invalid sample value")

	// ErrInvalidCommand is wrapped by devices that reject a command.
	ErrInvalidCommand = errors.New("invalid command")
)

// Device is implemented by every concrete sensor or actuator.
type Device interface {
	// Quantities declares what the device measures. It is read once, when the
	// device is mounted.
	Quantities() []Quantity

	// Sample reads the current value of one declared quantity.
	Sample(ctx context.Context, quantity string) (float64, error)

	// HandleCommand executes a device-specific command. Rejections wrap
	// ErrInvalidCommand.
	HandleCommand(ctx context.Context, cmd Command) error
}

// Kinded is optionally implemented by devices that report a display kind.
type Kinded interface {
	Kind() string
}

// Quantity declares one measured quantity and how it is averaged.
// A nil Average uses the State default.
type Quantity struct {
	Name    string
	Average average.Factory
}

// Factory creates a device.
type Factory func() (Device, error)

// Command is an opaque instruction forwarded to a device.
type Command interface {
	String() string
}

// Text is a command backed by a plain string, e.g. "rpm 2000".
type Text string

func (t Text) String() string {
	return string(t)
}

// KindOf returns the kind of d, or "device" when it does not report one.
func KindOf(d Device) string {
	if k, ok := d.(Kinded); ok {
		return k.Kind()
	}
	return "device"
}
