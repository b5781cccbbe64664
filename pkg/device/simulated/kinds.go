package simulated

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyhelm/pkg/device"
)

// ErrUnknownKind is returned for a device kind that is not simulated.
var ErrUnknownKind = errors.New("unknown device kind")

var seedCounter atomic.Int64

func init() {
	seedCounter.Store(time.Now().UnixNano())
}

func nextSeed() int64 {
	return seedCounter.Add(1)
}

var kinds = map[string]func(seed int64) device.Device{
	"gps":          func(s int64) device.Device { return NewGPS(s) },
	"compass":      func(s int64) device.Device { return NewCompass(s) },
	"speedlog":     func(s int64) device.Device { return NewSpeedLog(s) },
	"anemometer":   func(s int64) device.Device { return NewAnemometer(s) },
	"inclinometer": func(s int64) device.Device { return NewInclinometer(s) },
	"depthsounder": func(s int64) device.Device { return NewDepthSounder(s) },
	"rudder":       func(s int64) device.Device { return NewRudder(s) },
	"autopilot":    func(int64) device.Device { return NewAutopilot() },
	"engine":       func(s int64) device.Device { return NewEngine(s) },
}

// Kinds returns the names of every simulated device kind, sorted.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Factory returns a device.Factory for kind. Each device it creates gets its
// own random seed.
func Factory(kind string) (device.Factory, error) {
	build, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return func() (device.Device, error) {
		return build(nextSeed()), nil
	}, nil
}

// Registry exposes the simulated kinds through an interface-friendly value.
type Registry struct{}

// Kinds returns every simulated kind, sorted.
func (Registry) Kinds() []string {
	return Kinds()
}

// Factory returns the factory for kind.
func (Registry) Factory(kind string) (device.Factory, error) {
	return Factory(kind)
}
