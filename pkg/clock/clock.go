// Package clock abstracts the subset of package time used by the scheduler
// and the averaging windows. Production code uses Real; tests use Fake to
// control apparent time.
package clock

import "time"

type (
	// Clock abstracts time.Now and time.NewTimer.
	Clock interface {
		Now() time.Time
		NewTimer(d time.Duration) Timer
	}

	// Timer abstracts the functionality of time.Timer.
	Timer interface {
		C() <-chan time.Time
		Stop() bool
	}

	realClock struct{}

	realTimer struct {
		*time.Timer
	}
)

// Real is the Clock backed by package time.
var Real Clock = realClock{}

// Now indirects time.Now.
func (realClock) Now() time.Time {
	return time.Now()
}

// NewTimer indirects time.NewTimer.
func (realClock) NewTimer(d time.Duration) Timer {
	return realTimer{Timer: time.NewTimer(d)}
}

// C indirects time.Timer.C.
func (t realTimer) C() <-chan time.Time {
	return t.Timer.C
}
