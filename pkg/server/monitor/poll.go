package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

// MaxConsecutiveFailures is how many polls in a row a device may fail before
// the hub reports itself unhealthy.
const MaxConsecutiveFailures = 3

// PollMonitor tracks per-device polling health. It implements
// scheduler.Reporter. The zero value is ready to use.
type PollMonitor struct {
	mu      sync.RWMutex
	Clock   clock.Clock
	devices map[string]*deviceHealth
}

type deviceHealth struct {
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastTook          time.Duration
	consecutiveErrors int
	lastError         string
	polls             uint64
	failures          uint64
	overruns          uint64
}

func (pm *PollMonitor) now() time.Time {
	if pm.Clock == nil {
		return time.Now()
	}
	return pm.Clock.Now()
}

// device returns the entry for id, creating it. Callers hold pm.mu.
func (pm *PollMonitor) device(id string) *deviceHealth {
	if pm.devices == nil {
		pm.devices = make(map[string]*deviceHealth)
	}
	d, ok := pm.devices[id]
	if !ok {
		d = &deviceHealth{}
		pm.devices[id] = d
	}
	return d
}

// RecordSuccess records a successful poll.
func (pm *PollMonitor) RecordSuccess(id string, took time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.now()
	d := pm.device(id)
	d.lastSuccess = now
	d.lastAttempt = now
	d.lastTook = took
	d.consecutiveErrors = 0
	d.lastError = ""
	d.polls++
}

// RecordFailure records a failed poll.
func (pm *PollMonitor) RecordFailure(id string, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	d := pm.device(id)
	d.lastAttempt = pm.now()
	d.consecutiveErrors++
	d.polls++
	d.failures++
	if err != nil {
		d.lastError = err.Error()
	}
}

// RecordOverrun records a tick skipped because the previous poll was still running.
func (pm *PollMonitor) RecordOverrun(id string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.device(id).overruns++
}

// Forget drops the history of a removed device.
func (pm *PollMonitor) Forget(id string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.devices, id)
}

// IsHealthy returns false once any device has failed more than
// MaxConsecutiveFailures polls in a row.
func (pm *PollMonitor) IsHealthy() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.healthyLocked()
}

func (pm *PollMonitor) healthyLocked() bool {
	for _, d := range pm.devices {
		if d.consecutiveErrors > MaxConsecutiveFailures {
			return false
		}
	}
	return true
}

// DeviceStatus is the polling health of one device.
type DeviceStatus struct {
	ID                string `json:"id"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastPollDuration  string `json:"last_poll_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	Polls             uint64 `json:"polls"`
	Failures          uint64 `json:"failures"`
	Overruns          uint64 `json:"overruns"`
}

// PollStatus is the polling health of the whole hub.
type PollStatus struct {
	Healthy bool           `json:"healthy"`
	Devices []DeviceStatus `json:"devices"`
}

// Status returns current polling status for health checks, devices sorted by id.
func (pm *PollMonitor) Status() PollStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	now := pm.now()
	status := PollStatus{
		Healthy: pm.healthyLocked(),
		Devices: make([]DeviceStatus, 0, len(pm.devices)),
	}

	for id, d := range pm.devices {
		ds := DeviceStatus{
			ID:       id,
			Healthy:  d.consecutiveErrors <= MaxConsecutiveFailures,
			Polls:    d.polls,
			Failures: d.failures,
			Overruns: d.overruns,
		}
		if !d.lastSuccess.IsZero() {
			ds.LastSuccess = d.lastSuccess.Format(time.RFC3339)
			ds.TimeSinceSuccess = now.Sub(d.lastSuccess).String()
			ds.LastPollDuration = d.lastTook.String()
		}
		if !d.lastAttempt.IsZero() {
			ds.LastAttempt = d.lastAttempt.Format(time.RFC3339)
		}
		if d.consecutiveErrors > 0 {
			ds.ConsecutiveErrors = d.consecutiveErrors
			ds.LastError = d.lastError
		}
		status.Devices = append(status.Devices, ds)
	}

	sort.Slice(status.Devices, func(i, j int) bool {
		return status.Devices[i].ID < status.Devices[j].ID
	})
	return status
}
