package status

import "time"

// Heartbeat tracks the heartbeat cadence, independent of valve activity.
type Heartbeat struct {
	interval time.Duration
	last     time.Time
}

// NewHeartbeat creates a heartbeat whose first beat is due one interval after start.
// An interval <= 0 disables it.
func NewHeartbeat(interval time.Duration, start time.Time) *Heartbeat {
	return &Heartbeat{interval: interval, last: start}
}

// Due reports whether a heartbeat should be emitted at now, and if so records it.
func (h *Heartbeat) Due(now time.Time) bool {
	if h.interval <= 0 {
		return false
	}
	if now.Sub(h.last) < h.interval {
		return false
	}
	h.last = now
	return true
}
