// Package status provides a thread-safe status tracker for the irrigation controller.
// It is written by the control loop and read by HTTP handlers and MQTT status publishing.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Health contains device health readings. A negative LinkQuality means unknown
// (wired link or no wireless statistics).
type Health struct {
	MemAvailableKB int64
	LinkQuality    int
}

// Config contains daemon configuration for display.
type Config struct {
	StaggerMs       int64
	CloseDelayMs    int64
	SafetyCeilingMs int64
	SweepMs         int64
	HeartbeatMs     int64
	Broker          string
	HTTPAddr        string
	NATS            bool
	History         bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	DeviceID      string
	BootID        string
	Valves        valve.Snapshot
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Health        Health
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given identity, start time and config.
func NewTracker(deviceID, bootID string, startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			DeviceID:  deviceID,
			BootID:    bootID,
			StartTime: startTime,
			Health:    Health{LinkQuality: -1},
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used to stamp snapshots.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Update stores the latest valve snapshot.
// Called from the control loop after every sweep and command.
func (t *Tracker) Update(v valve.Snapshot) {
	t.mu.Lock()
	t.snap.Valves = v
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetHealth sets the device health readings.
func (t *Tracker) SetHealth(h Health) {
	t.mu.Lock()
	t.snap.Health = h
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set from the tracker clock at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	now := t.now
	t.mu.RUnlock()
	s.Now = now()
	return s
}
