// Package events mirrors valve activity onto a NATS bus for other services.
package events

import (
	"context"
	"time"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// DefaultSubjectPrefix is the first subject token when none is configured.
const DefaultSubjectPrefix = "irrigation"

// Publisher publishes JSON-encoded events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

// Subjects holds the per-device subject names.
type Subjects struct {
	ValveOn  string
	ValveOff string
	Alert    string
}

// NewSubjects builds <prefix>.<deviceID>.valve.on, .valve.off and .alert.
func NewSubjects(prefix, deviceID string) Subjects {
	base := prefix + "." + deviceID + "."
	return Subjects{
		ValveOn:  base + "valve.on",
		ValveOff: base + "valve.off",
		Alert:    base + "alert",
	}
}

// ValveChanged is published when a valve is energized or de-energized.
type ValveChanged struct {
	DeviceID  string    `json:"device_id"`
	Valve     int       `json:"valve"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	Pump      string    `json:"pump"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertRaised is published for every alert.
type AlertRaised struct {
	DeviceID  string    `json:"device_id"`
	Valve     int       `json:"valve"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Route maps a valve event onto its subject and bus payload.
func (s Subjects) Route(deviceID string, e valve.Event) (string, any) {
	if e.Type == valve.EventAlert {
		return s.Alert, AlertRaised{
			DeviceID:  deviceID,
			Valve:     e.Channel,
			Kind:      string(e.Alert),
			Message:   e.Message,
			Timestamp: e.Timestamp.UTC(),
		}
	}
	subject := s.ValveOff
	if e.State == valve.StateOn {
		subject = s.ValveOn
	}
	return subject, ValveChanged{
		DeviceID:  deviceID,
		Valve:     e.Channel,
		State:     string(e.State),
		Reason:    string(e.Reason),
		Pump:      string(e.Pump),
		Timestamp: e.Timestamp.UTC(),
	}
}
