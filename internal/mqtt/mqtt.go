// Package mqtt connects the controller to an MQTT broker: it publishes valve
// events, alerts and status documents, and delivers inbound command payloads.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// DefaultTopicPrefix is the first topic level used when none is configured.
const DefaultTopicPrefix = "agroirriga"

// DefaultBufferSize is the number of messages held while disconnected.
const DefaultBufferSize = 100

// Topics holds the per-device topic names.
type Topics struct {
	Command string
	Status  string
	Alerts  string
	System  string
}

// NewTopics builds the topic set <prefix>/<deviceID>/{command,status,alerts,system}.
func NewTopics(prefix, deviceID string) Topics {
	base := prefix + "/" + deviceID + "/"
	return Topics{
		Command: base + "command",
		Status:  base + "status",
		Alerts:  base + "alerts",
		System:  base + "system",
	}
}

// Identity stamps every outbound payload.
type Identity struct {
	DeviceID string
	BootID   string
	Start    time.Time
}

func (id Identity) uptime(at time.Time) int64 {
	return int64(at.Sub(id.Start).Truncate(time.Second).Seconds())
}

// Client is the controller's view of the broker.
type Client interface {
	// Publish sends a valve state change to the status topic, or an alert to
	// the alerts topic. Returns error if publishing fails (should not crash the process).
	Publish(event valve.Event) error

	// PublishStatus sends a pre-formatted full status document to the status topic.
	PublishStatus(payload []byte) error

	// PublishSystem sends a lifecycle event to the system topic.
	PublishSystem(event SystemEvent) error

	// Commands delivers raw payloads received on the command topic.
	Commands() <-chan []byte

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// StatePayload is published on the status topic for every valve transition.
type StatePayload struct {
	DeviceID      string `json:"device_id"`
	BootID        string `json:"boot_id"`
	Event         string `json:"event"`
	Valve         int    `json:"valve"`
	State         string `json:"state"`
	Reason        string `json:"reason"`
	Pump          string `json:"pump"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AlertPayload is published on the alerts topic. Valve 0 refers to the pump.
type AlertPayload struct {
	DeviceID  string `json:"device_id"`
	BootID    string `json:"boot_id"`
	AlertType string `json:"alert_type"`
	Valve     int    `json:"valve"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// FormatEvent returns the topic and JSON payload for a valve event.
func FormatEvent(topics Topics, id Identity, event valve.Event) (string, []byte, error) {
	ts := event.Timestamp.UTC().Format(time.RFC3339)
	if event.Type == valve.EventAlert {
		data, err := json.Marshal(AlertPayload{
			DeviceID:  id.DeviceID,
			BootID:    id.BootID,
			AlertType: string(event.Alert),
			Valve:     event.Channel,
			Message:   event.Message,
			Timestamp: ts,
		})
		return topics.Alerts, data, err
	}

	data, err := json.Marshal(StatePayload{
		DeviceID:      id.DeviceID,
		BootID:        id.BootID,
		Event:         string(event.Type),
		Valve:         event.Channel,
		State:         string(event.State),
		Reason:        string(event.Reason),
		Pump:          string(event.Pump),
		Timestamp:     ts,
		UptimeSeconds: id.uptime(event.Timestamp),
	})
	return topics.Status, data, err
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(deviceID string, event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			DeviceID:  deviceID,
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// WillPayload is the retained last-will message the broker publishes on an
// unclean disconnect.
func WillPayload(deviceID string, at time.Time) []byte {
	data, _ := FormatSystemPayload(deviceID, SystemEvent{
		Timestamp: at,
		Event:     "OFFLINE",
		Reason:    "MQTT_DISCONNECT",
	})
	return data
}
