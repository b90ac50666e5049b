package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the full status document. The same shape is served on
// /index.json and published on the status topic.
type StatusJSON struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	DeviceID      string       `json:"device_id"`
	BootID        string       `json:"boot_id"`
	Timestamp     string       `json:"timestamp"`
	StartTime     string       `json:"start_time"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Pump          string       `json:"pump"`
	Pending       int          `json:"pending_transitions"`
	Valves        []ValveJSON  `json:"valves"`
	Health        HealthJSON   `json:"health"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// ValveJSON is the JSON representation of one channel.
type ValveJSON struct {
	Number           int    `json:"number"`
	State            string `json:"state"`
	RunningMinutes   int    `json:"running_minutes"`
	ScheduledMinutes int    `json:"scheduled_minutes"`
}

// HealthJSON is the JSON representation of device health.
type HealthJSON struct {
	MemAvailableKB int64 `json:"mem_available_kb"`
	LinkQuality    *int  `json:"link_quality,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	StaggerMs       int64  `json:"stagger_ms"`
	CloseDelayMs    int64  `json:"close_delay_ms"`
	SafetyCeilingMs int64  `json:"safety_ceiling_ms"`
	SweepMs         int64  `json:"sweep_ms"`
	HeartbeatMs     int64  `json:"heartbeat_ms"`
	Broker          string `json:"broker"`
	HTTPAddr        string `json:"http_addr"`
	NATS            bool   `json:"nats"`
	History         bool   `json:"history"`
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func build(snap Snapshot) StatusJSON {
	out := StatusJSON{
		DeviceID:      snap.DeviceID,
		BootID:        snap.BootID,
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		Pump:          stateString(snap.Valves.Pump),
		Pending:       snap.Valves.Pending,
		Valves:        make([]ValveJSON, 0, len(snap.Valves.Channels)),
		Health:        HealthJSON{MemAvailableKB: snap.Health.MemAvailableKB},
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			StaggerMs:       snap.Config.StaggerMs,
			CloseDelayMs:    snap.Config.CloseDelayMs,
			SafetyCeilingMs: snap.Config.SafetyCeilingMs,
			SweepMs:         snap.Config.SweepMs,
			HeartbeatMs:     snap.Config.HeartbeatMs,
			Broker:          snap.Config.Broker,
			HTTPAddr:        snap.Config.HTTPAddr,
			NATS:            snap.Config.NATS,
			History:         snap.Config.History,
		},
	}

	for _, c := range snap.Valves.Channels {
		out.Valves = append(out.Valves, ValveJSON{
			Number:           c.ID,
			State:            stateString(c.Open),
			RunningMinutes:   c.RunningMinutes,
			ScheduledMinutes: c.ScheduledMinutes,
		})
	}

	if snap.Health.LinkQuality >= 0 {
		q := snap.Health.LinkQuality
		out.Health.LinkQuality = &q
	}

	if snap.Network != nil {
		out.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return out
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT status or system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	out := build(snap)
	out.Event = event
	out.Reason = reason

	data, _ := json.Marshal(out)
	return data
}
