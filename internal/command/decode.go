package command

import (
	"encoding/json"
	"fmt"
)

// MQTT actions.
const (
	ActionValveOn     = "valve_on"
	ActionValveOff    = "valve_off"
	ActionValveAllOff = "valve_all_off"
	ActionGetStatus   = "get_status"
)

// Message is the JSON shape of a command published to the command topic.
type Message struct {
	Action    string `json:"action"`
	Valve     int    `json:"valve,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
}

// DecodeJSON decodes an MQTT command payload.
func DecodeJSON(payload []byte) (Command, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cmd := Command{Source: SourceMQTT, Origin: m.Source}
	switch m.Action {
	case ActionValveOn:
		if err := checkValve(m.Valve); err != nil {
			return Command{}, err
		}
		if m.Duration < 0 {
			return Command{}, fmt.Errorf("%w: duration %d", ErrMalformed, m.Duration)
		}
		if err := checkMinutes(m.Duration); err != nil {
			return Command{}, err
		}
		cmd.Kind = KindOpen
		cmd.Valve = m.Valve
		cmd.Minutes = m.Duration
	case ActionValveOff:
		if err := checkValve(m.Valve); err != nil {
			return Command{}, err
		}
		cmd.Kind = KindClose
		cmd.Valve = m.Valve
	case ActionValveAllOff:
		cmd.Kind = KindCloseAll
	case ActionGetStatus:
		cmd.Kind = KindStatus
	case "":
		return Command{}, fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	return cmd, nil
}

// EncodeJSON encodes cmd in the command topic format.
func EncodeJSON(cmd Command) ([]byte, error) {
	m := Message{Source: cmd.Origin}
	switch cmd.Kind {
	case KindOpen:
		m.Action = ActionValveOn
		m.Valve = cmd.Valve
		m.Duration = cmd.Minutes
	case KindClose:
		m.Action = ActionValveOff
		m.Valve = cmd.Valve
	case KindCloseAll:
		m.Action = ActionValveAllOff
	case KindStatus:
		m.Action = ActionGetStatus
	default:
		return nil, fmt.Errorf("%w: %s has no message form", ErrUnknownAction, cmd.Kind)
	}
	return json.Marshal(m)
}
