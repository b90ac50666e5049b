// Package command decodes inbound control messages into a closed command type
// and applies them to the valve supervisor. Raw payloads never travel past
// this package.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Kind enumerates supported commands.
type Kind int

const (
	KindOpen Kind = iota + 1
	KindClose
	KindCloseAll
	KindStatus
	KindHelp
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindCloseAll:
		return "close_all"
	case KindStatus:
		return "status"
	case KindHelp:
		return "help"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Source tags where a command came from.
type Source string

const (
	SourceMQTT    Source = "mqtt"
	SourceConsole Source = "console"
)

var (
	// ErrMalformed is returned for payloads or lines that cannot be decoded.
	ErrMalformed = errors.New("malformed command")
	// ErrUnknownAction is returned for well-formed messages with an unsupported action.
	ErrUnknownAction = errors.New("unknown action")
)

// Command is a decoded control request. Valve is 1-based and already
// range-checked; Minutes is 0 for "until closed".
type Command struct {
	Kind    Kind
	Valve   int
	Minutes int
	Source  Source
	Origin  string // free-form sender tag carried by MQTT commands
}

func (c Command) String() string {
	switch c.Kind {
	case KindOpen:
		return fmt.Sprintf("open valve=%d minutes=%d source=%s", c.Valve, c.Minutes, c.Source)
	case KindClose:
		return fmt.Sprintf("close valve=%d source=%s", c.Valve, c.Source)
	}
	return fmt.Sprintf("%s source=%s", c.Kind, c.Source)
}

func checkValve(n int) error {
	if n < 1 || n > valve.Channels {
		return fmt.Errorf("%w: %d", valve.ErrInvalidChannel, n)
	}
	return nil
}

func checkMinutes(n int) error {
	if n < 0 || n > valve.MaxMinutes {
		return fmt.Errorf("%w: %d minutes", valve.ErrInvalidDuration, n)
	}
	return nil
}

// Controller is the subset of the supervisor that commands drive.
type Controller interface {
	Open(id, minutes int, allowStagger bool, now time.Time) ([]valve.Event, error)
	Close(id int, now time.Time) ([]valve.Event, error)
	CloseAll(now time.Time) []valve.Event
}

// Result is the outcome of a dispatched command.
type Result struct {
	// Events are the transitions completed by the command itself.
	// Staggered transitions are reported later by the supervisor.
	Events []valve.Event

	// WantStatus asks the caller to emit a full status snapshot.
	WantStatus bool

	// WantHelp asks the caller to print the console help.
	WantHelp bool
}

// Dispatch applies cmd to c. Opens always request staggering.
func Dispatch(c Controller, cmd Command, now time.Time) (Result, error) {
	var res Result
	var err error
	switch cmd.Kind {
	case KindOpen:
		res.Events, err = c.Open(cmd.Valve, cmd.Minutes, true, now)
	case KindClose:
		res.Events, err = c.Close(cmd.Valve, now)
	case KindCloseAll:
		res.Events = c.CloseAll(now)
	case KindStatus:
		res.WantStatus = true
	case KindHelp:
		res.WantHelp = true
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownAction, cmd.Kind)
	}
	return res, err
}
