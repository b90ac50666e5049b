package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var valveLine = regexp.MustCompile(`^v(\d+)(on|off)(\d*)$`)

// ConsoleHelp lists the console grammar.
const ConsoleHelp = `commands:
  v<n>on          open valve n until closed
  v<n>on<minutes> open valve n for minutes (v3on45)
  v<n>off         close valve n
  alloff          close every valve
  status          print full status
  help            show this help`

// ParseConsole parses one console line.
func ParseConsole(line string) (Command, error) {
	s := strings.ToLower(strings.TrimSpace(line))
	cmd := Command{Source: SourceConsole}

	switch s {
	case "status":
		cmd.Kind = KindStatus
		return cmd, nil
	case "alloff":
		cmd.Kind = KindCloseAll
		return cmd, nil
	case "help", "?":
		cmd.Kind = KindHelp
		return cmd, nil
	}

	m := valveLine.FindStringSubmatch(s)
	if m == nil {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	if err := checkValve(n); err != nil {
		return Command{}, err
	}
	cmd.Valve = n

	if m[2] == "off" {
		if m[3] != "" {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		cmd.Kind = KindClose
		return cmd, nil
	}

	cmd.Kind = KindOpen
	if m[3] != "" {
		minutes, err := strconv.Atoi(m[3])
		if err != nil {
			return Command{}, fmt.Errorf("%w: duration %q", ErrMalformed, m[3])
		}
		if err := checkMinutes(minutes); err != nil {
			return Command{}, err
		}
		cmd.Minutes = minutes
	}
	return cmd, nil
}
