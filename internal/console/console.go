// Package console provides an interactive operator prompt that feeds command
// lines to the control loop.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// LineReader is the subset of *readline.Instance used by Console.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Console reads operator lines and writes replies without clobbering the prompt.
type Console struct {
	rl  LineReader
	out io.Writer
}

// New creates a readline-backed console.
func New(prompt string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// NewWithReader creates a console over an arbitrary line source.
func NewWithReader(r LineReader, out io.Writer) *Console {
	return &Console{rl: r, out: out}
}

// Stdout returns a writer that coordinates with the prompt.
// Use this for log output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Println writes a reply line.
func (c *Console) Println(a ...any) {
	fmt.Fprintln(c.out, a...)
}

// Run sends every non-empty trimmed line to lines until EOF, a read error or
// ctx is cancelled, then closes lines. Ctrl-C clears the current line.
func (c *Console) Run(ctx context.Context, lines chan<- string) {
	defer close(lines)
	defer c.rl.Close()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
}
