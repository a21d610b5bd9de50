package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyCommand is returned when asked to run a blank command string.
	ErrEmptyCommand = errors.New("process: empty command")

	// ErrRunnerClosed is returned for commands submitted after Close.
	ErrRunnerClosed = errors.New("process: runner closed")

	// ErrTimeout is wrapped when a command exceeds the runner's hard limit.
	ErrTimeout = errors.New("process: command timed out")
)

// ExitError reports a command that ran but did not exit with status 0.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("process: %q exited with status %d", e.Command, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
