package rpctest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingDatadir is returned when a node is restarted but its
	// datadir no longer exists.
	ErrMissingDatadir = errors.New("missing datadir")

	// ErrNotRunning is returned for operations on a node that has no
	// live process.
	ErrNotRunning = errors.New("node not running")

	// ErrAlreadyRunning is returned when starting a node twice.
	ErrAlreadyRunning = errors.New("node already running")

	// ErrUnexpectedStart is returned by ExpectInitError when the node
	// came up although it was expected to fail.
	ErrUnexpectedStart = errors.New("node started but was expected to " +
		"fail")

	// ErrInitErrorMismatch is returned by ExpectInitError when the node
	// failed without printing the expected pattern.
	ErrInitErrorMismatch = errors.New("init error does not match")

	// ErrProcessExited is the cause carried by a ProcessError for a
	// process that exited while the harness still needed it.
	ErrProcessExited = errors.New("process exited")

	// ErrBindFailed is the cause carried by a ProcessError for a node
	// that could not bind one of its ports.
	ErrBindFailed = errors.New("node failed to bind its ports")
)

// ProcessError describes a node process that failed to spawn, exited early
// or terminated abnormally.
type ProcessError struct {
	// Index is the node index.
	Index int

	// Op is the manager operation that observed the failure.
	Op string

	// ExitCode is the process exit code, or -1 when it is still running
	// or never started.
	ExitCode int

	// Stderr holds the last lines the process wrote to stderr.
	Stderr []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %d %s: %v", e.Index, e.Op, e.Err)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if len(e.Stderr) > 0 {
		b.WriteString("\nstderr:\n  ")
		b.WriteString(strings.Join(e.Stderr, "\n  "))
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ProcessError) Unwrap() error {
	return e.Err
}
