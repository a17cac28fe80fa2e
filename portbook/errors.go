package portbook

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned when a node index is not below the
	// configured maximum number of nodes.
	ErrIndexOutOfRange = errors.New("node index out of range")

	// ErrPortsExhausted is returned when no free port could be found
	// within the retry budget.
	ErrPortsExhausted = errors.New("no free ports left in range")
)

// PortError describes a failed allocation.
type PortError struct {
	// Op is the PortBook operation that failed.
	Op string

	// Index is the node index the operation was for, or -1.
	Index int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *PortError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("portbook %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("portbook %s node %d: %v", e.Op, e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PortError) Unwrap() error {
	return e.Err
}
