package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned to every waiter and sender once the
	// connection is closed.
	ErrClosed = errors.New("connection closed")

	// ErrLocalClose is returned by WaitForDisconnect when the connection
	// was closed on our side rather than by the node.
	ErrLocalClose = errors.New("connection closed locally")

	// ErrNotBanned is returned when a ban was expected but the node still
	// accepts the address.
	ErrNotBanned = errors.New("peer not banned")

	// ErrBadMagic is returned when a frame starts with another network's
	// magic.
	ErrBadMagic = errors.New("bad network magic")

	// ErrBadChecksum is returned when a frame's checksum does not match
	// its payload.
	ErrBadChecksum = errors.New("bad checksum")

	// ErrPayloadTooLarge is returned for frames announcing more than
	// MaxPayloadSize bytes.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrBadCommand is returned for command names that are not ASCII or
	// longer than CommandSize.
	ErrBadCommand = errors.New("malformed command")

	// ErrUnknownCommand is returned when decoding a payload of a command
	// the harness has no type for. Such messages are ignored on receive.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrHandshake is returned when the version handshake fails.
	ErrHandshake = errors.New("handshake failed")

	// ErrMissingListenPort is returned when a peer completes the extended
	// handshake without advertising its listen port.
	ErrMissingListenPort = errors.New("remote extversion lacks the " +
		"listen port key")
)

// ProtocolError reports a framing or payload violation on a connection.
type ProtocolError struct {
	// Command is the offending message's command, when known.
	Command string

	// Err is one of the package's sentinel errors or a decode error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("p2p protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("p2p protocol violation in %q: %v", e.Command,
		e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
