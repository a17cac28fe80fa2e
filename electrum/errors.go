package electrum

import (
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC error codes the server uses.
const (
	// ErrCodeInvalidRequest covers quota and state violations such as
	// exceeding the subscription limits.
	ErrCodeInvalidRequest = -32600

	// ErrCodeMethodNotFound is returned for unknown methods.
	ErrCodeMethodNotFound = -32601

	// ErrCodeInvalidParams is returned for malformed parameters.
	ErrCodeInvalidParams = -32602
)

// Messages the server attaches to quota errors.
const (
	SubscriptionLimitMsg      = "subscriptions limit reached"
	AliasSubscriptionLimitMsg = "alias subscriptions limit reached"
)

var (
	// ErrClientClosed is returned by calls on, and waits against, a
	// closed client.
	ErrClientClosed = errors.New("electrum client closed")

	// ErrSubscriptionClosed is returned by Next once the subscription is
	// gone.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrGenesisMismatch is returned when the server indexes another
	// chain.
	ErrGenesisMismatch = errors.New("server genesis hash mismatch")
)

// Error is a JSON-RPC error object returned by the server, verbatim.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// IsCode reports whether err is a server error with the given code.
func IsCode(err error, code int) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// IsSubscriptionLimit reports whether err is the server refusing a
// subscription because the per connection limit was reached.
func IsSubscriptionLimit(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeInvalidRequest {
		return false
	}
	return strings.Contains(e.Message, SubscriptionLimitMsg) &&
		!strings.Contains(e.Message, AliasSubscriptionLimitMsg)
}

// IsAliasLimit reports whether err is the server refusing an address
// subscription because the alias byte limit was reached.
func IsAliasLimit(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeInvalidRequest {
		return false
	}
	return strings.Contains(e.Message, AliasSubscriptionLimitMsg)
}
