// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package noderpc

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
)

// ErrCodeInWarmup is returned by the node while it is still loading its
// block index and cannot serve requests yet.
const ErrCodeInWarmup btcjson.RPCErrorCode = -28

var (
	// ErrUnauthorized is returned when the node rejects the credentials.
	ErrUnauthorized = errors.New("rpc authorization failed")

	// ErrEmptyResponse is returned for a reply without result or error.
	ErrEmptyResponse = errors.New("empty rpc response")
)

// RPCError is a JSON-RPC error returned by the node, annotated with the call
// that produced it.
type RPCError struct {
	// Code and Message are the node's error object verbatim.
	Code    btcjson.RPCErrorCode
	Message string

	// Method and Args identify the failed call for diagnostics.
	Method string
	Args   []interface{}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("%s%v: %s (code %d)", e.Method, e.Args, e.Message,
		e.Code)
}

// Unwrap exposes the bare btcjson error so callers comparing against the
// btcjson package values keep working.
func (e *RPCError) Unwrap() error {
	return &btcjson.RPCError{Code: e.Code, Message: e.Message}
}

// HTTPError is returned when the node answers with a non-JSON body.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an RPCError with the given code.
func IsCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == code
}

// CheckRPCError returns nil when err is an RPCError carrying code whose
// message contains substr, and a descriptive error otherwise. Scenarios use
// it to assert that a call is refused for the expected reason.
func CheckRPCError(err error, code btcjson.RPCErrorCode, substr string) error {
	if err == nil {
		return fmt.Errorf("expected rpc error %d (%q), call succeeded",
			code, substr)
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("expected rpc error %d (%q), got %w", code,
			substr, err)
	}
	if rpcErr.Code != code {
		return fmt.Errorf("expected rpc error code %d, got %d: %s",
			code, rpcErr.Code, rpcErr.Message)
	}
	if !strings.Contains(rpcErr.Message, substr) {
		return fmt.Errorf("expected rpc error message containing "+
			"%q, got %q", substr, rpcErr.Message)
	}

	return nil
}

// IsConnectionRefused reports whether err was caused by nothing listening on
// the RPC port, which is the normal state of a node that has not bound its
// sockets yet.
func IsConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}
