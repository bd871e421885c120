package moonraker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Domain errors for the Moonraker client.
var (
	// ErrNotConnected is returned when a call is attempted while the
	// websocket is down. The reconnect supervisor keeps retrying in the
	// background; the caller may simply try again later.
	ErrNotConnected = errors.New("moonraker: not connected")

	// ErrConnectTimeout is returned when Connect does not reach the
	// connected state within the caller's timeout.
	ErrConnectTimeout = errors.New("moonraker: connect timeout")

	// ErrCallTimeout is returned when no response arrives for a request
	// within the caller's deadline.
	ErrCallTimeout = errors.New("moonraker: call timeout")

	// ErrDisconnected is returned for requests that were in flight when
	// the connection dropped or the client was closed.
	ErrDisconnected = errors.New("moonraker: disconnected")
)

// RPCError is a structured JSON-RPC error returned by Moonraker.
//
// It carries the raw error payload so callers can inspect daemon-specific
// codes. Use errors.As to extract it from a Call failure.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("moonraker: remote error %d: %s", e.Code, e.Message)
}
