// Package rpc exposes the store's operations over a newline-delimited
// JSON protocol: one request frame per line in, one or more response
// frames per request out. Streaming operations emit any number of
// "data" frames followed by exactly one "end" or "error" frame — never
// both.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/stratadb/strata/internal/core"
)

// Version is reported by the getVersion probe.
const Version = 2

// Frame statuses.
const (
	StatusData  = "data"
	StatusEnd   = "end"
	StatusError = "error"
)

// Request is one inbound frame.
type Request struct {
	// ID correlates responses with their request. Streaming
	// subscriptions (listen) are addressed by it.
	ID uint64 `json:"id"`

	Operation string `json:"operation"`

	// Args are positional and validated against the operation's
	// declared schema before any database interaction.
	Args []json.RawMessage `json:"args"`
}

// Response is one outbound frame.
type Response struct {
	ID     uint64      `json:"id"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorFrame `json:"error,omitempty"`
}

// ErrorFrame carries a stable error name plus a human-readable message.
type ErrorFrame struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// errorFrame translates any error into its wire form. Typed errors keep
// their stable names; everything else surfaces as InternalError.
func errorFrame(err error) *ErrorFrame {
	var named core.NamedError
	if errors.As(err, &named) {
		return &ErrorFrame{Name: named.Name(), Message: named.Error()}
	}
	return &ErrorFrame{Name: "InternalError", Message: err.Error()}
}
