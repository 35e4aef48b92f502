// Package jsonrpc is a newline-delimited JSON-RPC 2.0 client over a byte
// stream pair, typically a subprocess's stdin and stdout.
//
// Besides plain request/response it understands the worker token stream:
// after acknowledging a streaming request the peer writes lines of the form
// {"token":"..","done":false} that carry no "jsonrpc" field and no id. Only
// one such stream can be active per client.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version sent on every request.
const Version = "2.0"

var (
	// ErrProcessExited is the terminal error once the peer's output closes.
	ErrProcessExited = errors.New("process exited")
	// ErrClosed is the terminal error after Close.
	ErrClosed = errors.New("jsonrpc client closed")
	// ErrStreamBusy is returned when a stream is requested while another is active.
	ErrStreamBusy = errors.New("another token stream is still active")
)

// Request is a JSON-RPC request. A zero ID makes it a notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It rejects the call it answers.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

// StreamError is raised when the peer ends a token stream with an error line.
type StreamError struct{ Message string }

func (e *StreamError) Error() string { return "stream error: " + e.Message }

// IsTerminal reports whether err means the client can no longer be used.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrProcessExited) || errors.Is(err, ErrClosed)
}
