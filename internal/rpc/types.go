// Package rpc implements a stateless JSON-RPC 2.0 client over Unix-domain
// sockets. Every call opens a fresh connection, writes one newline-terminated
// request, and reads until a complete response parses or a limit trips.
package rpc

import (
	"encoding/json"
	"fmt"
)

// MaxSocketPathLength is the portable limit for Unix socket paths
// (sizeof(sun_path) on the BSDs; Linux allows slightly more).
const MaxSocketPathLength = 104

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// Notification is a JSON-RPC 2.0 notification; the id field is omitted and
// no response is expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error (code %d): %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// response is the decoded form of a validated server response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}
