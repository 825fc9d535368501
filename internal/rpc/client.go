package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a single call when the caller passes zero.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseSize caps the response buffer at 10 MiB.
	DefaultMaxResponseSize = 10 << 20

	readChunkSize = 4096
)

// Client issues JSON-RPC calls to plugin daemons. It holds no connection
// state; request ids are process-local and monotonically increasing, so they
// never repeat within one client instance.
type Client struct {
	nextID  atomic.Int64
	maxSize int
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxResponseSize overrides the response size cap.
func WithMaxResponseSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a stateless RPC client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		maxSize: DefaultMaxResponseSize,
		logger:  slog.Default().With("component", "rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one request over a fresh connection and returns the result
// field, or an error decoded from the error field. A zero timeout means
// DefaultTimeout. Cancelling ctx closes the socket.
func (c *Client) Call(ctx context.Context, socketPath, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := c.nextID.Add(1)
	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	conn, err := dial(socketPath, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Propagate turn-level cancellation by tearing down the socket.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := c.readResponse(ctx, conn, method, timeout)
	if err != nil {
		return nil, err
	}

	if !idMatches(resp.ID, id) {
		return nil, fmt.Errorf("Response ID mismatch: sent %d, received %v", id, resp.ID)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification (no id, no response) and closes the socket.
func (c *Client) Notify(ctx context.Context, socketPath, method string, params any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	notif := Notification{JSONRPC: "2.0", Method: method, Params: params}
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	conn, err := dial(socketPath, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Ping is a connect-only health probe.
func (c *Client) Ping(socketPath string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := dial(socketPath, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// readResponse accumulates bytes and attempts a parse after every chunk.
// Incomplete JSON is not an error; the next chunk may finish it.
func (c *Client) readResponse(ctx context.Context, conn net.Conn, method string, timeout time.Duration) (*response, error) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > c.maxSize {
				return nil, fmt.Errorf("Response size exceeds maximum of %d bytes", c.maxSize)
			}
			resp, complete, perr := parseResponse(buf)
			if perr != nil {
				return nil, perr
			}
			if complete {
				return resp, nil
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, io.EOF):
				return nil, fmt.Errorf("Socket closed with incomplete response from %q", method)
			case isTimeout(err):
				return nil, fmt.Errorf("RPC call %q timeout after %v", method, timeout)
			default:
				return nil, fmt.Errorf("read response: %w", err)
			}
		}
	}
}

// parseResponse reports (nil, false, nil) while the buffer does not yet hold
// complete JSON. Complete JSON that is not a valid JSON-RPC response is a
// hard error.
func parseResponse(buf []byte) (*response, bool, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return nil, false, nil
	}

	var probe any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		// More bytes may complete the payload.
		return nil, false, nil
	}

	obj, ok := probe.(map[string]any)
	if !ok {
		return nil, false, errors.New("Invalid JSON-RPC response format: not an object")
	}
	if v, ok := obj["jsonrpc"].(string); !ok || v != "2.0" {
		return nil, false, errors.New("Invalid JSON-RPC response format: missing jsonrpc version")
	}
	if _, ok := obj["id"]; !ok {
		return nil, false, errors.New("Invalid JSON-RPC response format: missing id")
	}
	_, hasResult := obj["result"]
	_, hasError := obj["error"]
	if hasResult == hasError {
		return nil, false, errors.New("Invalid JSON-RPC response format: exactly one of result or error required")
	}
	if hasError {
		errObj, ok := obj["error"].(map[string]any)
		if !ok {
			return nil, false, errors.New("Invalid JSON-RPC response format: error is not an object")
		}
		if _, ok := errObj["code"].(float64); !ok {
			return nil, false, errors.New("Invalid JSON-RPC response format: error code is not a number")
		}
		if _, ok := errObj["message"].(string); !ok {
			return nil, false, errors.New("Invalid JSON-RPC response format: error message is not a string")
		}
	}

	var resp response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, false, fmt.Errorf("Invalid JSON-RPC response format: %w", err)
	}
	return &resp, true, nil
}

// idMatches compares the response id (decoded as float64 by encoding/json)
// against the request id.
func idMatches(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case int64:
		return v == want
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == want
	default:
		return false
	}
}

// dial opens the Unix socket, mapping connection failures onto the
// diagnostics surfaced to the model.
func dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT):
			return nil, fmt.Errorf("Socket file not found: %s", socketPath)
		case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES):
			return nil, fmt.Errorf("Permission denied connecting to socket: %s", socketPath)
		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, fmt.Errorf("Connection refused on socket: %s", socketPath)
		case isTimeout(err):
			return nil, fmt.Errorf("timeout connecting to socket %s after %v", socketPath, timeout)
		default:
			return nil, fmt.Errorf("connect to socket %s: %w", socketPath, err)
		}
	}
	return conn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
