package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benhmoore/codeally/internal/observability"
	"github.com/benhmoore/codeally/internal/rpc"
	"github.com/benhmoore/codeally/pkg/models"
)

// Runner answers whether a plugin daemon is running. Implemented by
// daemon.Manager.
type Runner interface {
	IsRunning(name string) bool
}

// DaemonTool routes calls to a long-lived plugin daemon over JSON-RPC.
type DaemonTool struct {
	descriptor models.ToolDescriptor
	plugin     string
	socketPath string
	method     string
	timeout    time.Duration

	runner  Runner
	client  *rpc.Client
	metrics *observability.Metrics
}

// NewDaemonTool builds a daemon-backed tool. descriptor.Plugin names the
// owning plugin, method the JSON-RPC method the daemon serves.
func NewDaemonTool(descriptor models.ToolDescriptor, socketPath, method string, runner Runner, client *rpc.Client, timeout time.Duration) *DaemonTool {
	if client == nil {
		client = rpc.NewClient()
	}
	return &DaemonTool{
		descriptor: descriptor,
		plugin:     descriptor.Plugin,
		socketPath: socketPath,
		method:     method,
		timeout:    timeout,
		runner:     runner,
		client:     client,
	}
}

// SetMetrics wires RPC call metrics.
func (t *DaemonTool) SetMetrics(metrics *observability.Metrics) { t.metrics = metrics }

func (t *DaemonTool) Name() string { return t.descriptor.Name }

func (t *DaemonTool) Descriptor() models.ToolDescriptor { return t.descriptor }

// Execute checks daemon liveness, then issues the RPC. Daemon and transport
// failures become tool-level error results; only cancellation propagates as
// an error.
func (t *DaemonTool) Execute(ctx context.Context, args map[string]any, callID string, _ ExecContext) (models.ToolResult, error) {
	call := models.ToolCall{ID: callID, Name: t.descriptor.Name, Arguments: args}

	if t.runner != nil && !t.runner.IsRunning(t.plugin) {
		return models.NewErrorResult(call, models.ErrorKindSystemError,
			fmt.Sprintf("plugin daemon %q is not running", t.plugin)), nil
	}

	start := time.Now()
	raw, err := t.client.Call(ctx, t.socketPath, t.method, args, t.timeout)
	t.observe(start, err)
	if err != nil {
		if ctx.Err() != nil {
			return models.ToolResult{}, ctx.Err()
		}
		return models.NewErrorResult(call, models.ErrorKindSystemError,
			fmt.Sprintf("daemon %q call failed: %v", t.plugin, err)), nil
	}

	return models.ToolResult{
		ToolCallID: callID,
		Success:    true,
		Content:    decodeResult(raw),
	}, nil
}

func (t *DaemonTool) observe(start time.Time, err error) {
	if t.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.RPCCalls.WithLabelValues(t.method, status).Inc()
	t.metrics.RPCDuration.WithLabelValues(t.method).Observe(time.Since(start).Seconds())
}

// decodeResult renders the RPC result as the textual payload: JSON strings
// are unquoted, everything else stays as raw JSON text.
func decodeResult(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
