package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/benhmoore/codeally/pkg/models"
)

// DefaultSubprocessTimeout bounds one subprocess tool call.
const DefaultSubprocessTimeout = 60 * time.Second

// SubprocessTool runs an external executable once per call. The argument
// object is written to the child's stdin as JSON; stdout becomes the result
// payload.
type SubprocessTool struct {
	descriptor models.ToolDescriptor
	command    string
	args       []string
	timeout    time.Duration
}

// NewSubprocessTool builds a subprocess-per-call tool.
func NewSubprocessTool(descriptor models.ToolDescriptor, command string, args []string, timeout time.Duration) *SubprocessTool {
	if timeout <= 0 {
		timeout = DefaultSubprocessTimeout
	}
	return &SubprocessTool{
		descriptor: descriptor,
		command:    command,
		args:       args,
		timeout:    timeout,
	}
}

func (t *SubprocessTool) Name() string { return t.descriptor.Name }

func (t *SubprocessTool) Descriptor() models.ToolDescriptor { return t.descriptor }

// Execute spawns the command, feeds it the JSON arguments, and captures
// stdout. Cancellation surfaces as the context error so the orchestrator can
// mark the call interrupted.
func (t *SubprocessTool) Execute(ctx context.Context, args map[string]any, callID string, _ ExecContext) (models.ToolResult, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("marshal arguments: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.command, t.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return models.ToolResult{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return models.ToolResult{}, fmt.Errorf("tool process failed: %s", msg)
	}

	return models.ToolResult{
		ToolCallID: callID,
		Success:    true,
		Content:    stdout.String(),
	}, nil
}
