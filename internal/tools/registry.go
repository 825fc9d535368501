// Package tools provides the uniform call surface over in-process,
// subprocess-per-call, and daemon-RPC tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benhmoore/codeally/internal/observability"
	"github.com/benhmoore/codeally/pkg/models"
)

// MaxToolNameLength guards against degenerate tool names.
const MaxToolNameLength = 256

// ErrPathTraversal marks argument paths that escape their allowed root.
// The orchestrator maps it to a permission_denied result.
var ErrPathTraversal = errors.New("path traversal detected")

// ExecContext carries per-call execution state into a tool.
type ExecContext struct {
	// AgentName identifies the calling agent for visibility checks.
	AgentName string

	// Registry is the scoped view nested agents execute against.
	Registry *Registry
}

// Tool is the uniform operation set every backend implements.
type Tool interface {
	Name() string
	Descriptor() models.ToolDescriptor
	Execute(ctx context.Context, args map[string]any, callID string, execCtx ExecContext) (models.ToolResult, error)
}

// Previewer is implemented by tools that surface a preview (for example a
// diff widget) before permission is requested.
type Previewer interface {
	Preview(ctx context.Context, args map[string]any, callID string)
}

// Validator is implemented by tools that validate arguments before the
// permission prompt is issued.
type Validator interface {
	Validate(ctx context.Context, args map[string]any) error
}

// Registry stores tools by name and enforces visibility restrictions at the
// call boundary.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetMetrics wires execution metrics.
func (r *Registry) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Register adds a tool, replacing any prior tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Descriptor returns the descriptor for a named tool.
func (r *Registry) Descriptor(name string) (models.ToolDescriptor, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return tool.Descriptor(), true
}

// List returns descriptors for every registered tool.
func (r *Registry) List() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Descriptor())
	}
	return out
}

// Scoped returns a view of the registry restricted to the named tools, for
// handing to nested agents.
func (r *Registry) Scoped(names []string) *Registry {
	scoped := NewRegistry()
	scoped.metrics = r.metrics
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			scoped.tools[name] = tool
		}
	}
	return scoped
}

// Execute runs the named tool. Tool-level failures (unknown tool, visibility
// violation) come back as error results; the returned error is reserved for
// execution faults the orchestrator maps (cancellation, traversal, panic-free
// system errors).
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, execCtx ExecContext) (models.ToolResult, error) {
	if len(call.Name) > MaxToolNameLength {
		return models.NewErrorResult(call, models.ErrorKindValidationError,
			fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)), nil
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		return models.NewErrorResult(call, models.ErrorKindSystemError,
			"tool not found: "+call.Name), nil
	}

	desc := tool.Descriptor()
	if !desc.VisibleToAgent(execCtx.AgentName) {
		return models.NewErrorResult(call, models.ErrorKindPermissionError,
			fmt.Sprintf("tool %q is not available to agent %q", call.Name, execCtx.AgentName)), nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, call.Arguments, call.ID, execCtx)
	r.observe(call.Name, start, err == nil && result.Success)
	return result, err
}

func (r *Registry) observe(tool string, start time.Time, success bool) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.metrics.ToolExecutions.WithLabelValues(tool, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// ValidatePath rejects paths that escape upward after cleaning. Tools use it
// on filesystem arguments; the orchestrator maps the error to
// permission_denied.
func ValidatePath(path string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%w: %q", ErrPathTraversal, path)
	}
	return nil
}
