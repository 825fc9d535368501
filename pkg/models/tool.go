// Package models defines the shared value types exchanged between the
// orchestrator, the tool registry, the plugin subsystem, and the session
// layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCall is one tool invocation requested by the model within a turn.
// Immutable after construction.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ErrorKind classifies a tool failure for the model and the UI.
type ErrorKind string

const (
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindPermissionError  ErrorKind = "permission_error"
	ErrorKindFormCancelled    ErrorKind = "form_cancelled"
	ErrorKindInterrupted      ErrorKind = "interrupted"
	ErrorKindSystemError      ErrorKind = "system_error"
	ErrorKindValidationError  ErrorKind = "validation_error"
)

// ToolError is the structured failure payload carried inside a ToolResult.
type ToolError struct {
	Kind     ErrorKind      `json:"kind"`
	Message  string         `json:"message"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
}

// Error implements the error interface so a ToolError can travel through
// ordinary error returns at call boundaries.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ToolResult is the outcome of a single tool call. Exactly one of Content or
// Error carries the payload; Success mirrors which one is set.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Success    bool       `json:"success"`
	Content    string     `json:"content,omitempty"`
	Error      *ToolError `json:"error,omitempty"`

	// Warning is appended after truncation so it always survives intact.
	Warning string `json:"warning,omitempty"`

	// SystemReminder is injected into the formatted result inside reminder
	// tags. PersistReminder marks it as surviving past the current turn;
	// the default is ephemeral.
	SystemReminder  string `json:"system_reminder,omitempty"`
	PersistReminder bool   `json:"-"`

	// Ephemeral results are excluded from deduplication and stripped from
	// the session at turn end.
	Ephemeral bool `json:"-"`

	// NoTruncate opts the result out of context-aware truncation.
	NoTruncate bool `json:"-"`

	// ExecutionStart is recorded when the execute phase begins.
	ExecutionStart time.Time `json:"-"`

	// TotalTurnDuration is informational and stripped before serialization.
	TotalTurnDuration time.Duration `json:"total_turn_duration,omitempty"`

	// Metadata is opaque to the core and persisted by the session layer.
	Metadata map[string]any `json:"-"`
}

// Formatted serializes the result for the conversation, stripping the fields
// that are delivered out of band (warning, system reminder, turn duration).
func (r ToolResult) Formatted() (string, error) {
	r.Warning = ""
	r.SystemReminder = ""
	r.TotalTurnDuration = 0
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("format tool result: %w", err)
	}
	return string(data), nil
}

// NewErrorResult builds a failed ToolResult for the given call.
func NewErrorResult(call ToolCall, kind ErrorKind, message string) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Success:    false,
		Error: &ToolError{
			Kind:     kind,
			Message:  message,
			ToolName: call.Name,
			Args:     call.Arguments,
		},
	}
}

// Message is one conversation entry appended by the orchestrator.
type Message struct {
	Role       string         `json:"role"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
