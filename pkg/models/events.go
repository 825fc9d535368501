package models

import "time"

// EventKind identifies one lifecycle event type. The set is closed; the
// orchestrator emits nothing outside it.
type EventKind string

const (
	EventToolCallStart         EventKind = "tool_call_start"
	EventToolCallEnd           EventKind = "tool_call_end"
	EventToolOutputChunk       EventKind = "tool_output_chunk"
	EventToolPermissionRequest EventKind = "tool_permission_request"
	EventToolExecutionStart    EventKind = "tool_execution_start"
	EventToolFormRequest       EventKind = "tool_form_request"
	EventToolFormResponse      EventKind = "tool_form_response"
	EventToolFormCancel        EventKind = "tool_form_cancel"
	EventError                 EventKind = "error"
	EventAgentStart            EventKind = "agent_start"
	EventAgentEnd              EventKind = "agent_end"
	EventPermissionRequest     EventKind = "permission_request"
	EventPermissionResponse    EventKind = "permission_response"
	EventCompactionStart       EventKind = "compaction_start"
	EventCompactionComplete    EventKind = "compaction_complete"
	EventContextUsageUpdate    EventKind = "context_usage_update"
	EventTodoUpdate            EventKind = "todo_update"
	EventThoughtComplete       EventKind = "thought_complete"
	EventDiffPreview           EventKind = "diff_preview"
)

// ApprovedEvents is the fixed subset of event kinds plugins may subscribe to.
// Subscribing to anything else is a configuration error.
var ApprovedEvents = map[EventKind]struct{}{
	EventToolCallStart:      {},
	EventToolCallEnd:        {},
	EventAgentStart:         {},
	EventAgentEnd:           {},
	EventPermissionRequest:  {},
	EventPermissionResponse: {},
	EventCompactionStart:    {},
	EventCompactionComplete: {},
	EventContextUsageUpdate: {},
	EventTodoUpdate:         {},
	EventThoughtComplete:    {},
	EventDiffPreview:        {},
}

// Approved reports whether plugins are permitted to subscribe to this kind.
func (k EventKind) Approved() bool {
	_, ok := ApprovedEvents[k]
	return ok
}

// ActivityEvent is one lifecycle record emitted during a turn. ID matches the
// tool-call id (or group id) it describes; ParentID composes events into a
// tree for nested agents and concurrent groups.
type ActivityEvent struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	ParentID  string         `json:"parent_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ToolGroup is the transient record for one concurrent batch. It exists only
// between the group start and end events.
type ToolGroup struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id,omitempty"`
	CallIDs  []string `json:"call_ids"`
}
