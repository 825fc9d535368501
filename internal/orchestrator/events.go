package orchestrator

import (
	"time"

	"github.com/benhmoore/codeally/pkg/models"
)

// emit sends one lifecycle event to the UI sink and, for approved kinds,
// fans it out to subscribed plugins.
func (o *Orchestrator) emit(id string, kind models.EventKind, parentID string, payload map[string]any) {
	event := models.ActivityEvent{
		ID:        id,
		Kind:      kind,
		Timestamp: time.Now(),
		ParentID:  parentID,
		Payload:   payload,
	}
	if o.sink != nil {
		o.sink.Emit(event)
	}
	if o.bus != nil && kind.Approved() {
		busPayload := make(map[string]any, len(payload)+2)
		for k, v := range payload {
			busPayload[k] = v
		}
		busPayload["id"] = id
		if parentID != "" {
			busPayload["parent_id"] = parentID
		}
		o.bus.Dispatch(kind, busPayload)
	}
}

// emitCallStart emits the start event for one call. Display flags ride on
// the payload so the UI never has to consult the registry. Collapsed is
// always false at emission time; collapsing is a UI decision taken later
// from should_collapse.
func (o *Orchestrator) emitCallStart(call models.ToolCall, parentID string) {
	desc := o.descriptor(call.Name)
	o.emit(call.ID, models.EventToolCallStart, parentID, map[string]any{
		"tool_name":       call.Name,
		"arguments":       call.Arguments,
		"collapsed":       false,
		"should_collapse": desc.CollapseAfter,
		"visible_in_chat": desc.VisibleInChat,
		"transparent":     desc.Transparent,
		"hide_output":     desc.HideOutput,
	})
}

// emitCallEnd emits the end event for one call.
func (o *Orchestrator) emitCallEnd(call models.ToolCall, parentID string, result models.ToolResult) {
	desc := o.descriptor(call.Name)
	payload := map[string]any{
		"tool_name":       call.Name,
		"success":         result.Success,
		"collapsed":       false,
		"should_collapse": desc.CollapseAfter,
	}
	if result.Error != nil {
		payload["error"] = result.Error.Message
	}
	o.emit(call.ID, models.EventToolCallEnd, parentID, payload)
}

// emitGroupStart announces one concurrent group before any member starts.
func (o *Orchestrator) emitGroupStart(groupID string, calls []models.ToolCall) {
	names := make([]string, len(calls))
	ids := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
		ids[i] = c.ID
	}
	o.emit(groupID, models.EventToolCallStart, o.parentCallID, map[string]any{
		"group":     true,
		"tools":     names,
		"call_ids":  ids,
		"collapsed": false,
	})
}

// emitGroupEnd closes one concurrent group. Success is the conjunction of
// the member results.
func (o *Orchestrator) emitGroupEnd(groupID string, success bool, errMsg string) {
	payload := map[string]any{
		"group":     true,
		"success":   success,
		"collapsed": false,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	o.emit(groupID, models.EventToolCallEnd, o.parentCallID, payload)
}
