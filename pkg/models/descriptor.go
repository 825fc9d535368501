package models

import "encoding/json"

// ToolDescriptor is the metadata the registry holds for each tool. The
// orchestrator reads these flags to decide dispatch policy and event payload
// shape; tool implementations never see them.
type ToolDescriptor struct {
	Name string `json:"name"`

	// ConcurrencySafe marks a tool as read-only (or context-isolated agent
	// delegation) and therefore eligible for the concurrent dispatch path.
	ConcurrencySafe bool `json:"concurrency_safe"`

	// RequiresConfirmation gates execution on the permission collaborator.
	RequiresConfirmation bool `json:"requires_confirmation"`

	// Display flags consumed by the UI via event payloads.
	VisibleInChat  bool `json:"visible_in_chat"`
	Transparent    bool `json:"transparent,omitempty"`
	CollapseAfter  bool `json:"collapse_after,omitempty"`
	HideOutput     bool `json:"hide_output,omitempty"`
	AlwaysShowFull bool `json:"always_show_full,omitempty"`

	// Streaming tools emit TOOL_OUTPUT_CHUNK events during execution.
	Streaming bool `json:"streaming,omitempty"`

	// Exploratory tools (searches, listings) feed the per-turn streak
	// counter. PreservesStreak opts a non-exploratory tool out of resetting
	// that counter.
	Exploratory     bool `json:"exploratory,omitempty"`
	PreservesStreak bool `json:"preserves_streak,omitempty"`

	// VisibleTo restricts the tool to the named agents. Empty means every
	// agent may call it.
	VisibleTo []string `json:"visible_to,omitempty"`

	// Plugin names the owning plugin for plugin-provided tools.
	Plugin string `json:"plugin,omitempty"`

	// FormSchema, when present, triggers an interactive form fill before
	// permission is requested.
	FormSchema json.RawMessage `json:"form_schema,omitempty"`
}

// VisibleToAgent reports whether the named agent may call this tool.
func (d ToolDescriptor) VisibleToAgent(agent string) bool {
	if len(d.VisibleTo) == 0 {
		return true
	}
	for _, name := range d.VisibleTo {
		if name == agent {
			return true
		}
	}
	return false
}
