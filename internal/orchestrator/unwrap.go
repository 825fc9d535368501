package orchestrator

import (
	"fmt"

	"github.com/benhmoore/codeally/pkg/models"
)

// BatchToolName is the wrapper tool the model uses to group several calls
// into one. The orchestrator flattens well-formed batches before dispatch.
const BatchToolName = "batch"

// unwrapBatches flattens batch wrappers into their member calls, in place of
// the wrapper and in entry order. Synthetic member ids derive from the
// wrapper id so events and results stay correlated. Malformed or oversized
// batches pass through untouched; the registered batch tool produces the
// authoritative error for those.
func (o *Orchestrator) unwrapBatches(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Name != BatchToolName {
			out = append(out, call)
			continue
		}
		members, ok := o.batchMembers(call)
		if !ok {
			out = append(out, call)
			continue
		}
		out = append(out, members...)
	}
	return out
}

// batchMembers extracts and validates the member calls of one batch wrapper.
// Every entry must carry a string name and an object arguments; anything less
// invalidates the whole batch.
func (o *Orchestrator) batchMembers(call models.ToolCall) ([]models.ToolCall, bool) {
	raw, ok := call.Arguments["tools"].([]any)
	if !ok || len(raw) == 0 || len(raw) > o.config.MaxBatchSize {
		return nil, false
	}

	members := make([]models.ToolCall, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		name, ok := m["name"].(string)
		if !ok || name == "" || name == BatchToolName {
			return nil, false
		}
		args, ok := m["arguments"].(map[string]any)
		if !ok {
			return nil, false
		}
		members = append(members, models.ToolCall{
			ID:        fmt.Sprintf("%s-unwrapped-%d", call.ID, i),
			Name:      name,
			Arguments: args,
		})
	}
	return members, true
}
