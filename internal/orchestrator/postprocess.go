package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/benhmoore/codeally/internal/reminders"
	"github.com/benhmoore/codeally/pkg/models"
)

// postProcessAll post-processes settled results in input order. It runs on
// the dispatcher goroutine after all members have settled, so the streak
// counter and checkpoint flag need no locking.
func (o *Orchestrator) postProcessAll(ctx context.Context, calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for i := range results {
		out[i] = o.postProcess(ctx, calls[i], results[i])
	}
	return out
}

// postProcess applies streak accounting, the per-turn checkpoint reminder,
// deduplication, truncation, and reminder injection to one settled result,
// then appends the conversation message.
func (o *Orchestrator) postProcess(ctx context.Context, call models.ToolCall, result models.ToolResult) models.ToolResult {
	desc := o.descriptor(call.Name)

	if desc.Exploratory && !o.config.Specialized {
		o.exploratoryStreak++
		if text, ok := reminders.ExploratoryReminder(o.exploratoryStreak, o.config.ExploratoryGentle, o.config.ExploratoryStern); ok {
			result.SystemReminder = joinReminder(result.SystemReminder, text)
		}
	} else if !desc.Exploratory && !desc.PreservesStreak {
		o.exploratoryStreak = 0
	}

	// The checkpoint reminder rides on the first result of the turn only.
	if !o.checkpointDone {
		o.checkpointDone = true
		if text := o.agent.CheckpointReminder(ctx); text != "" {
			result.SystemReminder = joinReminder(result.SystemReminder, text)
		}
	}

	// Dedup keys on the payload, not the serialized envelope, so identical
	// output from different call ids still matches.
	if !result.Ephemeral && result.Content != "" {
		if tracker := o.agent.TokenTracker(); tracker != nil {
			if prior, dup := tracker.RecordResult(call.ID, result.Content); dup {
				result.Content = reminders.DedupNotice(prior)
			}
		}
	}

	content := o.formatted(result)
	if o.resultManager != nil && !result.NoTruncate {
		content = o.resultManager.Truncate(content, call.Name)
	}
	if result.Warning != "" {
		content += "\n\n" + result.Warning
	}

	content = reminders.Inject(content, o.collectReminders(call, result))
	o.appendMessage(call, result, content)
	return result
}

// formatted serializes the result for the conversation, falling back to the
// raw content when serialization fails.
func (o *Orchestrator) formatted(result models.ToolResult) string {
	formatted, err := result.Formatted()
	if err != nil {
		o.logger.Warn("failed to format tool result",
			"tool_call_id", result.ToolCallID,
			"error", err)
		return result.Content
	}
	return formatted
}

// collectReminders assembles the reminder list for one result in the fixed
// injection order: the tool's own reminder, elapsed time, per-call cycle
// warning, turn-wide pattern warning, and the focus reminder.
func (o *Orchestrator) collectReminders(call models.ToolCall, result models.ToolResult) []reminders.Reminder {
	var rs []reminders.Reminder

	if result.SystemReminder != "" {
		rs = append(rs, reminders.Reminder{
			Source:  reminders.SourceTool,
			Text:    result.SystemReminder,
			Persist: result.PersistReminder,
		})
	}

	if max := o.agent.MaxDuration(); max > 0 {
		if text, ok := reminders.TimeReminder(time.Since(o.agent.TurnStartTime()), max); ok {
			rs = append(rs, reminders.Reminder{Source: reminders.SourceTime, Text: text})
		}
	}

	if info, ok := o.cycles[call.ID]; ok && info.Warning != "" {
		rs = append(rs, reminders.Reminder{Source: reminders.SourceCycle, Text: info.Warning})
	}
	if info, ok := o.cycles[GlobalPatternKey]; ok && info.Warning != "" {
		rs = append(rs, reminders.Reminder{Source: reminders.SourceGlobalPattern, Text: info.Warning})
	}

	// Focus reminders are for the main agent only; nested agents have their
	// own narrow task and no todo list.
	if o.parentCallID == "" && o.todos != nil {
		if todo, err := o.todos.InProgress(); err == nil && todo != nil {
			rs = append(rs, reminders.Reminder{
				Source: reminders.SourceFocus,
				Text:   fmt.Sprintf("You are currently working on: %s", todo.Title),
			})
		}
	}

	return rs
}

// appendMessage records the finished result in the conversation with the
// metadata the session layer needs for ephemeral stripping and status
// display.
func (o *Orchestrator) appendMessage(call models.ToolCall, result models.ToolResult, content string) {
	metadata := map[string]any{
		"success": result.Success,
	}
	if result.Error != nil {
		metadata["error_kind"] = string(result.Error.Kind)
	}
	if result.Ephemeral {
		metadata["ephemeral"] = true
	}
	if !result.ExecutionStart.IsZero() {
		metadata["execution_start"] = result.ExecutionStart
	}
	for k, v := range result.Metadata {
		metadata[k] = v
	}

	o.agent.AddMessage(models.Message{
		Role:       "tool",
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		Metadata:   metadata,
	})
}

// joinReminder concatenates reminder texts with a blank line between them.
func joinReminder(existing, extra string) string {
	if existing == "" {
		return extra
	}
	if extra == "" {
		return existing
	}
	return existing + "\n\n" + extra
}
