// Package reminders assembles the ephemeral and persistent system reminders
// appended to formatted tool results.
package reminders

import (
	"fmt"
	"strings"
	"time"
)

// Reminder is one produced reminder. Source labels the producer so the
// session layer can strip ephemeral reminders at turn end.
type Reminder struct {
	Source  string
	Text    string
	Persist bool
}

// Producer source labels, in the fixed injection order.
const (
	SourceTool          = "tool"
	SourceTime          = "time"
	SourceCycle         = "cycle-detection"
	SourceGlobalPattern = "global-pattern-detection"
	SourceFocus         = "focus"
)

const (
	openTag  = "<system-reminder>"
	closeTag = "</system-reminder>"
)

// Inject appends each non-empty reminder to the content, wrapped in reminder
// tags, preserving input order.
func Inject(content string, rs []Reminder) string {
	var b strings.Builder
	b.WriteString(content)
	for _, r := range rs {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(openTag)
		b.WriteString("\n")
		b.WriteString(r.Text)
		b.WriteString("\n")
		b.WriteString(closeTag)
	}
	return b.String()
}

// Time-budget thresholds, in percent elapsed. Comparisons are strict >=.
const (
	timeGentlePercent   = 50
	timeWarningPercent  = 75
	timeUrgentPercent   = 90
	timeCriticalPercent = 100
)

// TimeReminder produces the elapsed-time reminder for a turn with a maximum
// duration. It returns ok=false while under the gentle threshold.
func TimeReminder(elapsed, max time.Duration) (string, bool) {
	if max <= 0 {
		return "", false
	}
	percent := int(elapsed * 100 / max)
	if percent < timeGentlePercent {
		return "", false
	}

	remaining := max - elapsed
	if remaining < 0 {
		remaining = 0
	}

	switch {
	case percent >= timeCriticalPercent:
		return "The time budget for this turn is exhausted. Finish the current step and summarize your progress now.", true
	case percent >= timeUrgentPercent:
		return fmt.Sprintf("Urgent: %d%% of the time budget is used. Only %s remaining; wrap up the current work.", percent, formatRemaining(remaining)), true
	case percent >= timeWarningPercent:
		return fmt.Sprintf("Time is running short: %d%% of the time budget is used. %s remaining.", percent, formatRemaining(remaining)), true
	default:
		return fmt.Sprintf("Over half the time budget is used (%d%%). %s remaining.", percent, formatRemaining(remaining)), true
	}
}

// formatRemaining renders a duration as m:ss.
func formatRemaining(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// ExploratoryReminder produces the streak reminder once the per-turn counter
// reaches the gentle threshold, escalating at the stern threshold.
func ExploratoryReminder(streak, gentle, stern int) (string, bool) {
	if gentle <= 0 || streak < gentle {
		return "", false
	}
	if stern > 0 && streak >= stern {
		return fmt.Sprintf("You have made %d exploratory tool calls in a row without acting on the results. Stop exploring and make concrete progress on the task.", streak), true
	}
	return fmt.Sprintf("You have made %d exploratory tool calls in a row. Consider acting on what you have found.", streak), true
}

// DedupNotice is the payload substituted for a result whose content is
// identical to an earlier call in the turn.
func DedupNotice(priorCallID string) string {
	return fmt.Sprintf("Result identical to previous call %s; content omitted to save context.", priorCallID)
}
