package orchestrator

// maybePromoteTodo promotes the first pending todo to in-progress when
// nothing is in progress and the tool about to run is not itself a todo
// tool. Best effort: failures are logged at debug and never block the call.
func (o *Orchestrator) maybePromoteTodo(toolName string) {
	if o.todos == nil {
		return
	}
	if _, ok := o.todoTools[toolName]; ok {
		return
	}

	current, err := o.todos.InProgress()
	if err != nil || current != nil {
		return
	}
	next, err := o.todos.FirstPending()
	if err != nil || next == nil {
		return
	}
	if err := o.todos.SetInProgress(next.ID); err != nil {
		o.logger.Debug("todo auto-promotion failed", "todo_id", next.ID, "error", err)
	}
}
