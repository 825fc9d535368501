package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benhmoore/codeally/internal/tools"
	"github.com/benhmoore/codeally/pkg/models"
)

// callRun tracks one call through its lifecycle. endOnce guarantees exactly
// one end event per call even when a group abort races a member finishing on
// its own.
type callRun struct {
	call     models.ToolCall
	parentID string
	endOnce  sync.Once
}

func (o *Orchestrator) newRun(call models.ToolCall, parentID string) *callRun {
	return &callRun{call: call, parentID: parentID}
}

// finish emits the end event for a run at most once.
func (o *Orchestrator) finish(run *callRun, result models.ToolResult) {
	run.endOnce.Do(func() {
		o.emitCallEnd(run.call, run.parentID, result)
	})
}

// runCall drives one call through preview, validation, form fill, permission,
// and execution. It always settles with a result; a non-nil error is
// returned only for a permission denial, which the dispatcher escalates to
// abort the enclosing group.
func (o *Orchestrator) runCall(ctx context.Context, run *callRun, startEmitted bool) (models.ToolResult, error) {
	call := run.call
	desc := o.descriptor(call.Name)

	if !startEmitted {
		o.emitCallStart(call, run.parentID)
	}

	tool, _ := o.registry().Get(call.Name)

	// Preview surfaces before any gating so the user sees what the tool
	// would do while deciding on permission.
	if p, ok := tool.(tools.Previewer); ok {
		p.Preview(ctx, call.Arguments, call.ID)
	}

	// Confirmation-gated tools validate arguments before the prompt; a
	// validation failure settles the call without ever asking the user.
	if desc.RequiresConfirmation {
		if v, ok := tool.(tools.Validator); ok {
			if err := v.Validate(ctx, call.Arguments); err != nil {
				result := models.NewErrorResult(call, models.ErrorKindValidationError, err.Error())
				o.finish(run, result)
				return result, nil
			}
		}
	}

	args := call.Arguments
	if len(desc.FormSchema) > 0 && o.forms != nil {
		merged, result, settled := o.fillForm(ctx, run, desc)
		if settled {
			return result, nil
		}
		args = merged
	}

	if desc.RequiresConfirmation && o.permissions != nil {
		o.emit(call.ID, models.EventToolPermissionRequest, run.parentID, map[string]any{
			"tool_name": call.Name,
			"arguments": args,
		})
		if err := o.permissions.Request(ctx, call, desc); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				result := models.NewErrorResult(call, models.ErrorKindPermissionDenied, "Permission denied")
				o.finish(run, result)
				return result, err
			}
			result := models.NewErrorResult(call, models.ErrorKindSystemError, err.Error())
			o.finish(run, result)
			return result, nil
		}
	}

	o.maybePromoteTodo(call.Name)

	o.emit(call.ID, models.EventToolExecutionStart, run.parentID, map[string]any{
		"tool_name": call.Name,
	})
	start := time.Now()

	execCall := models.ToolCall{ID: call.ID, Name: call.Name, Arguments: args}
	execCtx := tools.ExecContext{AgentName: o.agent.AgentName(), Registry: o.registry()}
	result, err := o.registry().Execute(ctx, execCall, execCtx)
	if err != nil {
		result = o.mapExecutionError(call, err)
	}
	if result.ToolCallID == "" {
		result.ToolCallID = call.ID
	}
	if result.ExecutionStart.IsZero() {
		result.ExecutionStart = start
	}

	o.finish(run, result)
	return result, nil
}

// fillForm runs the interactive form step. settled=true means the call ended
// here (cancellation or form failure) and result carries its outcome;
// otherwise the merged arguments are returned for execution.
func (o *Orchestrator) fillForm(ctx context.Context, run *callRun, desc models.ToolDescriptor) (map[string]any, models.ToolResult, bool) {
	call := run.call
	o.emit(call.ID, models.EventToolFormRequest, run.parentID, map[string]any{
		"tool_name": call.Name,
		"schema":    string(desc.FormSchema),
	})

	values, err := o.forms.Fill(ctx, call, desc.FormSchema)
	if err != nil {
		if errors.Is(err, ErrFormCancelled) {
			o.emit(call.ID, models.EventToolFormCancel, run.parentID, map[string]any{
				"tool_name": call.Name,
			})
			result := models.NewErrorResult(call, models.ErrorKindFormCancelled, "Form cancelled by user")
			o.finish(run, result)
			return nil, result, true
		}
		result := models.NewErrorResult(call, models.ErrorKindSystemError, err.Error())
		o.finish(run, result)
		return nil, result, true
	}

	o.emit(call.ID, models.EventToolFormResponse, run.parentID, map[string]any{
		"tool_name": call.Name,
	})

	// Form values overlay the model-supplied arguments on a copy so the
	// original call record stays intact.
	merged := make(map[string]any, len(call.Arguments)+len(values))
	for k, v := range call.Arguments {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	return merged, models.ToolResult{}, false
}

// mapExecutionError converts an execution fault into the result the model
// sees. Cancellation becomes interrupted, traversal becomes
// permission_denied, everything else is a system error.
func (o *Orchestrator) mapExecutionError(call models.ToolCall, err error) models.ToolResult {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return models.NewErrorResult(call, models.ErrorKindInterrupted, "Tool execution interrupted")
	case errors.Is(err, tools.ErrPathTraversal):
		return models.NewErrorResult(call, models.ErrorKindPermissionDenied, err.Error())
	default:
		return models.NewErrorResult(call, models.ErrorKindSystemError, err.Error())
	}
}
