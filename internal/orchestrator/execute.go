package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/benhmoore/codeally/pkg/models"
)

// Execute runs one turn of tool calls. Batch wrappers are flattened first,
// then the concurrency policy picks the dispatch path. Results come back in
// input order. The returned error is non-nil only when a permission denial
// aborted the turn; every per-tool failure is a result, not an error.
func (o *Orchestrator) Execute(ctx context.Context, calls []models.ToolCall, cycles map[string]CycleInfo) ([]models.ToolResult, error) {
	o.checkpointDone = false
	o.displayFlags = make(map[string]models.ToolDescriptor)
	o.cycles = cycles
	o.agent.ResetActivity()

	unwrapped := o.unwrapBatches(calls)
	if len(unwrapped) == 0 {
		return nil, nil
	}

	if len(unwrapped) > 1 && o.concurrentEligible(unwrapped) {
		return o.executeConcurrent(ctx, unwrapped)
	}
	return o.executeSequential(ctx, unwrapped)
}

// concurrentEligible reports whether every call in the set is on the
// safe-concurrent list. A single unsafe member forces the whole set
// sequential.
func (o *Orchestrator) concurrentEligible(calls []models.ToolCall) bool {
	if !o.config.ParallelTools {
		return false
	}
	for _, call := range calls {
		if _, ok := o.safeConcurrent[call.Name]; !ok {
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeSequential(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		run := o.newRun(call, o.parentCallID)
		result, err := o.runCall(ctx, run, false)
		results = append(results, o.postProcess(ctx, call, result))
		if err != nil {
			return results, fmt.Errorf("tool %s: %w", call.Name, err)
		}
	}
	return results, nil
}

// executeConcurrent dispatches every call on its own goroutine under one
// group. The group start and every member start are emitted before any
// member executes, so the UI renders the full group immediately. A
// permission denial cancels the shared context, settles still-pending
// members with synthetic end events, and aborts the turn without waiting
// for stragglers.
func (o *Orchestrator) executeConcurrent(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, error) {
	groupID := "group-" + uuid.NewString()
	o.emitGroupStart(groupID, calls)

	runs := make([]*callRun, len(calls))
	for i, call := range calls {
		runs[i] = o.newRun(call, groupID)
		o.emitCallStart(call, groupID)
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]models.ToolResult, len(calls))
		settled = make([]bool, len(calls))
		wg      sync.WaitGroup
	)
	denialCh := make(chan error, 1)

	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := o.runCall(groupCtx, runs[i], true)
			mu.Lock()
			results[i] = result
			settled[i] = true
			mu.Unlock()
			if err != nil {
				select {
				case denialCh <- err:
					cancel()
				default:
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case err := <-denialCh:
		mu.Lock()
		out := make([]models.ToolResult, len(calls))
		for i := range calls {
			if settled[i] {
				out[i] = results[i]
				continue
			}
			// Members that never settled get a placeholder so every start
			// event is paired with exactly one end event.
			out[i] = models.NewErrorResult(calls[i], models.ErrorKindSystemError, "Unknown error")
			o.finish(runs[i], out[i])
		}
		mu.Unlock()

		o.emitGroupEnd(groupID, false, "Permission denied")
		final := o.postProcessAll(ctx, calls, out)
		return final, fmt.Errorf("tool group aborted: %w", err)
	}

	success := true
	for i := range results {
		if !results[i].Success {
			success = false
			break
		}
	}
	o.emitGroupEnd(groupID, success, "")

	final := o.postProcessAll(ctx, calls, results)
	return final, nil
}
