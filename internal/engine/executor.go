// Package engine runs rule programs: the executor walks component trees under
// a global concurrency gate, and the trigger manager turns trigger
// declarations into live watchers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"staqflow/internal/action"
	"staqflow/internal/automation"
	"staqflow/internal/condition"
	"staqflow/internal/logging"
	"staqflow/internal/metrics"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
	"staqflow/internal/utils/id"
)

// Store is the subset of the persistence layer the engine needs.
type Store interface {
	GetAutomation(ctx context.Context, automationID string) (*automation.Automation, error)
	ListEnabledAutomations(ctx context.Context) ([]*automation.Automation, error)
	InsertExecution(ctx context.Context, exec *automation.Execution) error
	FinalizeExecution(ctx context.Context, exec *automation.Execution) error
	GetTriggerState(ctx context.Context, automationID string) (*automation.TriggerState, error)
	SaveTriggerState(ctx context.Context, state *automation.TriggerState) error
}

// ExecutionListener observes execution lifecycle transitions. Used by the
// HTTP layer to stream updates over websockets.
type ExecutionListener func(exec *automation.Execution)

const drainTimeout = 30 * time.Second

// Executor walks rule programs and persists execution records. A weighted
// semaphore caps concurrent runs; waiters are admitted in FIFO order.
type Executor struct {
	store      Store
	api        onstaq.API
	resolver   *template.Resolver
	conditions *condition.Evaluator
	actions    *action.Runner
	metrics    *metrics.Metrics
	logger     logging.Logger

	gate    *semaphore.Weighted
	running atomic.Bool
	wg      sync.WaitGroup

	listenerMu sync.RWMutex
	listeners  []ExecutionListener
}

// NewExecutor wires the executor and registers it as the chained-trigger
// entry point on the action runner.
func NewExecutor(store Store, api onstaq.API, resolver *template.Resolver, conditions *condition.Evaluator, actions *action.Runner, maxConcurrent int, m *metrics.Metrics) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	e := &Executor{
		store:      store,
		api:        api,
		resolver:   resolver,
		conditions: conditions,
		actions:    actions,
		metrics:    m,
		logger:     logging.NewComponentLogger("Executor"),
		gate:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
	e.running.Store(true)
	actions.SetChainTrigger(e)
	return e
}

// AddListener registers an execution lifecycle observer.
func (e *Executor) AddListener(listener ExecutionListener) {
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, listener)
	e.listenerMu.Unlock()
}

func (e *Executor) notify(exec *automation.Execution) {
	e.listenerMu.RLock()
	listeners := e.listeners
	e.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener(exec)
	}
}

// Dispatch records a PENDING execution for the event and runs it
// asynchronously. The execution id is returned as soon as the record is
// written.
func (e *Executor) Dispatch(ctx context.Context, auto *automation.Automation, event *automation.TriggerEvent) (string, error) {
	return e.dispatch(ctx, auto, event, 0)
}

// TriggerManually builds a manual event, resolving parameters.itemId or
// parameters.itemKey to an item when present.
func (e *Executor) TriggerManually(ctx context.Context, automationID string, parameters map[string]any) (string, error) {
	return e.triggerByID(ctx, automationID, parameters, 0)
}

// TriggerChained is the automation.trigger entry point. The chain depth
// carries over so recursion stays bounded.
func (e *Executor) TriggerChained(ctx context.Context, automationID string, parameters map[string]any, chainDepth int) (string, error) {
	return e.triggerByID(ctx, automationID, parameters, chainDepth)
}

func (e *Executor) triggerByID(ctx context.Context, automationID string, parameters map[string]any, chainDepth int) (string, error) {
	auto, err := e.store.GetAutomation(ctx, automationID)
	if err != nil {
		return "", err
	}

	event := automation.NewTriggerEvent(automation.TriggerManual)
	event.ManualParameters = parameters

	if itemID, ok := parameters["itemId"].(string); ok && itemID != "" {
		item, err := e.api.GetItem(ctx, itemID)
		if err != nil {
			return "", fmt.Errorf("resolve itemId %s: %w", itemID, err)
		}
		event.Item = item
	} else if itemKey, ok := parameters["itemKey"].(string); ok && itemKey != "" {
		item, err := e.api.FindItemByKey(ctx, auto.WorkspaceID, itemKey)
		if err != nil {
			return "", fmt.Errorf("resolve itemKey %q: %w", itemKey, err)
		}
		event.Item = item
	}

	return e.dispatch(ctx, auto, event, chainDepth)
}

func (e *Executor) dispatch(ctx context.Context, auto *automation.Automation, event *automation.TriggerEvent, chainDepth int) (string, error) {
	if !e.running.Load() {
		return "", fmt.Errorf("executor is stopped")
	}

	exec := &automation.Execution{
		ID:           id.NewExecutionID(),
		AutomationID: auto.ID,
		Status:       automation.ExecutionPending,
		Trigger:      event,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("record execution: %w", err)
	}
	e.notify(exec)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The run outlives the dispatching request.
		e.run(context.Background(), auto, event, exec, chainDepth)
	}()
	return exec.ID, nil
}

// run takes the execution from PENDING through to a terminal status. Panics
// in the component walk finalize the run as FAILED rather than crashing the
// process.
func (e *Executor) run(ctx context.Context, auto *automation.Automation, event *automation.TriggerEvent, exec *automation.Execution, chainDepth int) {
	e.metrics.ExecutionQueued()
	if err := e.gate.Acquire(ctx, 1); err != nil {
		e.metrics.ExecutionDequeued()
		e.finalize(ctx, exec, automation.ExecutionFailed, nil, fmt.Sprintf("admission aborted: %v", err))
		return
	}
	e.metrics.ExecutionDequeued()
	e.metrics.ExecutionStarted()
	defer func() {
		e.gate.Release(1)
		e.metrics.ExecutionFinished()
	}()

	exec.Status = automation.ExecutionRunning
	e.notify(exec)

	ec := automation.NewExecutionContext(auto, event)
	ec.ChainDepth = chainDepth

	var results []*automation.ComponentResult
	panicked := func() (panicked bool) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				e.logger.Error("Panic in execution %s of %s: %v", exec.ID, auto.ID, r)
				e.finalize(ctx, exec, automation.ExecutionFailed, ec.ComponentResults, fmt.Sprintf("internal error: %v", r))
			}
		}()
		results = e.runComponents(ctx, auto.Components, ec)
		return false
	}()
	if panicked {
		return
	}

	status := automation.ExecutionSuccess
	if automation.AnyFailure(results) {
		status = automation.ExecutionFailed
	}
	e.finalize(ctx, exec, status, results, automation.FirstError(results))
}

func (e *Executor) finalize(ctx context.Context, exec *automation.Execution, status automation.ExecutionStatus, results []*automation.ComponentResult, errMsg string) {
	now := time.Now().UTC()
	duration := now.Sub(exec.StartedAt).Milliseconds()
	exec.Status = status
	exec.ComponentResults = results
	exec.Error = errMsg
	exec.CompletedAt = &now
	exec.DurationMs = &duration

	if err := e.store.FinalizeExecution(ctx, exec); err != nil {
		e.logger.Error("Failed to finalize execution %s: %v", exec.ID, err)
	}
	e.metrics.ObserveExecution(string(status), time.Duration(duration)*time.Millisecond)
	e.notify(exec)
}

// Stop refuses new dispatches and waits up to 30s for in-flight runs to
// drain. Runs are not interrupted mid-flight.
func (e *Executor) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.Warn("Timed out waiting for in-flight executions to drain")
	}
}

// Test produces a dry-run outline of what the rule program would execute.
// No actions run and nothing is persisted. When mockTriggerData is given, it
// is decoded into a simulated trigger event and every condition line is
// annotated with whether it would match that event.
func (e *Executor) Test(ctx context.Context, automationID string, mockTriggerData map[string]any) ([]string, error) {
	auto, err := e.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}

	var ec *automation.ExecutionContext
	if mockTriggerData != nil {
		event, err := mockTriggerEvent(auto.Trigger.Type, mockTriggerData)
		if err != nil {
			return nil, err
		}
		ec = automation.NewExecutionContext(auto, event)
	}

	var outline []string
	e.describeComponents(ctx, auto.Components, "", ec, &outline)
	return outline, nil
}

// mockTriggerEvent decodes simulated trigger data (item, previousValues,
// webhookPayload, manualParameters) into an event for dry runs.
func mockTriggerEvent(triggerType string, data map[string]any) (*automation.TriggerEvent, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode mock trigger data: %w", err)
	}
	event := automation.NewTriggerEvent(triggerType)
	if err := json.Unmarshal(encoded, event); err != nil {
		return nil, fmt.Errorf("decode mock trigger data: %w", err)
	}
	return event, nil
}

func (e *Executor) describeComponents(ctx context.Context, components []automation.Component, indent string, ec *automation.ExecutionContext, outline *[]string) {
	for _, comp := range components {
		switch comp.Type {
		case automation.ComponentAction:
			name := comp.Action.Type
			if comp.Action.Name != "" {
				name = fmt.Sprintf("%s (%s)", comp.Action.Type, comp.Action.Name)
			}
			*outline = append(*outline, indent+"action: "+name)
		case automation.ComponentCondition:
			line := indent + "condition: " + describeCondition(comp.Condition)
			*outline = append(*outline, line+e.annotateCondition(ctx, comp.Condition, ec))
		case automation.ComponentBranch:
			*outline = append(*outline, fmt.Sprintf("%sbranch: %s", indent, comp.Branch.Type))
			e.describeComponents(ctx, comp.Branch.Components, indent+"  ", ec, outline)
		case automation.ComponentIfElse:
			line := indent + "if: " + describeCondition(comp.IfElse.Conditions)
			*outline = append(*outline, line+e.annotateCondition(ctx, comp.IfElse.Conditions, ec))
			e.describeComponents(ctx, comp.IfElse.Then, indent+"  ", ec, outline)
			if len(comp.IfElse.Else) > 0 {
				*outline = append(*outline, indent+"else:")
				e.describeComponents(ctx, comp.IfElse.Else, indent+"  ", ec, outline)
			}
		}
	}
}

// annotateCondition reports whether the condition would pass for the
// simulated event. Empty when no mock data was supplied.
func (e *Executor) annotateCondition(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) string {
	if ec == nil {
		return ""
	}
	if cond == nil {
		return " [would match]"
	}
	if passed, _ := e.conditions.Evaluate(ctx, cond, ec); passed {
		return " [would match]"
	}
	return " [would not match]"
}

func describeCondition(cond *automation.Condition) string {
	if cond == nil {
		return "always"
	}
	if cond.IsLeaf() {
		switch cond.Kind {
		case automation.ConditionAttribute:
			return fmt.Sprintf("%s %s %v", cond.Field, cond.Op, cond.Value)
		case automation.ConditionQuery:
			return "oql " + cond.Query
		case automation.ConditionReference:
			return "reference " + cond.Direction
		case automation.ConditionTemplate:
			return "template " + cond.Template
		}
		return cond.Kind
	}
	parts := make([]string, len(cond.Conditions))
	for i := range cond.Conditions {
		parts[i] = describeCondition(&cond.Conditions[i])
	}
	return cond.Operator + "(" + strings.Join(parts, ", ") + ")"
}
