package engine

import (
	"context"
	"fmt"
	"time"

	"staqflow/internal/automation"
	"staqflow/internal/onstaq"
)

// runComponents executes a sequence in order. A false condition or a failed
// action without continueOnError halts the remaining siblings.
func (e *Executor) runComponents(ctx context.Context, components []automation.Component, ec *automation.ExecutionContext) []*automation.ComponentResult {
	var results []*automation.ComponentResult
	for i := range components {
		comp := &components[i]
		result := e.runComponent(ctx, comp, ec)
		results = append(results, result)
		ec.ComponentResults = append(ec.ComponentResults, result)

		switch comp.Type {
		case automation.ComponentCondition:
			if result.Status == automation.ComponentSkipped {
				return results
			}
		case automation.ComponentAction:
			if result.Status == automation.ComponentFailed && !comp.Action.ContinueOnError {
				return results
			}
		}
	}
	return results
}

func (e *Executor) runComponent(ctx context.Context, comp *automation.Component, ec *automation.ExecutionContext) *automation.ComponentResult {
	started := time.Now()
	result := &automation.ComponentResult{
		ComponentID: comp.ID,
		Type:        comp.Type,
	}
	defer func() {
		result.DurationMs = time.Since(started).Milliseconds()
	}()

	switch comp.Type {
	case automation.ComponentAction:
		result.ActionType = comp.Action.Type
		payload, err := e.actions.Run(ctx, comp.Action, ec)
		if err != nil {
			result.Status = automation.ComponentFailed
			result.Error = err.Error()
			e.logger.Warn("Action %s in %s failed: %v", comp.Action.Type, ec.AutomationID, err)
			return result
		}
		result.Status = automation.ComponentSuccess
		result.Result = payload
		return result

	case automation.ComponentCondition:
		passed, diag := e.conditions.Evaluate(ctx, comp.Condition, ec)
		result.Result = diag
		if passed {
			result.Status = automation.ComponentSuccess
		} else {
			result.Status = automation.ComponentSkipped
		}
		return result

	case automation.ComponentBranch:
		e.runBranch(ctx, comp.Branch, ec, result)
		return result

	case automation.ComponentIfElse:
		e.runIfElse(ctx, comp.IfElse, ec, result)
		return result

	default:
		result.Status = automation.ComponentFailed
		result.Error = fmt.Sprintf("unknown component type %q", comp.Type)
		return result
	}
}

// runBranch iterates the derived item collection, executing the branch body
// once per item under a child context. Items created inside iterations are
// folded back into the parent.
func (e *Executor) runBranch(ctx context.Context, branch *automation.Branch, ec *automation.ExecutionContext, result *automation.ComponentResult) {
	items, err := e.branchItems(ctx, branch, ec)
	if err != nil {
		result.Status = automation.ComponentFailed
		result.Error = err.Error()
		return
	}

	for _, item := range items {
		child := ec.Child(item)
		childResults := e.runComponents(ctx, branch.Components, child)
		result.Children = append(result.Children, childResults...)
		ec.MergeCreatedItems(child.CreatedItems)
		// Variables stay shared by reference, so no merge is needed there.
	}

	if automation.AnyFailure(result.Children) {
		result.Status = automation.ComponentFailed
		result.Error = automation.FirstError(result.Children)
	} else {
		result.Status = automation.ComponentSuccess
	}
}

func (e *Executor) branchItems(ctx context.Context, branch *automation.Branch, ec *automation.ExecutionContext) ([]*onstaq.Item, error) {
	switch branch.Type {
	case automation.BranchRelatedItems:
		return e.relatedItems(ctx, branch, ec)

	case automation.BranchCreatedItems:
		// Snapshot at entry; items created inside the branch don't extend
		// the iteration.
		snapshot := make([]*onstaq.Item, len(ec.CreatedItems))
		copy(snapshot, ec.CreatedItems)
		return snapshot, nil

	case automation.BranchLookupItems:
		return e.lookupItems(ctx, branch, ec)

	default:
		return nil, fmt.Errorf("unknown branch type %q", branch.Type)
	}
}

func (e *Executor) relatedItems(ctx context.Context, branch *automation.Branch, ec *automation.ExecutionContext) ([]*onstaq.Item, error) {
	source := ec.EffectiveItem()
	if source == nil {
		return nil, fmt.Errorf("related_items branch has no source item")
	}

	var refs []onstaq.Reference
	var err error
	if branch.Direction == "inbound" {
		refs, err = e.api.ListBackReferences(ctx, source.ID)
	} else {
		refs, err = e.api.ListReferences(ctx, source.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list references for %s: %w", source.ID, err)
	}

	var items []*onstaq.Item
	for _, ref := range refs {
		if branch.ReferenceKind != "" && ref.Kind != branch.ReferenceKind {
			continue
		}
		targetID := ref.ToItemID
		if branch.Direction == "inbound" {
			targetID = ref.FromItemID
		}
		item, err := e.api.GetItem(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("fetch related item %s: %w", targetID, err)
		}
		if branch.CatalogID != "" && item.CatalogID != branch.CatalogID {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (e *Executor) lookupItems(ctx context.Context, branch *automation.Branch, ec *automation.ExecutionContext) ([]*onstaq.Item, error) {
	query, err := e.resolver.Resolve(ctx, branch.OQLQuery, ec)
	if err != nil {
		return nil, fmt.Errorf("resolve branch query: %w", err)
	}
	result, err := e.api.ExecuteQuery(ctx, ec.WorkspaceID, query)
	if err != nil {
		return nil, fmt.Errorf("branch query failed: %w", err)
	}

	var items []*onstaq.Item
	for _, row := range result.Rows {
		itemID, _ := row["id"].(string)
		if itemID == "" {
			itemID, _ = row["itemId"].(string)
		}
		if itemID == "" {
			continue
		}
		item, err := e.api.GetItem(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("fetch item %s from query row: %w", itemID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// runIfElse evaluates the guard and executes one side in the current
// context. Children records whichever side ran.
func (e *Executor) runIfElse(ctx context.Context, node *automation.IfElse, ec *automation.ExecutionContext, result *automation.ComponentResult) {
	passed := true
	if node.Conditions != nil {
		var diag any
		passed, diag = e.conditions.Evaluate(ctx, node.Conditions, ec)
		result.Result = diag
	}

	var side []automation.Component
	if passed {
		side = node.Then
	} else {
		side = node.Else
	}
	result.Children = e.runComponents(ctx, side, ec)

	if automation.AnyFailure(result.Children) {
		result.Status = automation.ComponentFailed
		result.Error = automation.FirstError(result.Children)
	} else {
		result.Status = automation.ComponentSuccess
	}
}
