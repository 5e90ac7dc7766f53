package automation

import (
	"encoding/json"
	"fmt"
)

// Legacy deployments persisted a rule as a (conditions, actions[]) pair
// instead of the unified component tree. Reads accept either shape; writes
// always produce components. The legacy conditions become a single condition
// component prefixing the action list.

// ComponentsFromLegacy converts legacy condition and action JSON columns into
// a component tree. Either argument may be empty.
func ComponentsFromLegacy(conditionsJSON, actionsJSON []byte) ([]Component, error) {
	var components []Component

	if len(conditionsJSON) > 0 && string(conditionsJSON) != "null" {
		var condition Condition
		if err := json.Unmarshal(conditionsJSON, &condition); err != nil {
			return nil, fmt.Errorf("decode legacy conditions: %w", err)
		}
		components = append(components, Component{
			ID:        "legacy-condition",
			Type:      ComponentCondition,
			Condition: &condition,
		})
	}

	if len(actionsJSON) > 0 && string(actionsJSON) != "null" {
		var actions []ActionNode
		if err := json.Unmarshal(actionsJSON, &actions); err != nil {
			return nil, fmt.Errorf("decode legacy actions: %w", err)
		}
		for i := range actions {
			action := actions[i]
			components = append(components, Component{
				ID:     fmt.Sprintf("legacy-action-%d", i+1),
				Type:   ComponentAction,
				Action: &action,
			})
		}
	}

	return components, nil
}

// LegacyExecutionResults converts legacy split execution result columns
// (conditionResult + actionResults) into a component result forest.
func LegacyExecutionResults(conditionResultJSON, actionResultsJSON []byte) ([]*ComponentResult, error) {
	var results []*ComponentResult

	if len(conditionResultJSON) > 0 && string(conditionResultJSON) != "null" {
		var passed bool
		if err := json.Unmarshal(conditionResultJSON, &passed); err != nil {
			return nil, fmt.Errorf("decode legacy condition result: %w", err)
		}
		status := ComponentSuccess
		if !passed {
			status = ComponentSkipped
		}
		results = append(results, &ComponentResult{
			ComponentID: "legacy-condition",
			Type:        ComponentCondition,
			Status:      status,
		})
	}

	if len(actionResultsJSON) > 0 && string(actionResultsJSON) != "null" {
		var actionResults []*ComponentResult
		if err := json.Unmarshal(actionResultsJSON, &actionResults); err != nil {
			return nil, fmt.Errorf("decode legacy action results: %w", err)
		}
		results = append(results, actionResults...)
	}

	return results, nil
}
