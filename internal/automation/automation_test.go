package automation

import (
	"strings"
	"testing"
)

func validAutomation() *Automation {
	return &Automation{
		Name:        "escalate stale tickets",
		WorkspaceID: "ws-1",
		Trigger:     TriggerSpec{Type: TriggerItemCreated, CatalogID: "cat-1"},
		Components: []Component{{
			ID:   "c1",
			Type: ComponentAction,
			Action: &ActionNode{
				Type:   ActionCommentAdd,
				Config: map[string]any{"body": "hi"},
			},
		}},
	}
}

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	if err := validAutomation().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Automation)
		wantSub string
	}{
		{"missing name", func(a *Automation) { a.Name = "" }, "name"},
		{"missing workspace", func(a *Automation) { a.WorkspaceID = "" }, "workspaceId"},
		{"unknown trigger", func(a *Automation) { a.Trigger.Type = "item.vanished" }, "unknown trigger type"},
		{"schedule without cron", func(a *Automation) {
			a.Trigger = TriggerSpec{Type: TriggerSchedule}
		}, "cron"},
		{"oql without query", func(a *Automation) {
			a.Trigger = TriggerSpec{Type: TriggerOQLMatch}
		}, "query"},
		{"oql bad policy", func(a *Automation) {
			a.Trigger = TriggerSpec{Type: TriggerOQLMatch, Query: "SELECT 1", TriggerOn: "sometimes"}
		}, "policy"},
		{"attribute.changed without name", func(a *Automation) {
			a.Trigger = TriggerSpec{Type: TriggerAttributeChange}
		}, "attributeName"},
		{"unknown action type", func(a *Automation) {
			a.Components[0].Action.Type = "item.explode"
		}, "unknown action type"},
		{"component without id", func(a *Automation) {
			a.Components[0].ID = ""
		}, "id"},
		{"action without payload", func(a *Automation) {
			a.Components[0].Action = nil
		}, "no action payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auto := validAutomation()
			tc.mutate(auto)
			err := auto.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	not := &Condition{Operator: OperatorNot, Conditions: []Condition{
		{Kind: ConditionAttribute, Field: "Status"},
		{Kind: ConditionAttribute, Field: "Priority"},
	}}
	if err := not.Validate(); err == nil {
		t.Fatal("NOT with two children must fail")
	}

	and := &Condition{Operator: OperatorAnd}
	if err := and.Validate(); err == nil {
		t.Fatal("AND without children must fail")
	}

	leaf := &Condition{Kind: ConditionAttribute}
	if err := leaf.Validate(); err == nil {
		t.Fatal("attribute leaf without field must fail")
	}
}

func TestIsPolling(t *testing.T) {
	polling := []string{
		TriggerItemCreated, TriggerItemUpdated, TriggerItemDeleted,
		TriggerAttributeChange, TriggerStatusChanged, TriggerReferenceAdded,
		TriggerItemLinked, TriggerItemUnlinked, TriggerItemCommented,
		TriggerOQLMatch,
	}
	for _, typ := range polling {
		if !(TriggerSpec{Type: typ}).IsPolling() {
			t.Fatalf("%s should be polling", typ)
		}
	}
	for _, typ := range []string{TriggerSchedule, TriggerManual, TriggerWebhook} {
		if (TriggerSpec{Type: typ}).IsPolling() {
			t.Fatalf("%s should not be polling", typ)
		}
	}
}

func TestComponentsFromLegacy(t *testing.T) {
	conditions := []byte(`{"kind":"attribute","field":"Status","op":"equals","value":"Open"}`)
	actions := []byte(`[{"type":"comment.add","config":{"body":"hi"}},{"type":"log","config":{"message":"x"}}]`)

	components, err := ComponentsFromLegacy(conditions, actions)
	if err != nil {
		t.Fatalf("ComponentsFromLegacy: %v", err)
	}
	if len(components) != 3 {
		t.Fatalf("expected condition + 2 actions, got %d", len(components))
	}
	if components[0].Type != ComponentCondition || components[0].Condition.Field != "Status" {
		t.Fatalf("bad condition component: %+v", components[0])
	}
	if components[1].Action.Type != ActionCommentAdd || components[2].Action.Type != ActionLog {
		t.Fatalf("bad action components: %+v", components[1:])
	}

	// Null columns contribute nothing.
	components, err = ComponentsFromLegacy([]byte("null"), nil)
	if err != nil {
		t.Fatalf("null columns: %v", err)
	}
	if len(components) != 0 {
		t.Fatalf("expected empty tree, got %d", len(components))
	}
}

func TestLegacyExecutionResults(t *testing.T) {
	results, err := LegacyExecutionResults([]byte("false"), []byte(`[{"componentId":"a1","status":"success"}]`))
	if err != nil {
		t.Fatalf("LegacyExecutionResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Status != ComponentSkipped {
		t.Fatalf("failed legacy condition should map to skipped, got %s", results[0].Status)
	}
	if results[1].ComponentID != "a1" {
		t.Fatalf("bad action result: %+v", results[1])
	}
}

func TestFailureHelpers(t *testing.T) {
	results := []*ComponentResult{
		{ComponentID: "ok", Status: ComponentSuccess},
		{ComponentID: "branch", Status: ComponentSuccess, Children: []*ComponentResult{
			{ComponentID: "deep", Status: ComponentFailed, Error: "boom"},
		}},
	}
	if !AnyFailure(results) {
		t.Fatal("nested failure not detected")
	}
	if got := FirstError(results); got != "boom" {
		t.Fatalf("FirstError: %q", got)
	}
	if AnyFailure([]*ComponentResult{{Status: ComponentSkipped}}) {
		t.Fatal("skipped is not a failure")
	}
}

func TestExecutionContextChild(t *testing.T) {
	auto := validAutomation()
	auto.ID = "auto-1"
	event := NewTriggerEvent(TriggerManual)
	ec := NewExecutionContext(auto, event)
	ec.Variables["k"] = "v"

	child := ec.Child(nil)
	child.Variables["k2"] = "v2"
	if ec.Variables["k2"] != "v2" {
		t.Fatal("variables must be shared with the parent")
	}
	if len(child.ComponentResults) != 0 {
		t.Fatal("child result list must start fresh")
	}

	ec.AddCreatedItem(nil)
	if len(ec.CreatedItems) != 0 {
		t.Fatal("nil created item recorded")
	}
}
