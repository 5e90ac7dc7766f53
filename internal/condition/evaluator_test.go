package condition

import (
	"context"
	"fmt"
	"testing"

	"staqflow/internal/automation"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

type fakeAPI struct {
	onstaq.API
	queryResult *onstaq.QueryResult
	queryErr    error
	references  []onstaq.Reference
	backRefs    []onstaq.Reference
}

func (f *fakeAPI) ExecuteQuery(_ context.Context, _ string, _ string) (*onstaq.QueryResult, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResult, nil
}

func (f *fakeAPI) ListReferences(_ context.Context, _ string) ([]onstaq.Reference, error) {
	return f.references, nil
}

func (f *fakeAPI) ListBackReferences(_ context.Context, _ string) ([]onstaq.Reference, error) {
	return f.backRefs, nil
}

func newTestEvaluator(api *fakeAPI) *Evaluator {
	return NewEvaluator(api, template.NewResolver(api))
}

func contextWith(current, previous map[string]any) *automation.ExecutionContext {
	event := automation.NewTriggerEvent(automation.TriggerItemUpdated)
	event.Item = &onstaq.Item{ID: "item-1", AttributeValues: current}
	event.PreviousValues = previous
	return automation.NewExecutionContext(&automation.Automation{
		ID:          "auto-1",
		Name:        "rule",
		WorkspaceID: "ws-1",
	}, event)
}

func attrLeaf(field, op string, value any) *automation.Condition {
	return &automation.Condition{Kind: automation.ConditionAttribute, Field: field, Op: op, Value: value}
}

func TestAttributeOperators(t *testing.T) {
	e := newTestEvaluator(&fakeAPI{})
	ec := contextWith(map[string]any{
		"Status":   "Done",
		"Priority": "high",
		"Count":    float64(5),
		"Tags":     "backend,api",
	}, nil)

	cases := []struct {
		name string
		cond *automation.Condition
		want bool
	}{
		{"equals exact", attrLeaf("Status", "equals", "Done"), true},
		{"equals case-insensitive", attrLeaf("Status", "equals", "DONE"), true},
		{"equals mismatch", attrLeaf("Status", "equals", "Open"), false},
		{"not_equals", attrLeaf("Status", "not_equals", "Open"), true},
		{"contains", attrLeaf("Tags", "contains", "API"), true},
		{"not_contains", attrLeaf("Tags", "not_contains", "frontend"), true},
		{"starts_with", attrLeaf("Priority", "starts_with", "HI"), true},
		{"ends_with", attrLeaf("Priority", "ends_with", "GH"), true},
		{"greater_than", attrLeaf("Count", "greater_than", 3), true},
		{"greater_than false", attrLeaf("Count", "greater_than", 5), false},
		{"less_than_or_equal", attrLeaf("Count", "less_than_or_equal", 5), true},
		{"numeric on non-number", attrLeaf("Status", "greater_than", 1), false},
		{"in", attrLeaf("Status", "in", []any{"Open", "Done"}), true},
		{"not_in", attrLeaf("Status", "not_in", []any{"Open"}), true},
		{"is_null on missing", attrLeaf("Missing", "is_null", nil), true},
		{"is_not_null", attrLeaf("Status", "is_not_null", nil), true},
		{"matches_regex", attrLeaf("Status", "matches_regex", "^D.ne$"), true},
		{"unknown operator", attrLeaf("Status", "frobnicate", "Done"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := e.Evaluate(context.Background(), tc.cond, ec)
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsNullTreatsEmptyStringAsNull(t *testing.T) {
	e := newTestEvaluator(&fakeAPI{})
	ec := contextWith(map[string]any{"Assignee": ""}, nil)
	got, _ := e.Evaluate(context.Background(), attrLeaf("Assignee", "is_null", nil), ec)
	if !got {
		t.Fatal("empty string should count as null")
	}
}

func TestChangedToAndFrom(t *testing.T) {
	e := newTestEvaluator(&fakeAPI{})
	ec := contextWith(
		map[string]any{"Status": "Done"},
		map[string]any{"Status": "In Progress"},
	)

	changedTo := &automation.Condition{Kind: automation.ConditionAttribute, Field: "Status", Op: "changed_to", To: "Done"}
	if got, _ := e.Evaluate(context.Background(), changedTo, ec); !got {
		t.Fatal("changed_to Done should pass")
	}

	// Already Done before the change: no transition.
	unchanged := contextWith(
		map[string]any{"Status": "Done"},
		map[string]any{"Status": "Done"},
	)
	if got, _ := e.Evaluate(context.Background(), changedTo, unchanged); got {
		t.Fatal("changed_to should fail when previous already matched")
	}

	changedFrom := &automation.Condition{Kind: automation.ConditionAttribute, Field: "Status", Op: "changed_from", From: "In Progress"}
	if got, _ := e.Evaluate(context.Background(), changedFrom, ec); !got {
		t.Fatal("changed_from In Progress should pass")
	}
}

func TestBooleanOperators(t *testing.T) {
	e := newTestEvaluator(&fakeAPI{})
	ec := contextWith(map[string]any{"Status": "Done", "Priority": "high"}, nil)

	and := &automation.Condition{
		Operator: automation.OperatorAnd,
		Conditions: []automation.Condition{
			*attrLeaf("Status", "equals", "Done"),
			*attrLeaf("Priority", "equals", "high"),
		},
	}
	if got, _ := e.Evaluate(context.Background(), and, ec); !got {
		t.Fatal("AND should pass")
	}

	or := &automation.Condition{
		Operator: automation.OperatorOr,
		Conditions: []automation.Condition{
			*attrLeaf("Status", "equals", "Open"),
			*attrLeaf("Priority", "equals", "high"),
		},
	}
	if got, _ := e.Evaluate(context.Background(), or, ec); !got {
		t.Fatal("OR should pass")
	}

	not := &automation.Condition{
		Operator:   automation.OperatorNot,
		Conditions: []automation.Condition{*attrLeaf("Status", "equals", "Open")},
	}
	if got, _ := e.Evaluate(context.Background(), not, ec); !got {
		t.Fatal("NOT should pass")
	}

	badNot := &automation.Condition{Operator: automation.OperatorNot}
	got, diag := e.Evaluate(context.Background(), badNot, ec)
	if got {
		t.Fatal("malformed NOT should evaluate false")
	}
	if diag == nil || diag.Kind != "error" {
		t.Fatalf("expected error diagnostic, got %+v", diag)
	}
}

func TestQueryLeaf(t *testing.T) {
	api := &fakeAPI{queryResult: &onstaq.QueryResult{TotalCount: 2}}
	e := newTestEvaluator(api)
	ec := contextWith(nil, nil)

	anyRows := &automation.Condition{Kind: automation.ConditionQuery, Query: "SELECT * FROM Ticket"}
	if got, _ := e.Evaluate(context.Background(), anyRows, ec); !got {
		t.Fatal("totalCount > 0 should pass without expectCount")
	}

	three := 3
	exact := &automation.Condition{Kind: automation.ConditionQuery, Query: "SELECT * FROM Ticket", ExpectCount: &three}
	if got, _ := e.Evaluate(context.Background(), exact, ec); got {
		t.Fatal("expectCount mismatch should fail")
	}

	api.queryErr = fmt.Errorf("upstream down")
	got, diag := e.Evaluate(context.Background(), anyRows, ec)
	if got {
		t.Fatal("query failure should evaluate false")
	}
	if diag.Kind != "error" {
		t.Fatalf("expected error diagnostic, got %+v", diag)
	}
}

func TestReferenceLeaf(t *testing.T) {
	api := &fakeAPI{references: []onstaq.Reference{
		{ID: "ref-1", Kind: "DEPENDENCY"},
		{ID: "ref-2", Kind: "LINK"},
	}}
	e := newTestEvaluator(api)
	ec := contextWith(nil, nil)

	dep := &automation.Condition{Kind: automation.ConditionReference, ReferenceKind: "DEPENDENCY"}
	if got, _ := e.Evaluate(context.Background(), dep, ec); !got {
		t.Fatal("matching outbound reference should pass")
	}

	absent := false
	noParent := &automation.Condition{Kind: automation.ConditionReference, ReferenceKind: "PARENT", Exists: &absent}
	if got, _ := e.Evaluate(context.Background(), noParent, ec); !got {
		t.Fatal("exists=false with no matching references should pass")
	}

	inbound := &automation.Condition{Kind: automation.ConditionReference, Direction: "inbound"}
	if got, _ := e.Evaluate(context.Background(), inbound, ec); got {
		t.Fatal("no inbound references should fail")
	}
}

func TestTemplateLeaf(t *testing.T) {
	e := newTestEvaluator(&fakeAPI{})
	ec := contextWith(map[string]any{"Ready": "yes"}, nil)

	truthy := &automation.Condition{Kind: automation.ConditionTemplate, Template: "{{trigger.item.attributes.Ready}}"}
	if got, _ := e.Evaluate(context.Background(), truthy, ec); !got {
		t.Fatal("non-empty template result should pass")
	}

	for _, falsy := range []string{"", "false", "0", "null", "undefined"} {
		cond := &automation.Condition{Kind: automation.ConditionTemplate, Template: falsy}
		if got, _ := e.Evaluate(context.Background(), cond, ec); got {
			t.Fatalf("template resolving to %q should fail", falsy)
		}
	}
}
