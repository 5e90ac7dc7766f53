package template

import (
	"context"
	"strings"
	"testing"
	"time"

	"staqflow/internal/automation"
	"staqflow/internal/onstaq"
)

// fakeAPI implements the two upstream calls templates can make. Everything
// else panics via the embedded nil interface.
type fakeAPI struct {
	onstaq.API
	queryResult *onstaq.QueryResult
	queryErr    error
	lookupItem  *onstaq.Item
}

func (f *fakeAPI) ExecuteQuery(_ context.Context, _ string, _ string) (*onstaq.QueryResult, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResult, nil
}

func (f *fakeAPI) FindItemByKey(_ context.Context, _ string, _ string) (*onstaq.Item, error) {
	return f.lookupItem, nil
}

func testContext(attrs map[string]any) *automation.ExecutionContext {
	event := automation.NewTriggerEvent(automation.TriggerItemCreated)
	event.Item = &onstaq.Item{
		ID:              "item-1",
		Key:             "TICKET-7",
		CatalogID:       "cat-1",
		WorkspaceID:     "ws-1",
		AttributeValues: attrs,
		CreatedBy:       "alice",
		CreatedAt:       time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	return automation.NewExecutionContext(&automation.Automation{
		ID:          "auto-1",
		Name:        "test rule",
		WorkspaceID: "ws-1",
	}, event)
}

func resolve(t *testing.T, input string, ec *automation.ExecutionContext) string {
	t.Helper()
	r := NewResolver(&fakeAPI{})
	out, err := r.Resolve(context.Background(), input, ec)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", input, err)
	}
	return out
}

func TestResolveAttributePath(t *testing.T) {
	ec := testContext(map[string]any{"Reporter": "Alice"})
	got := resolve(t, "Thanks, {{trigger.item.attributes.Reporter}}", ec)
	if got != "Thanks, Alice" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveAttributesRewrite(t *testing.T) {
	ec := testContext(map[string]any{"Priority": "High"})
	// attributes on a value carrying attributeValues navigates into it.
	if got := resolve(t, "{{item.attributes.Priority}}", ec); got != "High" {
		t.Fatalf("got %q", got)
	}
	if got := resolve(t, "{{item.attributeValues.Priority}}", ec); got != "High" {
		t.Fatalf("direct path: got %q", got)
	}
}

func TestResolveFunctionChain(t *testing.T) {
	ec := testContext(map[string]any{"Tags": []any{"api", "bug"}})
	got := resolve(t, `{{trigger.item.attributes.Tags.join(", ").toUpperCase()}}`, ec)
	if got != "API, BUG" {
		t.Fatalf("got %q", got)
	}
}

func TestResolvePipeFallback(t *testing.T) {
	ec := testContext(map[string]any{"Assignee": ""})
	got := resolve(t, `{{trigger.item.attributes.Assignee | "unassigned"}}`, ec)
	if got != "unassigned" {
		t.Fatalf("got %q", got)
	}

	ec = testContext(map[string]any{"Assignee": "bob"})
	if got := resolve(t, `{{trigger.item.attributes.Assignee | "unassigned"}}`, ec); got != "bob" {
		t.Fatalf("non-empty pipe: got %q", got)
	}
}

func TestResolvePipeAsFunctionStage(t *testing.T) {
	ec := testContext(map[string]any{"Tags": []any{"a", "b", "c"}})
	got := resolve(t, `{{trigger.item.attributes.Tags | join(" / ") | toUpperCase}}`, ec)
	if got != "A / B / C" {
		t.Fatalf("got %q", got)
	}

	// map takes a dotted path and honors the attributes rewrite.
	ec.Variables["items"] = []any{
		map[string]any{"key": "X-1"},
		map[string]any{"key": "X-2"},
	}
	if got := resolve(t, `{{variables.items | map("key") | join("")}}`, ec); got != "X-1X-2" {
		t.Fatalf("map stage: got %q", got)
	}
}

func TestResolveArithmeticAndConcat(t *testing.T) {
	ec := testContext(map[string]any{"Estimate": 4})
	if got := resolve(t, "{{trigger.item.attributes.Estimate * 2}}", ec); got != "8" {
		t.Fatalf("multiply: got %q", got)
	}
	if got := resolve(t, `{{"total: " + trigger.item.attributes.Estimate}}`, ec); got != "total: 4" {
		t.Fatalf("concat: got %q", got)
	}
}

func TestResolveDivisionByZeroFails(t *testing.T) {
	ec := testContext(map[string]any{"Estimate": 4})
	r := NewResolver(&fakeAPI{})
	_, err := r.Resolve(context.Background(), "{{trigger.item.attributes.Estimate / 0}}", ec)
	if err == nil {
		t.Fatal("expected division by zero to fail resolution")
	}
}

func TestResolveComparison(t *testing.T) {
	ec := testContext(map[string]any{"Count": 5})
	if got := resolve(t, "{{trigger.item.attributes.Count > 3}}", ec); got != "true" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveLegacyFallback(t *testing.T) {
	// "1unparseable" is not a valid expression; legacy resolution returns ""
	// for unknown paths rather than failing.
	ec := testContext(nil)
	if got := resolve(t, "x{{not a valid !! expr}}y", ec); got != "xy" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveInlineQueryScalar(t *testing.T) {
	api := &fakeAPI{queryResult: &onstaq.QueryResult{
		Columns:    []string{"count"},
		Rows:       []map[string]any{{"count": 3}},
		TotalCount: 1,
	}}
	r := NewResolver(api)
	ec := testContext(nil)
	got, err := r.Resolve(context.Background(), "{{oql: SELECT count(*) FROM Ticket}}", ec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "3" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveLookup(t *testing.T) {
	api := &fakeAPI{lookupItem: &onstaq.Item{
		ID:              "item-9",
		Key:             "SRV-1",
		AttributeValues: map[string]any{"Owner": "carol"},
	}}
	r := NewResolver(api)
	ec := testContext(nil)
	got, err := r.Resolve(context.Background(), `{{lookup("SRV-1").attributes.Owner}}`, ec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "carol" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveEachBlock(t *testing.T) {
	ec := testContext(map[string]any{"Tags": []any{"a", "b", "c"}})
	got := resolve(t, "{{#each trigger.item.attributes.Tags}}[{{@index}}:{{item}}]{{/each}}", ec)
	if got != "[0:a][1:b][2:c]" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveEachScalarWrapped(t *testing.T) {
	ec := testContext(map[string]any{"Tag": "solo"})
	got := resolve(t, "{{#each trigger.item.attributes.Tag}}<{{item}}>{{/each}}", ec)
	if got != "<solo>" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveIfElseBlock(t *testing.T) {
	ec := testContext(map[string]any{"Priority": "High"})
	tpl := `{{#if trigger.item.attributes.Priority == "High"}}urgent{{else}}normal{{/if}}`
	if got := resolve(t, tpl, ec); got != "urgent" {
		t.Fatalf("got %q", got)
	}

	ec = testContext(map[string]any{"Priority": "Low"})
	if got := resolve(t, tpl, ec); got != "normal" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveNestedBlocksInnermostFirst(t *testing.T) {
	// Blocks expand innermost-first, so an inner #if is decided against the
	// outer binding (here the triggered item, truthy) before #each runs.
	ec := testContext(map[string]any{"Tags": []any{"x", ""}})
	got := resolve(t, "{{#each trigger.item.attributes.Tags}}{{#if item}}Y{{else}}N{{/if}}{{/each}}", ec)
	if got != "YY" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveBlockExpansionGuard(t *testing.T) {
	ec := testContext(map[string]any{"Tags": []any{"t"}})
	var builder strings.Builder
	for i := 0; i < maxBlockExpansions+20; i++ {
		builder.WriteString("{{#if true}}x{{/if}}")
	}
	r := NewResolver(&fakeAPI{})
	out, err := r.Resolve(context.Background(), builder.String(), ec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The guard leaves the remainder unexpanded rather than spinning.
	if !strings.Contains(out, "{{#if") {
		t.Fatal("expected unexpanded blocks after hitting the guard")
	}
	if !strings.Contains(out, "x") {
		t.Fatal("expected some expansions before the guard")
	}
}

func TestResolveEnvRoots(t *testing.T) {
	ec := testContext(nil)
	got := resolve(t, "{{env.TODAY}}", ec)
	if got != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("got %q", got)
	}
}

func TestResolveVariables(t *testing.T) {
	ec := testContext(nil)
	ec.Variables["ticketCount"] = 12
	if got := resolve(t, "{{variables.ticketCount}}", ec); got != "12" {
		t.Fatalf("got %q", got)
	}
	if got := resolve(t, "{{context.ticketCount}}", ec); got != "12" {
		t.Fatalf("context alias: got %q", got)
	}
}

func TestResolveActionResults(t *testing.T) {
	ec := testContext(nil)
	ec.ComponentResults = append(ec.ComponentResults, &automation.ComponentResult{
		ComponentID: "c1",
		Type:        automation.ComponentAction,
		Status:      automation.ComponentSuccess,
		Result:      map[string]any{"itemId": "item-42"},
	})
	if got := resolve(t, "{{action[0].result.itemId}}", ec); got != "item-42" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveDeepPreservesStructure(t *testing.T) {
	ec := testContext(map[string]any{"Reporter": "Alice"})
	r := NewResolver(&fakeAPI{})
	in := map[string]any{
		"title": "from {{trigger.item.attributes.Reporter}}",
		"count": 3,
		"tags":  []any{"{{trigger.item.attributes.Reporter}}", "static"},
	}
	out, err := r.ResolveDeep(context.Background(), in, ec)
	if err != nil {
		t.Fatalf("ResolveDeep: %v", err)
	}
	m := out.(map[string]any)
	if m["title"] != "from Alice" {
		t.Fatalf("title: %v", m["title"])
	}
	if m["count"] != 3 {
		t.Fatalf("count changed: %v", m["count"])
	}
	tags := m["tags"].([]any)
	if tags[0] != "Alice" || tags[1] != "static" {
		t.Fatalf("tags: %v", tags)
	}
}

func TestResolveTriggerUserConvenience(t *testing.T) {
	ec := testContext(nil)
	if got := resolve(t, "{{trigger.user}}", ec); got != "alice" {
		t.Fatalf("got %q", got)
	}
}
