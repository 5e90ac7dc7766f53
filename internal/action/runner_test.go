package action

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"staqflow/internal/automation"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

// fakeAPI records upstream calls. Unimplemented methods panic through the
// embedded nil interface.
type fakeAPI struct {
	onstaq.API

	items    map[string]*onstaq.Item
	catalogs []onstaq.Catalog

	created     []map[string]any
	updated     map[string]map[string]any
	deleted     []string
	comments    []string
	references  []string
	queryResult *onstaq.QueryResult

	nextItemID int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		items:   map[string]*onstaq.Item{},
		updated: map[string]map[string]any{},
	}
}

func (f *fakeAPI) GetItem(_ context.Context, itemID string) (*onstaq.Item, error) {
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return item, nil
}

func (f *fakeAPI) FindItemByKey(_ context.Context, _ string, key string) (*onstaq.Item, error) {
	for _, item := range f.items {
		if item.Key == key {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item key %s not found", key)
}

func (f *fakeAPI) CreateItem(_ context.Context, catalogID string, attributes map[string]any) (*onstaq.Item, error) {
	f.nextItemID++
	f.created = append(f.created, attributes)
	item := &onstaq.Item{
		ID:              fmt.Sprintf("new-%d", f.nextItemID),
		Key:             fmt.Sprintf("NEW-%d", f.nextItemID),
		CatalogID:       catalogID,
		AttributeValues: attributes,
	}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, itemID string, attributes map[string]any) (*onstaq.Item, error) {
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	f.updated[itemID] = attributes
	return item, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, itemID string) error {
	f.deleted = append(f.deleted, itemID)
	delete(f.items, itemID)
	return nil
}

func (f *fakeAPI) GetCatalog(_ context.Context, catalogID string) (*onstaq.Catalog, error) {
	for i := range f.catalogs {
		if f.catalogs[i].ID == catalogID {
			return &f.catalogs[i], nil
		}
	}
	return nil, fmt.Errorf("catalog %s not found", catalogID)
}

func (f *fakeAPI) ListCatalogs(_ context.Context, _ string) ([]onstaq.Catalog, error) {
	return f.catalogs, nil
}

func (f *fakeAPI) AddComment(_ context.Context, itemID, body string) (*onstaq.Comment, error) {
	f.comments = append(f.comments, body)
	return &onstaq.Comment{ID: "comment-1", ItemID: itemID, Body: body}, nil
}

func (f *fakeAPI) CreateReference(_ context.Context, fromItemID, toItemID, kind, _ string) (*onstaq.Reference, error) {
	f.references = append(f.references, fmt.Sprintf("%s->%s:%s", fromItemID, toItemID, kind))
	return &onstaq.Reference{ID: "ref-1", FromItemID: fromItemID, ToItemID: toItemID, Kind: kind}, nil
}

func (f *fakeAPI) ExecuteQuery(_ context.Context, _ string, _ string) (*onstaq.QueryResult, error) {
	return f.queryResult, nil
}

func newTestRunner(api *fakeAPI) *Runner {
	return NewRunner(api, template.NewResolver(api))
}

func execContext(item *onstaq.Item) *automation.ExecutionContext {
	event := automation.NewTriggerEvent(automation.TriggerItemCreated)
	event.Item = item
	return automation.NewExecutionContext(&automation.Automation{
		ID:          "auto-1",
		Name:        "rule",
		WorkspaceID: "ws-1",
	}, event)
}

func TestItemCreateResolvesTemplatesAndTracksCreated(t *testing.T) {
	api := newFakeAPI()
	api.catalogs = []onstaq.Catalog{{ID: "cat-1", Name: "Ticket"}}
	runner := newTestRunner(api)

	trigger := &onstaq.Item{ID: "item-1", AttributeValues: map[string]any{"Reporter": "Alice"}}
	api.items[trigger.ID] = trigger
	ec := execContext(trigger)

	node := &automation.ActionNode{
		Type: automation.ActionItemCreate,
		Config: map[string]any{
			"catalogName": "ticket", // case-insensitive match
			"attributes": map[string]any{
				"Summary": "from {{trigger.item.attributes.Reporter}}",
			},
		},
	}
	result, err := runner.Run(context.Background(), node, ec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	payload := result.(map[string]any)
	if payload["itemId"] == "" {
		t.Fatal("missing itemId in result")
	}
	if api.created[0]["Summary"] != "from Alice" {
		t.Fatalf("template not resolved: %v", api.created[0])
	}
	if len(ec.CreatedItems) != 1 {
		t.Fatalf("created item not tracked: %d", len(ec.CreatedItems))
	}
}

func TestItemAddressingPrefersCurrentItem(t *testing.T) {
	api := newFakeAPI()
	runner := newTestRunner(api)

	trigger := &onstaq.Item{ID: "item-1"}
	branchItem := &onstaq.Item{ID: "item-2"}
	api.items["item-1"] = trigger
	api.items["item-2"] = branchItem

	ec := execContext(trigger).Child(branchItem)
	node := &automation.ActionNode{
		Type:   automation.ActionAttributeSet,
		Config: map[string]any{"attributeName": "Status", "value": "Blocked"},
	}
	if _, err := runner.Run(context.Background(), node, ec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := api.updated["item-2"]; !ok {
		t.Fatalf("expected update on branch item, got %v", api.updated)
	}
}

func TestItemAddressingExplicitKey(t *testing.T) {
	api := newFakeAPI()
	runner := newTestRunner(api)
	api.items["item-5"] = &onstaq.Item{ID: "item-5", Key: "SRV-5"}

	ec := execContext(nil)
	node := &automation.ActionNode{
		Type:   automation.ActionItemDelete,
		Config: map[string]any{"itemKey": "SRV-5"},
	}
	if _, err := runner.Run(context.Background(), node, ec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "item-5" {
		t.Fatalf("wrong deletion: %v", api.deleted)
	}
}

func TestItemCloneMergesOverrides(t *testing.T) {
	api := newFakeAPI()
	runner := newTestRunner(api)
	source := &onstaq.Item{
		ID:        "item-1",
		CatalogID: "cat-1",
		AttributeValues: map[string]any{
			"Summary":  "original",
			"Priority": "low",
		},
	}
	api.items[source.ID] = source

	ec := execContext(source)
	node := &automation.ActionNode{
		Type: automation.ActionItemClone,
		Config: map[string]any{
			"overrides": map[string]any{"Priority": "high"},
		},
	}
	result, err := runner.Run(context.Background(), node, ec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	attrs := api.created[0]
	if attrs["Summary"] != "original" || attrs["Priority"] != "high" {
		t.Fatalf("bad merge: %v", attrs)
	}
	if result.(map[string]any)["sourceItemId"] != "item-1" {
		t.Fatalf("missing sourceItemId: %v", result)
	}
}

func TestReferenceAddDefaultsToLink(t *testing.T) {
	api := newFakeAPI()
	runner := newTestRunner(api)
	api.items["item-1"] = &onstaq.Item{ID: "item-1"}

	ec := execContext(api.items["item-1"])
	node := &automation.ActionNode{
		Type:   automation.ActionReferenceAdd,
		Config: map[string]any{"toItemId": "item-9"},
	}
	if _, err := runner.Run(context.Background(), node, ec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.references[0] != "item-1->item-9:LINK" {
		t.Fatalf("got %v", api.references)
	}
}

func TestVariableSetAndLookup(t *testing.T) {
	api := newFakeAPI()
	api.queryResult = &onstaq.QueryResult{
		Rows:       []map[string]any{{"id": "item-1"}, {"id": "item-2"}},
		TotalCount: 2,
	}
	runner := newTestRunner(api)
	ec := execContext(nil)

	set := &automation.ActionNode{
		Type:   automation.ActionVariableSet,
		Config: map[string]any{"name": "label", "value": "hot"},
	}
	if _, err := runner.Run(context.Background(), set, ec); err != nil {
		t.Fatalf("variable.set: %v", err)
	}
	if ec.Variables["label"] != "hot" {
		t.Fatalf("variable not set: %v", ec.Variables)
	}

	lookup := &automation.ActionNode{
		Type:   automation.ActionItemLookup,
		Config: map[string]any{"query": "SELECT *", "storeResultAs": "matches"},
	}
	result, err := runner.Run(context.Background(), lookup, ec)
	if err != nil {
		t.Fatalf("item.lookup: %v", err)
	}
	if result.(map[string]any)["totalCount"] != 2 {
		t.Fatalf("bad result: %v", result)
	}
	rows := ec.Variables["matches"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows not stored: %v", ec.Variables)
	}
}

func TestWebhookSend(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	runner := newTestRunner(newFakeAPI())
	ec := execContext(nil)
	node := &automation.ActionNode{
		Type: automation.ActionWebhookSend,
		Config: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Custom": "yes"},
			"body":    map[string]any{"hello": "world"},
		},
	}
	result, err := runner.Run(context.Background(), node, ec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.(map[string]any)["status"] != http.StatusAccepted {
		t.Fatalf("bad status: %v", result)
	}
	if got := <-received; got != "yes" {
		t.Fatalf("header not sent: %q", got)
	}
}

type fakeChain struct {
	calls []int
}

func (f *fakeChain) TriggerChained(_ context.Context, _ string, _ map[string]any, chainDepth int) (string, error) {
	f.calls = append(f.calls, chainDepth)
	return "exec-1", nil
}

func TestAutomationTriggerDepthGuard(t *testing.T) {
	runner := newTestRunner(newFakeAPI())
	chain := &fakeChain{}
	runner.SetChainTrigger(chain)

	ec := execContext(nil)
	node := &automation.ActionNode{
		Type:   automation.ActionAutomationTrigger,
		Config: map[string]any{"ruleId": "auto-2"},
	}
	if _, err := runner.Run(context.Background(), node, ec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chain.calls) != 1 || chain.calls[0] != 1 {
		t.Fatalf("chain depth not incremented: %v", chain.calls)
	}

	ec.ChainDepth = automation.MaxChainDepth
	if _, err := runner.Run(context.Background(), node, ec); err == nil {
		t.Fatal("expected depth guard to fire")
	}
}

func TestUnknownActionType(t *testing.T) {
	runner := newTestRunner(newFakeAPI())
	node := &automation.ActionNode{Type: "item.explode"}
	if _, err := runner.Run(context.Background(), node, execContext(nil)); err == nil {
		t.Fatal("expected error for unknown action type")
	}
}
