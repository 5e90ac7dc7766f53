package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"staqflow/internal/action"
	"staqflow/internal/automation"
	"staqflow/internal/condition"
	"staqflow/internal/metrics"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

// fakeStore is an in-memory engine.Store.
type fakeStore struct {
	mu         sync.Mutex
	autos      map[string]*automation.Automation
	executions map[string]*automation.Execution
	states     map[string]*automation.TriggerState
	finalized  int
}

func newFakeStore(autos ...*automation.Automation) *fakeStore {
	s := &fakeStore{
		autos:      map[string]*automation.Automation{},
		executions: map[string]*automation.Execution{},
		states:     map[string]*automation.TriggerState{},
	}
	for _, auto := range autos {
		s.autos[auto.ID] = auto
	}
	return s
}

func (s *fakeStore) GetAutomation(_ context.Context, automationID string) (*automation.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auto, ok := s.autos[automationID]
	if !ok {
		return nil, fmt.Errorf("automation %s not found", automationID)
	}
	return auto, nil
}

func (s *fakeStore) ListEnabledAutomations(_ context.Context) ([]*automation.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*automation.Automation
	for _, auto := range s.autos {
		if auto.Enabled {
			out = append(out, auto)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertExecution(_ context.Context, exec *automation.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *fakeStore) FinalizeExecution(_ context.Context, exec *automation.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	s.finalized++
	return nil
}

func (s *fakeStore) GetTriggerState(_ context.Context, automationID string) (*automation.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[automationID], nil
}

func (s *fakeStore) SaveTriggerState(_ context.Context, state *automation.TriggerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.AutomationID] = state
	return nil
}

func (s *fakeStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

func (s *fakeStore) executionByIndex() []*automation.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*automation.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, exec)
	}
	return out
}

// fakeAPI implements the upstream calls the engine touches in these tests.
type fakeAPI struct {
	onstaq.API

	mu          sync.Mutex
	items       map[string]*onstaq.Item
	lists       map[string][]onstaq.Item
	references  map[string][]onstaq.Reference
	history     map[string][]onstaq.HistoryEntry
	comments    map[string][]onstaq.Comment
	queryResult *onstaq.QueryResult
	updates     []string
}

func newEngineFakeAPI() *fakeAPI {
	return &fakeAPI{
		items:      map[string]*onstaq.Item{},
		lists:      map[string][]onstaq.Item{},
		references: map[string][]onstaq.Reference{},
		history:    map[string][]onstaq.HistoryEntry{},
		comments:   map[string][]onstaq.Comment{},
	}
}

func (f *fakeAPI) GetItem(_ context.Context, itemID string) (*onstaq.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return item, nil
}

func (f *fakeAPI) ListItems(_ context.Context, catalogID string, _ onstaq.ListOptions) (*onstaq.ItemList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[catalogID]
	return &onstaq.ItemList{Items: items, TotalCount: len(items)}, nil
}

func (f *fakeAPI) ListReferences(_ context.Context, itemID string) ([]onstaq.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.references[itemID], nil
}

func (f *fakeAPI) ListHistory(_ context.Context, itemID string) ([]onstaq.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[itemID], nil
}

func (f *fakeAPI) ListComments(_ context.Context, itemID string) ([]onstaq.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[itemID], nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, itemID string, attributes map[string]any) (*onstaq.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, itemID)
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return item, nil
}

func (f *fakeAPI) GetCatalog(_ context.Context, catalogID string) (*onstaq.Catalog, error) {
	return &onstaq.Catalog{ID: catalogID}, nil
}

func (f *fakeAPI) ExecuteQuery(_ context.Context, _ string, _ string) (*onstaq.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryResult, nil
}

func (f *fakeAPI) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newTestExecutor(t *testing.T, store Store, api onstaq.API, maxConcurrent int) *Executor {
	t.Helper()
	resolver := template.NewResolver(api)
	conditions := condition.NewEvaluator(api, resolver)
	actions := action.NewRunner(api, resolver)
	m := metrics.MustNew(prometheus.NewRegistry())
	return NewExecutor(store, api, resolver, conditions, actions, maxConcurrent, m)
}

func logAction(id, message string) automation.Component {
	return automation.Component{
		ID:   id,
		Type: automation.ComponentAction,
		Action: &automation.ActionNode{
			Type:   automation.ActionLog,
			Config: map[string]any{"message": message},
		},
	}
}

func testAutomation(components ...automation.Component) *automation.Automation {
	return &automation.Automation{
		ID:          "auto-1",
		Name:        "rule",
		WorkspaceID: "ws-1",
		Enabled:     true,
		Trigger:     automation.TriggerSpec{Type: automation.TriggerManual},
		Components:  components,
	}
}

func manualEvent(item *onstaq.Item) *automation.TriggerEvent {
	event := automation.NewTriggerEvent(automation.TriggerManual)
	event.Item = item
	return event
}

func TestConditionFalseSkipsSiblings(t *testing.T) {
	api := newEngineFakeAPI()
	auto := testAutomation(
		automation.Component{
			ID:   "cond",
			Type: automation.ComponentCondition,
			Condition: &automation.Condition{
				Kind:  automation.ConditionAttribute,
				Field: "Status",
				Op:    "equals",
				Value: "Done",
			},
		},
		logAction("after", "should not run"),
	)
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	event := manualEvent(&onstaq.Item{ID: "i1", AttributeValues: map[string]any{"Status": "Open"}})
	ec := automation.NewExecutionContext(auto, event)
	results := e.runComponents(context.Background(), auto.Components, ec)

	if len(results) != 1 {
		t.Fatalf("expected halt after skipped condition, got %d results", len(results))
	}
	if results[0].Status != automation.ComponentSkipped {
		t.Fatalf("condition status: %s", results[0].Status)
	}
	if automation.AnyFailure(results) {
		t.Fatal("skipped condition must not count as failure")
	}
}

func TestDryRunOutlineAnnotatesConditions(t *testing.T) {
	api := newEngineFakeAPI()
	auto := testAutomation(
		automation.Component{
			ID:   "cond",
			Type: automation.ComponentCondition,
			Condition: &automation.Condition{
				Kind:  automation.ConditionAttribute,
				Field: "Status",
				Op:    "equals",
				Value: "Done",
			},
		},
		logAction("after", "notify"),
	)
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	// Without mock data the outline is purely structural.
	outline, err := e.Test(context.Background(), auto.ID, nil)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if len(outline) != 2 {
		t.Fatalf("outline: %v", outline)
	}
	if strings.Contains(outline[0], "would") {
		t.Fatalf("unexpected annotation without mock data: %q", outline[0])
	}

	matching := map[string]any{
		"item": map[string]any{"id": "i1", "attributeValues": map[string]any{"Status": "Done"}},
	}
	outline, err = e.Test(context.Background(), auto.ID, matching)
	if err != nil {
		t.Fatalf("Test with mock data: %v", err)
	}
	if !strings.HasSuffix(outline[0], "[would match]") {
		t.Fatalf("matching mock data: %q", outline[0])
	}

	offTarget := map[string]any{
		"item": map[string]any{"id": "i1", "attributeValues": map[string]any{"Status": "Open"}},
	}
	outline, err = e.Test(context.Background(), auto.ID, offTarget)
	if err != nil {
		t.Fatalf("Test with mock data: %v", err)
	}
	if !strings.HasSuffix(outline[0], "[would not match]") {
		t.Fatalf("off-target mock data: %q", outline[0])
	}
}

func TestActionFailureHaltsUnlessContinueOnError(t *testing.T) {
	api := newEngineFakeAPI()
	failing := automation.Component{
		ID:   "bad",
		Type: automation.ComponentAction,
		Action: &automation.ActionNode{
			Type:   automation.ActionItemUpdate,
			Config: map[string]any{"itemId": "missing"},
		},
	}
	auto := testAutomation(failing, logAction("after", "x"))
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	ec := automation.NewExecutionContext(auto, manualEvent(nil))
	results := e.runComponents(context.Background(), auto.Components, ec)
	if len(results) != 1 {
		t.Fatalf("expected halt on failure, got %d results", len(results))
	}
	if !automation.AnyFailure(results) {
		t.Fatal("expected failure")
	}

	failing.Action.ContinueOnError = true
	ec = automation.NewExecutionContext(auto, manualEvent(nil))
	results = e.runComponents(context.Background(), auto.Components, ec)
	if len(results) != 2 {
		t.Fatalf("continueOnError should run siblings, got %d results", len(results))
	}
}

func TestBranchRelatedItemsFiltersByKind(t *testing.T) {
	api := newEngineFakeAPI()
	api.items["A"] = &onstaq.Item{ID: "A"}
	api.items["B"] = &onstaq.Item{ID: "B"}
	api.items["C"] = &onstaq.Item{ID: "C"}
	api.items["X"] = &onstaq.Item{ID: "X"}
	api.references["X"] = []onstaq.Reference{
		{ID: "r1", FromItemID: "X", ToItemID: "A", Kind: "DEPENDENCY"},
		{ID: "r2", FromItemID: "X", ToItemID: "B", Kind: "DEPENDENCY"},
		{ID: "r3", FromItemID: "X", ToItemID: "C", Kind: "LINK"},
	}

	auto := testAutomation(automation.Component{
		ID:   "branch",
		Type: automation.ComponentBranch,
		Branch: &automation.Branch{
			Type:          automation.BranchRelatedItems,
			Direction:     "outbound",
			ReferenceKind: "DEPENDENCY",
			Components: []automation.Component{{
				ID:   "set",
				Type: automation.ComponentAction,
				Action: &automation.ActionNode{
					Type:   automation.ActionAttributeSet,
					Config: map[string]any{"attributeName": "Status", "value": "Blocked"},
				},
			}},
		},
	})
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	ec := automation.NewExecutionContext(auto, manualEvent(api.items["X"]))
	results := e.runComponents(context.Background(), auto.Components, ec)

	if results[0].Status != automation.ComponentSuccess {
		t.Fatalf("branch failed: %s", results[0].Error)
	}
	if got := api.updateCount(); got != 2 {
		t.Fatalf("expected A and B updated, got %d updates: %v", got, api.updates)
	}
	if len(results[0].Children) != 2 {
		t.Fatalf("expected 2 iteration results, got %d", len(results[0].Children))
	}
}

func TestIfElseChoosesSide(t *testing.T) {
	api := newEngineFakeAPI()
	auto := testAutomation(automation.Component{
		ID:   "gate",
		Type: automation.ComponentIfElse,
		IfElse: &automation.IfElse{
			Conditions: &automation.Condition{
				Kind:     automation.ConditionTemplate,
				Template: "{{trigger.manualParameters.p}}",
			},
			Then: []automation.Component{logAction("y", "Y")},
			Else: []automation.Component{logAction("n", "N")},
		},
	})
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	run := func(p string) string {
		event := manualEvent(nil)
		event.ManualParameters = map[string]any{"p": p}
		ec := automation.NewExecutionContext(auto, event)
		results := e.runComponents(context.Background(), auto.Components, ec)
		if len(results[0].Children) != 1 {
			t.Fatalf("expected one child, got %d", len(results[0].Children))
		}
		return results[0].Children[0].ComponentID
	}

	if got := run("yes"); got != "y" {
		t.Fatalf("truthy parameter ran %q", got)
	}
	if got := run("false"); got != "n" {
		t.Fatalf("falsy parameter ran %q", got)
	}
}

func TestCreatedItemsBranchSnapshot(t *testing.T) {
	api := newEngineFakeAPI()
	api.items["seed"] = &onstaq.Item{ID: "seed"}
	auto := testAutomation(automation.Component{
		ID:   "branch",
		Type: automation.ComponentBranch,
		Branch: &automation.Branch{
			Type:       automation.BranchCreatedItems,
			Components: []automation.Component{logAction("touch", "{{item.id}}")},
		},
	})
	e := newTestExecutor(t, newFakeStore(auto), api, 2)

	ec := automation.NewExecutionContext(auto, manualEvent(nil))
	ec.AddCreatedItem(&onstaq.Item{ID: "c1"})
	ec.AddCreatedItem(&onstaq.Item{ID: "c2"})
	results := e.runComponents(context.Background(), auto.Components, ec)
	if len(results[0].Children) != 2 {
		t.Fatalf("expected iteration over 2 created items, got %d", len(results[0].Children))
	}
}

func TestDispatchConcurrencyCap(t *testing.T) {
	var active, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&active, 1)
		for {
			observed := atomic.LoadInt64(&peak)
			if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auto := testAutomation(automation.Component{
		ID:   "hook",
		Type: automation.ComponentAction,
		Action: &automation.ActionNode{
			Type:   automation.ActionWebhookSend,
			Config: map[string]any{"url": srv.URL},
		},
	})
	store := newFakeStore(auto)
	e := newTestExecutor(t, store, newEngineFakeAPI(), 2)

	for i := 0; i < 10; i++ {
		if _, err := e.Dispatch(context.Background(), auto, manualEvent(nil)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	deadline := time.After(10 * time.Second)
	for store.finalizedCount() < 10 {
		select {
		case <-deadline:
			t.Fatalf("timed out, finalized %d", store.finalizedCount())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("concurrency cap exceeded: peak %d", got)
	}
	for _, exec := range store.executionByIndex() {
		if exec.Status != automation.ExecutionSuccess {
			t.Fatalf("execution %s ended %s: %s", exec.ID, exec.Status, exec.Error)
		}
	}
}

func TestPollItemCreatedDedup(t *testing.T) {
	api := newEngineFakeAPI()
	now := time.Now().UTC()
	api.lists["cat-1"] = []onstaq.Item{
		{ID: "fresh", CatalogID: "cat-1", CreatedAt: now},
		{ID: "stale", CatalogID: "cat-1", CreatedAt: now.Add(-time.Hour)},
	}

	auto := testAutomation(logAction("noop", "x"))
	auto.Trigger = automation.TriggerSpec{Type: automation.TriggerItemCreated, CatalogID: "cat-1"}
	store := newFakeStore(auto)
	store.states[auto.ID] = &automation.TriggerState{
		ID:            "tstate-1",
		AutomationID:  auto.ID,
		LastCheckedAt: now.Add(-time.Minute),
		LastSeenData:  map[string]any{},
	}

	e := newTestExecutor(t, store, api, 2)
	m := NewManager(store, api, e, template.NewResolver(api), time.Minute, time.Second, metrics.MustNew(prometheus.NewRegistry()))
	m.running.Store(true)

	if err := m.pollOnce(context.Background(), auto); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	waitForFinalized(t, store, 1)

	// Same window again: the fingerprint suppresses a duplicate even though
	// the item is still in the list page.
	store.states[auto.ID].LastCheckedAt = now.Add(-time.Minute)
	if err := m.pollOnce(context.Background(), auto); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := store.finalizedCount(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}

func TestPollOQLMatchPrimesWithoutFiring(t *testing.T) {
	api := newEngineFakeAPI()
	api.queryResult = &onstaq.QueryResult{TotalCount: 3}

	auto := testAutomation(logAction("noop", "x"))
	auto.Trigger = automation.TriggerSpec{
		Type:      automation.TriggerOQLMatch,
		Query:     "SELECT * FROM Ticket",
		TriggerOn: automation.OQLTriggerNewResults,
	}
	store := newFakeStore(auto)
	e := newTestExecutor(t, store, api, 2)
	m := NewManager(store, api, e, template.NewResolver(api), time.Minute, time.Second, metrics.MustNew(prometheus.NewRegistry()))
	m.running.Store(true)

	// First observation primes the count without firing.
	if err := m.pollOnce(context.Background(), auto); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := store.finalizedCount(); got != 0 {
		t.Fatalf("priming tick fired %d executions", got)
	}

	api.mu.Lock()
	api.queryResult = &onstaq.QueryResult{TotalCount: 5}
	api.mu.Unlock()
	if err := m.pollOnce(context.Background(), auto); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	waitForFinalized(t, store, 1)
}

func waitForFinalized(t *testing.T, store *fakeStore, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for store.finalizedCount() < want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d executions, have %d", want, store.finalizedCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
