package automation

import (
	"time"

	"staqflow/internal/onstaq"
)

// ExecutionStatus is the lifecycle state of a persisted execution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionSkipped ExecutionStatus = "SKIPPED"
)

// ComponentStatus is the outcome of one component in a run.
type ComponentStatus string

const (
	ComponentSuccess ComponentStatus = "success"
	ComponentFailed  ComponentStatus = "failed"
	ComponentSkipped ComponentStatus = "skipped"
)

// TriggerEvent describes one firing of an automation's trigger.
type TriggerEvent struct {
	Type             string              `json:"type"`
	Item             *onstaq.Item        `json:"item,omitempty"`
	PreviousValues   map[string]any      `json:"previousValues,omitempty"`
	OQLResults       *onstaq.QueryResult `json:"oqlResults,omitempty"`
	WebhookPayload   map[string]any      `json:"webhookPayload,omitempty"`
	ManualParameters map[string]any      `json:"manualParameters,omitempty"`
	ScheduleTime     string              `json:"scheduleTime,omitempty"`
	Timestamp        string              `json:"timestamp"`
}

// NewTriggerEvent creates an event stamped with the current time.
func NewTriggerEvent(triggerType string) *TriggerEvent {
	return &TriggerEvent{
		Type:      triggerType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ComponentResult mirrors the program tree for one run.
type ComponentResult struct {
	ComponentID string             `json:"componentId"`
	Type        ComponentType      `json:"componentType"`
	ActionType  string             `json:"actionType,omitempty"`
	Status      ComponentStatus    `json:"status"`
	Result      any                `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	DurationMs  int64              `json:"durationMs"`
	Children    []*ComponentResult `json:"children,omitempty"`
}

// HasFailure reports whether the result or any descendant is failed.
func (r *ComponentResult) HasFailure() bool {
	if r == nil {
		return false
	}
	if r.Status == ComponentFailed {
		return true
	}
	for _, child := range r.Children {
		if child.HasFailure() {
			return true
		}
	}
	return false
}

// AnyFailure reports whether any result in the forest has a failed leaf.
func AnyFailure(results []*ComponentResult) bool {
	for _, result := range results {
		if result.HasFailure() {
			return true
		}
	}
	return false
}

// FirstError returns the first error encountered in pre-order traversal.
func FirstError(results []*ComponentResult) string {
	for _, result := range results {
		if result == nil {
			continue
		}
		if result.Status == ComponentFailed && result.Error != "" {
			return result.Error
		}
		if msg := FirstError(result.Children); msg != "" {
			return msg
		}
	}
	return ""
}

// Execution is the persisted record of one invocation.
type Execution struct {
	ID               string             `json:"id"`
	AutomationID     string             `json:"automationId"`
	Status           ExecutionStatus    `json:"status"`
	Trigger          *TriggerEvent      `json:"triggerData,omitempty"`
	ComponentResults []*ComponentResult `json:"componentResults,omitempty"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"startedAt"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
	DurationMs       *int64             `json:"durationMs,omitempty"`
}

// MaxChainDepth bounds automation.trigger recursion.
const MaxChainDepth = 8

// ExecutionContext is the mutable per-run state.
type ExecutionContext struct {
	AutomationID     string
	AutomationName   string
	WorkspaceID      string
	Trigger          *TriggerEvent
	ComponentResults []*ComponentResult
	Variables        map[string]any
	CreatedItems     []*onstaq.Item
	CurrentItem      *onstaq.Item
	StartedAt        time.Time
	ChainDepth       int
}

// NewExecutionContext builds the context for a fresh run.
func NewExecutionContext(auto *Automation, event *TriggerEvent) *ExecutionContext {
	ctx := &ExecutionContext{
		AutomationID:   auto.ID,
		AutomationName: auto.Name,
		WorkspaceID:    auto.WorkspaceID,
		Trigger:        event,
		Variables:      make(map[string]any),
		StartedAt:      time.Now(),
	}
	if event != nil {
		ctx.CurrentItem = event.Item
	}
	return ctx
}

// EffectiveItem returns the item actions address: the branch iteration target
// when set, otherwise the triggered item.
func (c *ExecutionContext) EffectiveItem() *onstaq.Item {
	if c.CurrentItem != nil {
		return c.CurrentItem
	}
	if c.Trigger != nil {
		return c.Trigger.Item
	}
	return nil
}

// Child derives a branch-iteration context: currentItem is rebound and the
// result list starts fresh, while Variables stays shared by reference so
// writes leak back to the parent on purpose.
func (c *ExecutionContext) Child(item *onstaq.Item) *ExecutionContext {
	child := *c
	child.CurrentItem = item
	child.ComponentResults = nil
	return &child
}

// AddCreatedItem appends an item created by the current run, id-unique.
func (c *ExecutionContext) AddCreatedItem(item *onstaq.Item) {
	if item == nil {
		return
	}
	for _, existing := range c.CreatedItems {
		if existing.ID == item.ID {
			return
		}
	}
	c.CreatedItems = append(c.CreatedItems, item)
}

// MergeCreatedItems folds items created inside a branch back into the parent.
func (c *ExecutionContext) MergeCreatedItems(items []*onstaq.Item) {
	for _, item := range items {
		c.AddCreatedItem(item)
	}
}

// TriggerState is the per-automation poll bookmark persisted across restarts.
type TriggerState struct {
	ID            string         `json:"id"`
	AutomationID  string         `json:"automationId"`
	LastCheckedAt time.Time      `json:"lastCheckedAt"`
	LastSeenData  map[string]any `json:"lastSeenData"`
	Checksum      string         `json:"checksum,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// WebhookSubscription registers an outbound webhook destination.
type WebhookSubscription struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Events    []string       `json:"events"`
	Secret    string         `json:"secret,omitempty"`
	Active    bool           `json:"active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ExecutionStats aggregates execution history for one automation.
type ExecutionStats struct {
	AutomationID  string  `json:"automationId"`
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}
