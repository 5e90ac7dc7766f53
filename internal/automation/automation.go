// Package automation defines the persisted rule model and the runtime values
// that flow through the engine: trigger events, execution contexts, and
// component results.
package automation

import (
	"fmt"
	"sort"
	"time"
)

// Trigger kinds.
const (
	TriggerItemCreated     = "item.created"
	TriggerItemUpdated     = "item.updated"
	TriggerItemDeleted     = "item.deleted"
	TriggerAttributeChange = "attribute.changed"
	TriggerStatusChanged   = "status.changed"
	TriggerReferenceAdded  = "reference.added"
	TriggerItemLinked      = "item.linked"
	TriggerItemUnlinked    = "item.unlinked"
	TriggerItemCommented   = "item.commented"
	TriggerOQLMatch        = "oql.match"
	TriggerSchedule        = "schedule"
	TriggerManual          = "manual"
	TriggerWebhook         = "webhook.received"
)

// oql.match firing policies.
const (
	OQLTriggerAnyResults  = "any_results"
	OQLTriggerNewResults  = "new_results"
	OQLTriggerCountChange = "count_change"
)

var knownTriggerTypes = map[string]bool{
	TriggerItemCreated:     true,
	TriggerItemUpdated:     true,
	TriggerItemDeleted:     true,
	TriggerAttributeChange: true,
	TriggerStatusChanged:   true,
	TriggerReferenceAdded:  true,
	TriggerItemLinked:      true,
	TriggerItemUnlinked:    true,
	TriggerItemCommented:   true,
	TriggerOQLMatch:        true,
	TriggerSchedule:        true,
	TriggerManual:          true,
	TriggerWebhook:         true,
}

// TriggerSpec is the tagged trigger declaration persisted with an automation.
// Only the fields relevant to Type are populated.
type TriggerSpec struct {
	Type string `json:"type"`

	// Poll-driven triggers.
	CatalogID      string `json:"catalogId,omitempty"`
	AttributeName  string `json:"attributeName,omitempty"` // attribute.changed
	From           string `json:"from,omitempty"`          // status.changed filter
	To             string `json:"to,omitempty"`            // status.changed filter
	ReferenceKind  string `json:"referenceKind,omitempty"` // reference triggers
	Query          string `json:"query,omitempty"`         // oql.match
	TriggerOn      string `json:"triggerOn,omitempty"`     // oql.match policy
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`

	// schedule
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC

	// webhook.received
	Path   string         `json:"path,omitempty"`
	Secret string         `json:"secret,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
}

// TriggerTypes lists the accepted trigger kinds in sorted order.
func TriggerTypes() []string {
	types := make([]string, 0, len(knownTriggerTypes))
	for t := range knownTriggerTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsPolling reports whether the trigger is installed as a periodic poller.
func (t TriggerSpec) IsPolling() bool {
	switch t.Type {
	case TriggerItemCreated, TriggerItemUpdated, TriggerItemDeleted,
		TriggerAttributeChange, TriggerStatusChanged,
		TriggerReferenceAdded, TriggerItemLinked, TriggerItemUnlinked,
		TriggerItemCommented, TriggerOQLMatch:
		return true
	}
	return false
}

// Automation is the persisted unit: a trigger paired with a component tree.
type Automation struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	WorkspaceID    string      `json:"workspaceId"`
	WorkspaceKey   string      `json:"workspaceKey,omitempty"`
	Enabled        bool        `json:"enabled"`
	Trigger        TriggerSpec `json:"trigger"`
	Components     []Component `json:"components"`
	ExecutionOrder int         `json:"executionOrder"`
	CreatedBy      string      `json:"createdBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Validate checks the automation is structurally sound before persisting.
func (a *Automation) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("automation name is required")
	}
	if a.WorkspaceID == "" {
		return fmt.Errorf("automation workspaceId is required")
	}
	if !knownTriggerTypes[a.Trigger.Type] {
		return fmt.Errorf("unknown trigger type %q", a.Trigger.Type)
	}
	if err := validateTrigger(a.Trigger); err != nil {
		return err
	}
	return validateComponents(a.Components)
}

func validateTrigger(t TriggerSpec) error {
	switch t.Type {
	case TriggerSchedule:
		if t.Cron == "" {
			return fmt.Errorf("schedule trigger requires a cron expression")
		}
	case TriggerOQLMatch:
		if t.Query == "" {
			return fmt.Errorf("oql.match trigger requires a query")
		}
		switch t.TriggerOn {
		case "", OQLTriggerAnyResults, OQLTriggerNewResults, OQLTriggerCountChange:
		default:
			return fmt.Errorf("unknown oql.match policy %q", t.TriggerOn)
		}
	case TriggerAttributeChange:
		if t.AttributeName == "" {
			return fmt.Errorf("attribute.changed trigger requires attributeName")
		}
	}
	return nil
}

func validateComponents(components []Component) error {
	for i := range components {
		if err := components[i].Validate(); err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
	}
	return nil
}
