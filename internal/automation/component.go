package automation

import (
	"fmt"
	"sort"
)

// ComponentType tags a node in the program tree.
type ComponentType string

const (
	ComponentAction    ComponentType = "action"
	ComponentCondition ComponentType = "condition"
	ComponentBranch    ComponentType = "branch"
	ComponentIfElse    ComponentType = "if_else"
)

// Action types, closed set.
const (
	ActionItemCreate         = "item.create"
	ActionItemUpdate         = "item.update"
	ActionItemDelete         = "item.delete"
	ActionItemClone          = "item.clone"
	ActionItemTransition     = "item.transition"
	ActionItemLookup         = "item.lookup"
	ActionAttributeSet       = "attribute.set"
	ActionReferenceAdd       = "reference.add"
	ActionReferenceRemove    = "reference.remove"
	ActionCommentAdd         = "comment.add"
	ActionItemImport         = "item.import"
	ActionCatalogCreate      = "catalog.create"
	ActionAttributeCreate    = "attribute.create"
	ActionWorkspaceMemberAdd = "workspace.member.add"
	ActionOQLExecute         = "oql.execute"
	ActionWebhookSend        = "webhook.send"
	ActionAutomationTrigger  = "automation.trigger"
	ActionVariableSet        = "variable.set"
	ActionLog                = "log"
	ActionRefetchData        = "refetch_data"
)

// KnownActionTypes lists every supported action type.
var KnownActionTypes = map[string]bool{
	ActionItemCreate:         true,
	ActionItemUpdate:         true,
	ActionItemDelete:         true,
	ActionItemClone:          true,
	ActionItemTransition:     true,
	ActionItemLookup:         true,
	ActionAttributeSet:       true,
	ActionReferenceAdd:       true,
	ActionReferenceRemove:    true,
	ActionCommentAdd:         true,
	ActionItemImport:         true,
	ActionCatalogCreate:      true,
	ActionAttributeCreate:    true,
	ActionWorkspaceMemberAdd: true,
	ActionOQLExecute:         true,
	ActionWebhookSend:        true,
	ActionAutomationTrigger:  true,
	ActionVariableSet:        true,
	ActionLog:                true,
	ActionRefetchData:        true,
}

// ActionTypes lists the supported action types in sorted order.
func ActionTypes() []string {
	types := make([]string, 0, len(KnownActionTypes))
	for t := range KnownActionTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Component is one node of a rule program. Exactly one payload is populated,
// matching Type.
type Component struct {
	ID        string        `json:"id"`
	Type      ComponentType `json:"componentType"`
	Action    *ActionNode   `json:"action,omitempty"`
	Condition *Condition    `json:"condition,omitempty"`
	Branch    *Branch       `json:"branch,omitempty"`
	IfElse    *IfElse       `json:"ifElse,omitempty"`
}

// ActionNode is a single effectful step with a type-specific config.
type ActionNode struct {
	Type            string         `json:"type"`
	Name            string         `json:"name,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Branch kinds.
const (
	BranchRelatedItems = "related_items"
	BranchCreatedItems = "created_items"
	BranchLookupItems  = "lookup_items"
)

// Branch iterates its components over a derived collection of items.
type Branch struct {
	Type          string      `json:"type"`
	Direction     string      `json:"direction,omitempty"`     // outbound | inbound
	ReferenceKind string      `json:"referenceKind,omitempty"` // related_items filter
	CatalogID     string      `json:"catalogId,omitempty"`     // related_items filter
	OQLQuery      string      `json:"oqlQuery,omitempty"`      // lookup_items
	Components    []Component `json:"components"`
}

// IfElse runs Then when Conditions pass, otherwise Else.
type IfElse struct {
	Conditions *Condition  `json:"conditions"`
	Then       []Component `json:"then"`
	Else       []Component `json:"else,omitempty"`
}

// Condition leaf kinds.
const (
	ConditionAttribute = "attribute"
	ConditionQuery     = "oql"
	ConditionReference = "reference"
	ConditionTemplate  = "template"
)

// Boolean operators for inner condition nodes.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
	OperatorNot = "NOT"
)

// Condition is either a leaf test (Kind set) or an inner boolean node
// (Operator set with child Conditions).
type Condition struct {
	Operator   string      `json:"operator,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`

	Kind string `json:"kind,omitempty"`

	// attribute leaf
	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
	From  any    `json:"from,omitempty"`
	To    any    `json:"to,omitempty"`

	// oql leaf
	Query       string `json:"query,omitempty"`
	ExpectCount *int   `json:"expectCount,omitempty"`

	// reference leaf
	Direction     string `json:"direction,omitempty"`
	ReferenceKind string `json:"referenceKind,omitempty"`
	Exists        *bool  `json:"exists,omitempty"`

	// template leaf
	Template string `json:"template,omitempty"`
}

// IsLeaf reports whether the condition is a leaf test.
func (c *Condition) IsLeaf() bool {
	return c.Operator == ""
}

// Validate checks structural invariants of the condition tree.
func (c *Condition) Validate() error {
	if c.IsLeaf() {
		switch c.Kind {
		case ConditionAttribute:
			if c.Field == "" {
				return fmt.Errorf("attribute condition requires a field")
			}
		case ConditionQuery:
			if c.Query == "" {
				return fmt.Errorf("oql condition requires a query")
			}
		case ConditionReference, ConditionTemplate:
		default:
			return fmt.Errorf("unknown condition kind %q", c.Kind)
		}
		return nil
	}

	switch c.Operator {
	case OperatorNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("NOT requires exactly one child, got %d", len(c.Conditions))
		}
	case OperatorAnd, OperatorOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s requires at least one child", c.Operator)
		}
	default:
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
	for i := range c.Conditions {
		if err := c.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("child %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks that exactly the payload matching Type is populated.
func (c *Component) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("component id is required")
	}
	switch c.Type {
	case ComponentAction:
		if c.Action == nil {
			return fmt.Errorf("action component %s has no action payload", c.ID)
		}
		if !KnownActionTypes[c.Action.Type] {
			return fmt.Errorf("component %s: unknown action type %q", c.ID, c.Action.Type)
		}
	case ComponentCondition:
		if c.Condition == nil {
			return fmt.Errorf("condition component %s has no condition payload", c.ID)
		}
		if err := c.Condition.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", c.ID, err)
		}
	case ComponentBranch:
		if c.Branch == nil {
			return fmt.Errorf("branch component %s has no branch payload", c.ID)
		}
		switch c.Branch.Type {
		case BranchRelatedItems, BranchCreatedItems, BranchLookupItems:
		default:
			return fmt.Errorf("component %s: unknown branch type %q", c.ID, c.Branch.Type)
		}
		if err := validateComponents(c.Branch.Components); err != nil {
			return fmt.Errorf("component %s: %w", c.ID, err)
		}
	case ComponentIfElse:
		if c.IfElse == nil {
			return fmt.Errorf("if_else component %s has no ifElse payload", c.ID)
		}
		if c.IfElse.Conditions != nil {
			if err := c.IfElse.Conditions.Validate(); err != nil {
				return fmt.Errorf("component %s: %w", c.ID, err)
			}
		}
		if err := validateComponents(c.IfElse.Then); err != nil {
			return fmt.Errorf("component %s then: %w", c.ID, err)
		}
		if err := validateComponents(c.IfElse.Else); err != nil {
			return fmt.Errorf("component %s else: %w", c.ID, err)
		}
	default:
		return fmt.Errorf("component %s: unknown type %q", c.ID, c.Type)
	}
	return nil
}
