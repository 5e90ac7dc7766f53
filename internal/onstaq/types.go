package onstaq

import "time"

// User is an upstream account, returned by Login and GetMe.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Workspace groups catalogs and members.
type Workspace struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is a workspace membership record.
type Member struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Catalog is an item type with a schema of attributes.
type Catalog struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	Name        string      `json:"name"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Attribute describes one typed field of a catalog schema. Type values
// include TEXT, NUMBER, DATE, STATUS, USER, and SELECT.
type Attribute struct {
	ID        string         `json:"id"`
	CatalogID string         `json:"catalogId"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Options   map[string]any `json:"options,omitempty"`
}

// Item is a record with typed attribute values and explicit references.
type Item struct {
	ID              string         `json:"id"`
	Key             string         `json:"key,omitempty"`
	CatalogID       string         `json:"catalogId"`
	WorkspaceID     string         `json:"workspaceId"`
	AttributeValues map[string]any `json:"attributeValues"`
	CreatedBy       string         `json:"createdBy,omitempty"`
	UpdatedBy       string         `json:"updatedBy,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ItemList is one page of a list endpoint response.
type ItemList struct {
	Items      []Item `json:"items"`
	TotalCount int    `json:"totalCount"`
}

// Reference links two items with a kind (LINK, DEPENDENCY, PARENT, ...).
type Reference struct {
	ID         string    `json:"id"`
	FromItemID string    `json:"fromItemId"`
	ToItemID   string    `json:"toItemId"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// History entry actions recorded by the upstream.
const (
	HistoryActionCreated          = "CREATED"
	HistoryActionUpdated          = "UPDATED"
	HistoryActionReferenceAdded   = "REFERENCE_ADDED"
	HistoryActionReferenceRemoved = "REFERENCE_REMOVED"
)

// FieldChange records the before/after values of one field in a history entry.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// HistoryEntry is one audit record for an item.
type HistoryEntry struct {
	ID        string                 `json:"id"`
	ItemID    string                 `json:"itemId"`
	Action    string                 `json:"action"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	CreatedBy string                 `json:"createdBy,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Comment is a free-text note attached to an item.
type Comment struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueryResult is the tabular response of an ad-hoc OQL execution.
type QueryResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	TotalCount      int              `json:"totalCount"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
}

// ImportResult summarizes a bulk item import.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ListOptions are the query parameters accepted by list endpoints.
type ListOptions struct {
	SortBy    string
	SortOrder string // asc | desc
	Page      int
	Limit     int
	Search    string
	// Filters match attribute values exactly, keyed by attribute name.
	Filters map[string]string
}
